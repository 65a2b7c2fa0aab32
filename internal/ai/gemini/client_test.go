package gemini

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/spigell/jobscore/internal/ai"
)

type fakeGenerator struct {
	mu      sync.Mutex
	resp    *genai.GenerateContentResponse
	err     error
	prompts []string
	models  []string
}

func (f *fakeGenerator) GenerateContent(_ context.Context, model string, contents []*genai.Content, _ *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.models = append(f.models, model)
	for _, content := range contents {
		for _, part := range content.Parts {
			f.prompts = append(f.prompts, part.Text)
		}
	}
	return f.resp, f.err
}

type factoryRecord struct {
	cred     ai.Credential
	identity ai.IdentityProfile
}

func recordingFactory(gen generator, records *[]factoryRecord) generatorFactory {
	return func(_ context.Context, cred ai.Credential, identity ai.IdentityProfile, _ time.Duration) (generator, error) {
		*records = append(*records, factoryRecord{cred: cred, identity: identity})
		return gen, nil
	}
}

func textResponse(text string, tokens int32) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: text}}},
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{TotalTokenCount: tokens},
	}
}

func testCall(index int) ai.Call {
	return ai.Call{
		Job:        ai.ScoreJob{ID: "job-1", Title: "Go Developer", Description: "Go, Kubernetes", Resume: "Go for 8 years"},
		Credential: &ai.Credential{Index: index, Secret: "key-" + string(rune('a'+index))},
		Identity:   ai.IdentityProfile{Name: "profile", Headers: map[string]string{"X-Client-Name": "one"}},
	}
}

func TestClientScoreSuccess(t *testing.T) {
	gen := &fakeGenerator{resp: textResponse("```json\n{\"score\": 88, \"justification\": \"Fits\", \"matched_skills\": [\"Go\"]}\n```", 321)}
	var records []factoryRecord
	client := newClient(Config{Model: "gemini-test"}, zap.NewNop(), recordingFactory(gen, &records))

	resp, err := client.Score(context.Background(), testCall(0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Score != 88 {
		t.Fatalf("expected score 88, got %v", resp.Score)
	}
	if resp.TokensUsed != 321 {
		t.Fatalf("expected reported usage, got %d", resp.TokensUsed)
	}
	if resp.Model != "gemini-test" {
		t.Fatalf("unexpected model: %s", resp.Model)
	}
	if len(gen.prompts) != 1 || !strings.Contains(gen.prompts[0], "Go for 8 years") {
		t.Fatalf("expected resume in prompt, got %v", gen.prompts)
	}
	if len(gen.models) != 1 || gen.models[0] != "gemini-test" {
		t.Fatalf("unexpected model calls: %v", gen.models)
	}
}

func TestClientCachesGeneratorPerCredential(t *testing.T) {
	gen := &fakeGenerator{resp: textResponse(`{"score": 50}`, 10)}
	var records []factoryRecord
	client := newClient(Config{}, zap.NewNop(), recordingFactory(gen, &records))

	for _, index := range []int{0, 1, 0, 1, 0} {
		if _, err := client.Score(context.Background(), testCall(index)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if len(records) != 2 {
		t.Fatalf("expected one generator per credential, got %d", len(records))
	}
	if records[0].cred.Index != 0 || records[1].cred.Index != 1 {
		t.Fatalf("unexpected factory order: %+v", records)
	}
	if records[0].identity.Headers["X-Client-Name"] != "one" {
		t.Fatalf("expected identity profile to reach the factory")
	}
}

func TestClientRateLimitClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		rateLimit bool
	}{
		{name: "429", err: genai.APIError{Code: http.StatusTooManyRequests, Status: "RESOURCE_EXHAUSTED"}, rateLimit: true},
		{name: "status only", err: &genai.APIError{Code: 0, Status: "RESOURCE_EXHAUSTED"}, rateLimit: true},
		{name: "server error", err: genai.APIError{Code: http.StatusInternalServerError, Status: "INTERNAL"}},
		{name: "auth", err: genai.APIError{Code: http.StatusForbidden, Status: "PERMISSION_DENIED"}},
		{name: "timeout", err: context.DeadlineExceeded},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gen := &fakeGenerator{err: tc.err}
			var records []factoryRecord
			client := newClient(Config{}, zap.NewNop(), recordingFactory(gen, &records))

			_, err := client.Score(context.Background(), testCall(0))
			if err == nil {
				t.Fatal("expected error")
			}

			if got := errors.Is(err, ai.ErrRateLimited); got != tc.rateLimit {
				t.Fatalf("rate limited = %v, want %v (err: %v)", got, tc.rateLimit, err)
			}
			if strings.Contains(err.Error(), "key-a") {
				t.Fatalf("error leaks credential: %v", err)
			}
		})
	}
}

func TestClientRequiresCredential(t *testing.T) {
	client := newClient(Config{}, zap.NewNop(), recordingFactory(&fakeGenerator{}, &[]factoryRecord{}))

	call := testCall(0)
	call.Credential = nil
	if _, err := client.Score(context.Background(), call); !errors.Is(err, ai.ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
}

func TestClientEmptyAndMalformedResponses(t *testing.T) {
	for name, resp := range map[string]*genai.GenerateContentResponse{
		"empty":     {Candidates: []*genai.Candidate{{Content: &genai.Content{}}}},
		"malformed": textResponse("I would rather not answer.", 5),
	} {
		t.Run(name, func(t *testing.T) {
			client := newClient(Config{}, zap.NewNop(), recordingFactory(&fakeGenerator{resp: resp}, &[]factoryRecord{}))

			_, err := client.Score(context.Background(), testCall(0))
			if err == nil {
				t.Fatal("expected error")
			}
			if ai.Classify(err) != ai.OutcomeFatal {
				t.Fatalf("expected fatal outcome, got %s", ai.Classify(err))
			}
		})
	}
}
