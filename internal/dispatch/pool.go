package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spigell/jobscore/internal/ai"
)

var (
	// ErrExhausted is returned when every pooled credential is cooling down.
	ErrExhausted = errors.New("all credentials are cooling down")
	// ErrCoolingDown is returned when a credential is claimed while still cooling down.
	ErrCoolingDown = errors.New("credential is cooling down")
)

type credentialState struct {
	cooldownUntil time.Time
	lastCallAt    time.Time
}

// CredentialStatus is a point-in-time view of one credential for diagnostics.
type CredentialStatus struct {
	Index         int           `json:"index"`
	CoolingDown   bool          `json:"coolingDown"`
	CooldownLeft  time.Duration `json:"-"`
	CooldownLeftS float64       `json:"cooldownLeftSeconds"`
	LastCallAt    time.Time     `json:"lastCallAt,omitempty"`
}

// CredentialPool holds the ordered credentials of the primary provider and
// their mutable cooldown/last-use state. All methods are safe for concurrent use.
type CredentialPool struct {
	clock Clock

	mu     sync.Mutex
	creds  []ai.Credential
	state  []credentialState
	cursor int
}

// NewCredentialPool assigns stable indices in the given order.
func NewCredentialPool(secrets []string, clock Clock) *CredentialPool {
	if clock == nil {
		clock = systemClock{}
	}

	creds := make([]ai.Credential, len(secrets))
	for i, secret := range secrets {
		creds[i] = ai.Credential{Index: i, Secret: secret}
	}

	return &CredentialPool{
		clock: clock,
		creds: creds,
		state: make([]credentialState, len(secrets)),
	}
}

// Len returns the number of pooled credentials.
func (p *CredentialPool) Len() int {
	return len(p.creds)
}

// SelectNext scans at most Len credentials starting from a rotating cursor and
// returns the first one that is not cooling down. The cursor advances on every call.
func (p *CredentialPool) SelectNext() (ai.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.creds)
	if n == 0 {
		return ai.Credential{}, ErrExhausted
	}

	start := p.cursor
	p.cursor = (p.cursor + 1) % n

	now := p.clock.Now()
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if !p.state[idx].cooldownUntil.After(now) {
			return p.creds[idx], nil
		}
	}

	return ai.Credential{}, ErrExhausted
}

// Cooldown keeps the credential out of rotation for d. An existing longer
// cooldown is never shortened.
func (p *CredentialPool) Cooldown(index int, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= len(p.state) {
		return
	}

	until := p.clock.Now().Add(d)
	if until.After(p.state[index].cooldownUntil) {
		p.state[index].cooldownUntil = until
	}
}

// RecordCall stamps the credential as used now. It fails with ErrCoolingDown
// when the credential was put on cooldown after it had been selected.
func (p *CredentialPool) RecordCall(index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= len(p.state) {
		return fmt.Errorf("credential index %d out of range", index)
	}

	now := p.clock.Now()
	st := &p.state[index]
	if st.cooldownUntil.After(now) {
		return ErrCoolingDown
	}
	if now.After(st.lastCallAt) {
		st.lastCallAt = now
	}

	return nil
}

// LastCallAt returns the most recent recorded use, or the zero time.
func (p *CredentialPool) LastCallAt(index int) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= len(p.state) {
		return time.Time{}
	}
	return p.state[index].lastCallAt
}

// CooldownUntil returns the end of the credential's cooldown, or the zero time.
func (p *CredentialPool) CooldownUntil(index int) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= len(p.state) {
		return time.Time{}
	}
	return p.state[index].cooldownUntil
}

// Snapshot reports the state of every credential without exposing secrets.
func (p *CredentialPool) Snapshot() []CredentialStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	statuses := make([]CredentialStatus, len(p.state))
	for i, st := range p.state {
		left := st.cooldownUntil.Sub(now)
		if left < 0 {
			left = 0
		}
		statuses[i] = CredentialStatus{
			Index:         i,
			CoolingDown:   left > 0,
			CooldownLeft:  left,
			CooldownLeftS: left.Seconds(),
			LastCallAt:    st.lastCallAt,
		}
	}
	return statuses
}
