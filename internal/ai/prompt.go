package ai

import (
	_ "embed"
	"strings"
)

//go:embed prompt.md
var promptTemplate string

const fallbackTemplate = "Job:\n{{JOB_TITLE}}\n{{JOB_DESCRIPTION}}\n\nResume:\n{{RESUME}}\n\nJSON Response:"

// BuildPrompt renders the scoring prompt for one job. Every adapter sends the
// same text so that scores stay comparable across providers.
func BuildPrompt(job ScoreJob) string {
	template := promptTemplate
	if strings.TrimSpace(template) == "" {
		template = fallbackTemplate
	}

	company := strings.TrimSpace(job.Company)
	if company == "" {
		company = "not specified"
	}

	replacer := strings.NewReplacer(
		"{{JOB_TITLE}}", strings.TrimSpace(job.Title),
		"{{JOB_COMPANY}}", company,
		"{{JOB_DESCRIPTION}}", strings.TrimSpace(job.Description),
		"{{RESUME}}", strings.TrimSpace(job.Resume),
	)
	return replacer.Replace(template)
}
