package jobs

import (
	"fmt"
	"strings"

	"github.com/spigell/jobscore/internal/ai"
)

// ReportByCompany groups jobs by company for a quick overview, adding the
// stored score of every job that has one.
func ReportByCompany(list []ai.ScoreJob, results map[string]ai.ScoreResult) map[string][]map[string]string {
	report := make(map[string][]map[string]string)
	for _, job := range list {
		company := strings.TrimSpace(job.Company)
		if company == "" {
			company = "unknown company"
		}

		entry := map[string]string{
			"id":    job.ID,
			"title": job.Title,
		}
		if !job.PostedAt.IsZero() {
			entry["posted"] = job.PostedAt.Format("2006-01-02")
		}
		if res, ok := results[job.ID]; ok {
			entry["score"] = fmt.Sprintf("%.1f", res.Score)
			entry["provider"] = res.Provider.String()
			entry["justification"] = res.Justification
			if len(res.MissingSkills) > 0 {
				entry["missing"] = strings.Join(res.MissingSkills, ", ")
			}
		}

		report[company] = append(report[company], entry)
	}
	return report
}
