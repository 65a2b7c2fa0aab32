package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/jobscore/internal/ai"
	"github.com/spigell/jobscore/internal/dispatch"
	"github.com/spigell/jobscore/internal/jobs"
	"github.com/spigell/jobscore/internal/logger"
)

const (
	PromptYes       = "Yes"
	PromptNo        = "No"
	PromptListJobs  = "List pending jobs"
	PromptProviders = "Show providers"
	PromptReport    = "Report by company"
	PromptExclude   = "Append pending jobs to exclude file"
)

var errExit = errors.New("exit requested")

var prompt = promptui.Select{
	Label: "Proceed?",
	Items: []string{PromptYes, PromptNo, PromptListJobs, PromptProviders, PromptReport, PromptExclude},
}

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score pending jobs against the resume",
	Run: func(cmd *cobra.Command, _ []string) {
		score(cmd)
	},
}

func init() {
	rootCmd.AddCommand(scoreCmd)

	scoreCmd.Flags().StringP("provider", "p", "", "auto, gemini, openai or openrouter (default from config)")
	scoreCmd.Flags().IntP("batch-size", "n", 0, "score at most this many jobs (0 means all)")
	scoreCmd.Flags().String("sort", "", "as-given, newest, oldest or title")
	scoreCmd.Flags().String("job", "", "score only the job with this id, even if already scored")
	scoreCmd.Flags().BoolP("auto-approve", "y", false, "do not ask for confirmation before scoring")
	scoreCmd.Flags().BoolP("rescore", "f", false, "score jobs that already have a stored result")

	viper.BindPFlag("dispatch.provider", scoreCmd.Flags().Lookup("provider"))
	viper.BindPFlag("dispatch.max-batch", scoreCmd.Flags().Lookup("batch-size"))
	viper.BindPFlag("dispatch.sort", scoreCmd.Flags().Lookup("sort"))
	viper.BindPFlag("rescore", scoreCmd.Flags().Lookup("rescore"))
}

func score(cmd *cobra.Command) {
	rt := setup()
	l := rt.logger

	if jobID := strings.TrimSpace(cmd.Flag("job").Value.String()); jobID != "" {
		if err := scoreOne(rt, jobID); err != nil {
			l.Fatal("scoring the job", zap.String(logger.FieldJob, jobID), zap.Error(err))
		}
		return
	}

	pending, err := rt.store.Pending(cmd.Context())
	if err != nil {
		l.Fatal("loading pending jobs", zap.Error(err))
	}

	if len(pending) == 0 {
		l.Info("exiting", zap.String("reason", "no pending jobs"))
		return
	}

	l.Info("pending jobs", zap.Int("count", len(pending)), zap.String("provider", rt.config.Provider().String()))

	if cmd.Flag("auto-approve").Value.String() == "false" {
		if err := confirm(rt, pending); err != nil {
			if errors.Is(err, errExit) {
				return
			}
			l.Fatal("exiting", zap.Error(err))
		}
	}

	if err := runBatch(rt, pending); err != nil {
		l.Fatal("batch failed", zap.Error(err))
	}
}

func confirm(rt *runtime, pending []ai.ScoreJob) error {
	for {
		_, action, err := prompt.Run()
		if err != nil {
			return err
		}

		switch action {
		case PromptYes:
			return nil
		case PromptNo:
			rt.logger.Info("exiting", zap.String("reason", "got no from prompt"))
			return errExit
		case PromptListJobs:
			for _, job := range pending {
				fmt.Printf("%s\t%s\t%s\n", job.ID, job.Title, job.Company)
			}
		case PromptProviders:
			for i, p := range rt.dispatcher.Providers() {
				fmt.Printf("%d. %s\n", i+1, p)
			}
		case PromptReport:
			results, err := rt.store.Results()
			if err != nil {
				return fmt.Errorf("reading results: %w", err)
			}
			pretty, err := json.MarshalIndent(jobs.ReportByCompany(pending, results), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(pretty))
		case PromptExclude:
			if err := appendExcluded(rt, pending); err != nil {
				return err
			}
			rt.logger.Info("exiting", zap.String("reason", "pending jobs added to the exclude file"))
			return errExit
		default:
			return fmt.Errorf("invalid action: %s", action)
		}
	}
}

func runBatch(rt *runtime, pending []ai.ScoreJob) error {
	l := rt.logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The batch itself must not see the signal: the in-flight job finishes first.
	events, err := rt.dispatcher.Start(context.WithoutCancel(ctx), dispatch.BatchRequest{
		Jobs:     pending,
		Resume:   rt.resume,
		Provider: rt.config.Provider(),
		MaxBatch: rt.config.Dispatch.MaxBatch,
		Sort:     rt.config.SortOrder(),
	})
	if err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.Warn("interrupt received, stopping after the current job")
			rt.dispatcher.Stop()
			// A second interrupt kills the process.
			stop()
		case <-done:
		}
	}()

	for ev := range events {
		switch ev.Type {
		case dispatch.EventStart:
			l.Info("batch started", zap.String(logger.FieldRun, ev.RunID), zap.Int("jobs", ev.Total))
		case dispatch.EventScoring:
			l.Info(fmt.Sprintf("scoring %d/%d", ev.Progress, ev.Total), zap.String(logger.FieldJob, ev.JobID), zap.String("title", ev.Title))
		case dispatch.EventScored:
			fields := append(logger.CommonFields(ev.Provider.String(), ev.Model),
				zap.String(logger.FieldJob, ev.JobID),
				zap.Float64("score", ev.Score),
				zap.Strings("matched", ev.MatchedSkills),
				zap.Strings("missing", ev.MissingSkills),
			)
			if ev.FailoverFrom != "" {
				fields = append(fields, zap.String("failover_from", ev.FailoverFrom.String()))
			}
			l.Info("scored", fields...)
			if err := rt.store.SaveResult(ev.ScoreResult); err != nil {
				l.Error("saving result", zap.String(logger.FieldJob, ev.JobID), zap.Error(err))
			}
		case dispatch.EventError:
			l.Warn("job failed", zap.String(logger.FieldJob, ev.JobID), zap.String("error", ev.Message))
		case dispatch.EventCancelled, dispatch.EventComplete:
			l.Info("batch "+string(ev.Type),
				zap.Int("scored", ev.Scored),
				zap.Int("errors", ev.Errors),
				zap.Int("tokens", ev.TotalTokens),
			)
		}
	}

	st := rt.dispatcher.Status()
	for _, c := range st.Credentials {
		if c.CoolingDown {
			l.Info("credential still cooling down", append(logger.Credential(c.Index), zap.Duration("left", c.CooldownLeft))...)
		}
	}

	if st.State == dispatch.StateError {
		return errors.New(st.LastError)
	}
	return nil
}

func scoreOne(rt *runtime, jobID string) error {
	job, err := rt.store.Find(jobID)
	if err != nil {
		return err
	}
	job.Resume = rt.resume

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := rt.dispatcher.Score(ctx, job, rt.config.Provider())
	if err != nil {
		return err
	}

	fields := append(logger.CommonFields(result.Provider.String(), result.Model),
		zap.String(logger.FieldJob, result.JobID),
		zap.Float64("score", result.Score),
		zap.String("justification", result.Justification),
		zap.Int("tokens", result.TokensUsed),
	)
	rt.logger.Info("scored", fields...)

	return rt.store.SaveResult(result)
}

func appendExcluded(rt *runtime, pending []ai.ScoreJob) error {
	path := strings.TrimSpace(rt.config.ExcludeFile)
	if path == "" {
		return errors.New("exclude-file is not configured")
	}

	excluded, err := jobs.LoadExcluded(path)
	if err != nil {
		return fmt.Errorf("loading exclude file: %w", err)
	}

	before := len(excluded.Items)
	excluded.Append(jobs.ToExcluded(pending, time.Now()))

	if err := excluded.ToFile(path); err != nil {
		return fmt.Errorf("writing exclude file: %w", err)
	}

	rt.logger.Info("exclude file updated",
		zap.String("path", path),
		zap.Int("added", len(excluded.Items)-before),
		zap.Int("total", len(excluded.Items)),
	)
	return nil
}
