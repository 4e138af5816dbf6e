package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MimeLyc/storyreel/internal/apperr"
	"github.com/MimeLyc/storyreel/internal/backend"
	"github.com/MimeLyc/storyreel/internal/config"
	"github.com/MimeLyc/storyreel/internal/jobs"
	"github.com/MimeLyc/storyreel/pkg/file"
	"github.com/MimeLyc/storyreel/pkg/log"
)

// newDownloadCommand fetches the artifact of an earlier job by id, e.g. one
// started with --no-wait.
func newDownloadCommand(ctx *commandContext) *cobra.Command {
	var (
		modeFlag string
		format   string
		output   string
	)

	cmd := &cobra.Command{
		Use:   "download <job-id>",
		Short: "Download the artifact of a completed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			jobID := args[0]

			recorded, known := lookupJob(cmd, cfg, jobID)
			mode := recorded.Mode
			if modeFlag != "" {
				if mode, err = backend.ParseMode(modeFlag); err != nil {
					return apperr.Wrap(err, apperr.ErrValidation, "invalid --mode")
				}
			} else if !known {
				return apperr.Newf(apperr.ErrValidation, "job %s is not in the local history; pass --mode video, audio or book", jobID)
			}

			client, err := newBackendClient(cfg)
			if err != nil {
				return err
			}
			report, err := client.Status(cmd.Context(), mode, jobID)
			if err != nil {
				if backend.IsNotFound(err) {
					return apperr.Wrap(err, apperr.ErrBackend, fmt.Sprintf("%s file not found. Please try generating again.", mode.DisplayName()))
				}
				return err
			}
			if report.Status != backend.StatusCompleted {
				return apperr.Newf(apperr.ErrValidation, "%s is not ready for download yet. Please wait for the generation to complete.", mode.DisplayName())
			}

			voice := cfg.Voice
			if format != "" {
				voice.Format = format
			}
			ext := mode.Extension(voice)
			if format == "" && known && recorded.Mode == mode && recorded.Extension != "" {
				ext = recorded.Extension
			}
			name := file.ArtifactName(string(mode), jobID, ext)
			path := file.ResolveOutput(output, name, ext)
			n, err := saveArtifact(path, func(f *os.File) (int64, error) {
				return client.Download(cmd.Context(), mode, jobID, f)
			})
			if err != nil {
				return apperr.Wrap(err, apperr.ErrTransport, "error downloading artifact")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%d bytes)\n", path, n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&modeFlag, "mode", "m", "", "Job mode: video, audio or book (looked up in history when omitted)")
	cmd.Flags().StringVar(&format, "format", "", "Audio format of a book artifact (defaults to the recorded one)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Where to save the artifact (file or directory)")
	return cmd
}

// lookupJob finds a recorded job in the history database.
func lookupJob(cmd *cobra.Command, cfg *config.Config, jobID string) (jobs.Job, bool) {
	store, err := openHistory(cfg)
	if err != nil {
		log.Debug("History unavailable for job lookup: %v", err)
		return jobs.Job{}, false
	}
	defer store.Close()
	job, ok, err := store.GetJob(cmd.Context(), jobID)
	if err != nil || !ok {
		log.Debug("Job %s not found in history", jobID)
		return jobs.Job{}, false
	}
	return job, true
}
