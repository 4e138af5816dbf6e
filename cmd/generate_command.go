package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MimeLyc/storyreel/internal/apperr"
	"github.com/MimeLyc/storyreel/internal/backend"
	"github.com/MimeLyc/storyreel/internal/config"
	"github.com/MimeLyc/storyreel/internal/jobs"
	"github.com/MimeLyc/storyreel/internal/orchestrator"
	"github.com/MimeLyc/storyreel/pkg/file"
	"github.com/MimeLyc/storyreel/pkg/log"
)

type jobOptions struct {
	output string
	noWait bool
}

func (o *jobOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.output, "output", "o", "", "Where to save the artifact (file or directory)")
	cmd.Flags().BoolVar(&o.noWait, "no-wait", false, "Submit the job and exit without waiting for it")
}

func newGenerateCommand(ctx *commandContext) *cobra.Command {
	var (
		kind    string
		chunk   int
		book    string
		chapter int
		part    int
		parts   int
		opts    jobOptions
	)

	cmd := &cobra.Command{
		Use:   "generate [file]",
		Short: "Generate video or audio from text, a text chunk, a chapter or a chapter part",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			mode, err := backend.ParseMode(kind)
			if err != nil {
				return apperr.Wrap(err, apperr.ErrValidation, "invalid --kind")
			}
			session, err := newSession(cfg)
			if err != nil {
				return err
			}

			var submit func(context.Context) error
			if book != "" {
				if chapter < 0 {
					return apperr.New(apperr.ErrValidation, "--chapter is required with --book")
				}
				if err := loadBook(session, book); err != nil {
					return err
				}
				if part > 0 {
					if _, err := session.SetPartCount(chapter, parts); err != nil {
						return err
					}
					submit = func(c context.Context) error { return session.GeneratePart(c, chapter, part-1, mode) }
				} else {
					submit = func(c context.Context) error { return session.GenerateChapter(c, chapter, mode) }
				}
			} else {
				text, err := readInput(cmd, args)
				if err != nil {
					return err
				}
				session.SetText(text)
				chunks := session.Chunks()
				switch {
				case chunk > 0:
					submit = func(c context.Context) error { return session.GenerateChunk(c, chunk-1, mode) }
				case len(chunks) > 0:
					return apperr.Newf(apperr.ErrValidation, "text is longer than %d characters and was split into %d chunks; pick one with --chunk", session.ChunkLimit(), len(chunks))
				default:
					submit = func(c context.Context) error { return session.GenerateText(c, mode) }
				}
			}
			return runJob(cmd, cfg, session, submit, opts)
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", string(backend.ModeVideo), "Artifact kind: video or audio")
	cmd.Flags().IntVar(&chunk, "chunk", 0, "Generate only this chunk of long text (1-based)")
	cmd.Flags().StringVar(&book, "book", "", "EPUB book to take the chapter from")
	cmd.Flags().IntVar(&chapter, "chapter", -1, "Chapter id as listed by the chapters command")
	cmd.Flags().IntVar(&part, "part", 0, "Generate only this part of the chapter (1-based)")
	cmd.Flags().IntVarP(&parts, "parts", "n", 1, "Number of parts to split the chapter into")
	opts.bind(cmd)
	return cmd
}

func newBookCommand(ctx *commandContext) *cobra.Command {
	var (
		chapters   string
		all        bool
		voiceType  string
		voiceSpeed float64
		format     string
		opts       jobOptions
	)

	cmd := &cobra.Command{
		Use:   "book <book.epub>",
		Short: "Narrate selected chapters of an EPUB book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			session, err := newSession(cfg)
			if err != nil {
				return err
			}
			if err := loadBook(session, args[0]); err != nil {
				return err
			}

			ids, err := chapterSelection(session, chapters, all)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if _, err := session.ToggleChapter(id); err != nil {
					return err
				}
			}

			voice := session.Voice()
			if cmd.Flags().Changed("voice") {
				voice.Type = voiceType
			}
			if cmd.Flags().Changed("speed") {
				voice.Speed = voiceSpeed
			}
			if cmd.Flags().Changed("format") {
				voice.Format = strings.ToLower(format)
			}
			if err := session.SetVoice(voice); err != nil {
				return err
			}
			return runJob(cmd, cfg, session, session.GenerateBook, opts)
		},
	}

	cmd.Flags().StringVar(&chapters, "chapters", "", "Comma-separated chapter ids in narration order")
	cmd.Flags().BoolVar(&all, "all", false, "Narrate every chapter")
	cmd.Flags().StringVar(&voiceType, "voice", "", "Narration voice type")
	cmd.Flags().Float64Var(&voiceSpeed, "speed", 0, "Narration speed")
	cmd.Flags().StringVar(&format, "format", "", "Audio format: mp3 or wav")
	opts.bind(cmd)
	return cmd
}

func chapterSelection(session *orchestrator.Session, raw string, all bool) ([]int, error) {
	if all {
		chapters := session.Chapters()
		ids := make([]int, 0, len(chapters))
		for _, ch := range chapters {
			ids = append(ids, ch.ID)
		}
		return ids, nil
	}
	var ids []int
	seen := make(map[int]bool)
	for _, field := range strings.Split(raw, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		id, err := strconv.Atoi(field)
		if err != nil {
			return nil, apperr.Newf(apperr.ErrValidation, "invalid chapter id %q", field)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, apperr.New(apperr.ErrValidation, "please select at least one chapter with --chapters or --all")
	}
	return ids, nil
}

// runJob submits through the session, follows the job to a terminal state
// and saves the artifact.
func runJob(cmd *cobra.Command, cfg *config.Config, session *orchestrator.Session, submit func(context.Context) error, opts jobOptions) error {
	lock, err := acquireJobLock(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	tracker := session.Tracker()
	if store, err := openHistory(cfg); err != nil {
		log.Warn("Job history disabled: %v", err)
	} else {
		defer store.Close()
		defer tracker.Subscribe(jobs.Recorder(store))()
	}

	progress := newProgressPrinter(cmd.ErrOrStderr())
	defer tracker.Subscribe(progress.update)()

	ctx := cmd.Context()
	if err := submit(ctx); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if opts.noWait {
		job := session.Job()
		fmt.Fprintf(out, "Submitted %s job %s (%s)\n", job.Mode, job.AssignedID, job.Label)
		return nil
	}

	job, err := tracker.Wait(ctx)
	progress.finish()
	if err != nil {
		session.Cancel()
		return err
	}
	switch job.State {
	case jobs.StateCompleted:
	case jobs.StateFailed:
		return apperr.New(apperr.ErrBackend, job.Message).WithContext("job", job.AssignedID)
	default:
		return jobs.ErrCancelled
	}

	name, err := session.ArtifactName()
	if err != nil {
		return err
	}
	path := file.ResolveOutput(opts.output, name, filepath.Ext(name))
	n, err := saveArtifact(path, func(f *os.File) (int64, error) {
		_, n, err := session.Download(ctx, f)
		return n, err
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Saved %s (%d bytes)\n", path, n)
	return nil
}

// saveArtifact writes to a temporary file and renames it into place so a
// failed download leaves nothing behind.
func saveArtifact(path string, write func(*os.File) (int64, error)) (int64, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("create output directory: %w", err)
		}
	}
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", tmp, err)
	}
	n, err := write(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("save %s: %w", path, err)
	}
	return n, nil
}
