package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/MimeLyc/storyreel/internal/orchestrator"
)

const previewRunes = 60

func newChunksCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "chunks [file]",
		Short: "Show how input text is split into request-sized chunks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			text, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			session, err := newSession(cfg)
			if err != nil {
				return err
			}
			if limit > 0 {
				session.SetChunkLimit(limit)
			}
			session.SetText(text)

			st := session.State()
			out := cmd.OutOrStdout()
			if len(st.Chunks) == 0 {
				fmt.Fprintf(out, "Text fits in a single request (%d of %d characters)\n", st.CharacterCount, st.ChunkLimit)
				return nil
			}
			rows := make([][]string, 0, len(st.Chunks))
			for i, c := range st.Chunks {
				rows = append(rows, []string{
					fmt.Sprintf("Part %d of %d", i+1, len(st.Chunks)),
					strconv.Itoa(c.CharacterCount),
					preview(c.Text, previewRunes),
				})
			}
			fmt.Fprintf(out, "%d characters split into %d chunks (limit %d)\n", st.CharacterCount, len(st.Chunks), st.ChunkLimit)
			fmt.Fprintln(out, renderTable([]string{"Chunk", "Characters", "Preview"}, rows, []columnAlignment{alignLeft, alignRight, alignLeft}))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum characters per chunk (defaults to CHUNK_LIMIT)")
	return cmd
}

func newChaptersCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "chapters <book.epub>",
		Short: "List the chapters of an EPUB book",
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
			st := session.State()
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d chapters\n", st.BookName, len(st.Chapters))
			fmt.Fprintln(cmd.OutOrStdout(), renderChapters(st.Chapters))
			return nil
		},
	}
}

func renderChapters(chapters []orchestrator.ChapterSummary) string {
	rows := make([][]string, 0, len(chapters))
	for _, ch := range chapters {
		rows = append(rows, []string{
			strconv.Itoa(ch.ID),
			ch.Title,
			strconv.Itoa(ch.CharacterCount),
			ch.Language,
		})
	}
	return renderTable([]string{"ID", "Title", "Characters", "Language"}, rows, []columnAlignment{alignRight, alignLeft, alignRight, alignLeft})
}

func newPartsCommand(ctx *commandContext) *cobra.Command {
	var parts int

	cmd := &cobra.Command{
		Use:   "parts <book.epub> <chapter-id>",
		Short: "Split a chapter into equal-sized parts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			id, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid chapter id %q", args[1])
			}
			session, err := newSession(cfg)
			if err != nil {
				return err
			}
			if err := loadBook(session, args[0]); err != nil {
				return err
			}
			n, err := session.SetPartCount(id, parts)
			if err != nil {
				return err
			}
			split, err := session.ChapterParts(id)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(split))
			for i, p := range split {
				rows = append(rows, []string{
					fmt.Sprintf("%d of %d", i+1, n),
					strconv.Itoa(p.CharacterCount),
					preview(p.Text, previewRunes),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Part", "Characters", "Preview"}, rows, []columnAlignment{alignLeft, alignRight, alignLeft}))
			return nil
		},
	}
	cmd.Flags().IntVarP(&parts, "parts", "n", 1, fmt.Sprintf("Number of parts (%d-%d)", orchestrator.MinParts, orchestrator.MaxParts))
	return cmd
}
