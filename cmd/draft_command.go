package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MimeLyc/storyreel/internal/story"
)

func newDraftCommand(ctx *commandContext) *cobra.Command {
	var (
		length string
		output string
	)

	cmd := &cobra.Command{
		Use:   "draft <description...>",
		Short: "Draft a complete story from a short description",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			l, err := story.ParseLength(length)
			if err != nil {
				return err
			}
			session, err := newSession(cfg)
			if err != nil {
				return err
			}
			session.SetText(strings.Join(args, " "))
			text, err := session.DraftStory(cmd.Context(), l)
			if err != nil {
				return err
			}
			if output == "" {
				fmt.Fprintln(cmd.OutOrStdout(), text)
				return nil
			}
			if err := os.WriteFile(output, []byte(text+"\n"), 0o644); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%d characters)\n", output, len([]rune(text)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&length, "length", "l", string(story.Medium), "Story length: short, medium or long")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the story to this file instead of stdout")
	return cmd
}
