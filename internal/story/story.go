package story

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/storyreel/internal/apperr"
	"github.com/MimeLyc/storyreel/internal/llm"
	"github.com/MimeLyc/storyreel/pkg/log"
)

// draftTimeout bounds a shared completion call, which no longer follows the
// context of any single caller.
const draftTimeout = 3 * time.Minute

const systemPrompt = "You are a creative story writer. Generate an engaging story based on the given description. Make sure it has a well defined end that provides closure to the story."

// Length selects how long a drafted story is.
type Length string

const (
	Short  Length = "short"
	Medium Length = "medium"
	Long   Length = "long"
)

var lengthTokens = map[Length]int{
	Short:  500,
	Medium: 1000,
	Long:   2000,
}

func ParseLength(s string) (Length, error) {
	l := Length(strings.ToLower(strings.TrimSpace(s)))
	if l == "" {
		return Medium, nil
	}
	if _, ok := lengthTokens[l]; !ok {
		return "", apperr.Newf(apperr.ErrValidation, "unknown story length %q (want short, medium or long)", s)
	}
	return l, nil
}

// MaxTokens is the completion budget for the length.
func (l Length) MaxTokens() int {
	return lengthTokens[l]
}

// Completer produces text for a prompt. *llm.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, prompt string, opts *llm.ChatCompletionOptions) (string, error)
}

// Drafter expands a short description into a complete story.
type Drafter struct {
	completer   Completer
	temperature float64
	group       singleflight.Group
}

func NewDrafter(completer Completer, temperature float64) *Drafter {
	return &Drafter{completer: completer, temperature: temperature}
}

// Draft returns a story of the given length. Identical concurrent requests
// share one completion call.
func (d *Drafter) Draft(ctx context.Context, description string, length Length) (string, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return "", apperr.New(apperr.ErrValidation, "a description is required to draft a story")
	}
	if _, ok := lengthTokens[length]; !ok {
		return "", apperr.Newf(apperr.ErrValidation, "unknown story length %q", length)
	}
	if d.completer == nil {
		return "", apperr.New(apperr.ErrConfig, "story drafting is not configured; set LLM_API_KEY")
	}

	key := string(length) + "\x00" + description
	ch := d.group.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), draftTimeout)
		defer cancel()
		opts := llm.NewChatCompletionOptions().
			WithSystemPrompt(systemPrompt).
			WithMaxTokens(length.MaxTokens()).
			WithTemperature(d.temperature)
		return d.completer.Complete(callCtx, Prompt(description, length), opts)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return "", apperr.Wrap(ctx.Err(), apperr.ErrTransport, "story draft cancelled")
	}
	if res.Shared {
		log.Debug("Shared in-flight %s story draft", length)
	}
	if res.Err != nil {
		return "", apperr.Wrap(res.Err, apperr.ErrTransport, "Failed to generate story. Please try again.")
	}

	text := strings.TrimSpace(res.Val.(string))
	if text == "" {
		return "", apperr.New(apperr.ErrBackend, "the story model returned no text")
	}
	log.Info("Drafted %s story (%d characters)", length, len([]rune(text)))
	return text, nil
}

// Prompt is the user message sent for a description.
func Prompt(description string, length Length) string {
	return fmt.Sprintf("Generate a %s story based on this description: %s. Make it engaging and descriptive.", length, description)
}
