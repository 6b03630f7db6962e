// Package agents implements the drafting and critique collaborators on top
// of a language model.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/minutegraph/graph/model"
	"github.com/dshills/minutegraph/minutes"
)

// ErrEmptyTranscript is returned when there is nothing to draft from.
var ErrEmptyTranscript = errors.New("transcript is empty")

// DefaultTargetLength is the approximate length in words of a fresh draft.
const DefaultTargetLength = 100

// Config holds settings shared by the writer and the critic.
type Config struct {
	// Language is the language the model must answer in, e.g. "Spanish".
	Language string

	// Now supplies today's date for the prompts. Defaults to time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Language == "" {
		c.Language = "Spanish"
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

func (c Config) today() string {
	return c.Now().Format("02/01/2006")
}

// Writer drafts and revises meeting minutes.
type Writer struct {
	model model.ChatModel
	cfg   Config
}

// NewWriter creates a Writer backed by m.
func NewWriter(m model.ChatModel, cfg Config) *Writer {
	return &Writer{model: m, cfg: cfg.withDefaults()}
}

const documentFields = `Respond with a valid JSON object with a single key "minutes" containing the fields:
"title": title of the meeting,
"date": date of the meeting,
"attendees": list of objects with "name", "position" and "role"; use "none" for unknown values,
"summary": the meeting summarized in three paragraphs separated by newline characters,
"takeaways": list of the key points,
"conclusions": list of conclusions and actions to be taken,
"next_meeting": list of commitments for the next meeting,
"tasks": list of objects with "responsible", "date" and "description"; describe concretely what the person must do and cover every next_meeting item,
"message_to_critique": a single string answering each of the reviewer's comments.`

func (w *Writer) systemPrompt(task string) string {
	return fmt.Sprintf(`%s
%s
Respond in %s. Do not invent facts; write "Information not provided" where the transcript is silent.
Respond only with the JSON object, no additional text.`, task, documentFields, w.cfg.Language)
}

// Draft writes fresh minutes from a transcript.
func (w *Writer) Draft(ctx context.Context, transcript string, targetLength int) (*minutes.Document, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, ErrEmptyTranscript
	}
	if targetLength <= 0 {
		targetLength = DefaultTargetLength
	}

	user := fmt.Sprintf(`Today's date is %s. This is the transcript of a meeting:
-----
%s
-----
Write the minutes of this meeting, covering every point discussed.
The minutes should be approximately %d words, divided into paragraphs using newline characters.`,
		w.cfg.today(), transcript, targetLength)

	return w.generate(ctx, w.systemPrompt("You are an expert at writing meeting minutes."), user)
}

// Revise rewrites prior minutes to address a critique.
func (w *Writer) Revise(ctx context.Context, transcript, critique string, prior *minutes.Document) (*minutes.Document, error) {
	if prior == nil {
		return nil, errors.New("no minutes to revise")
	}
	priorJSON, err := json.Marshal(prior)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal prior minutes: %w", err)
	}

	user := fmt.Sprintf(`Today's date is %s. Rewrite the minutes below so that every comment in the critique is addressed.
You also have the meeting transcript for reference.
#####
minutes to correct:
%s
#####
critique:
%s
#####
transcript:
%s
#####`, w.cfg.today(), priorJSON, critique, transcript)

	return w.generate(ctx, w.systemPrompt("You are an expert at revising meeting minutes from reviewer feedback."), user)
}

func (w *Writer) generate(ctx context.Context, system, user string) (*minutes.Document, error) {
	out, err := w.model.Chat(ctx, []model.Message{
		{Role: model.RoleSystem, Content: system},
		{Role: model.RoleUser, Content: user},
	})
	if err != nil {
		return nil, fmt.Errorf("model call failed: %w", err)
	}

	doc, err := minutes.Parse(out.Text)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", minutes.ErrUnparsable, err)
	}
	return doc, nil
}
