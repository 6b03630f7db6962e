package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/minutegraph/graph/model"
	"github.com/dshills/minutegraph/minutes"
)

// Critic reviews minutes against their transcript.
type Critic struct {
	model model.ChatModel
	cfg   Config
}

// NewCritic creates a Critic backed by m.
func NewCritic(m model.ChatModel, cfg Config) *Critic {
	return &Critic{model: m, cfg: cfg.withDefaults()}
}

// Critique returns brief feedback on doc, or minutes.NoIssues when the
// minutes need no changes. An empty model reply counts as no issues.
func (c *Critic) Critique(ctx context.Context, transcript string, doc *minutes.Document) (string, error) {
	if doc == nil {
		return "", errors.New("no minutes to critique")
	}
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal minutes: %w", err)
	}

	system := fmt.Sprintf(`You are a critic of meeting minutes. Your only purpose is to give brief feedback so the writer knows what to fix.
Respond in %s.
If the minutes are good, return only the word '%s' without any additional text.`, c.cfg.Language, minutes.NoIssues)

	user := fmt.Sprintf(`Today's date is %s. These are the meeting minutes:
-----
%s
-----
Give feedback on the minutes only if necessary.
Make sure names are given for split votes and for debate, and that the maker of each motion is named.

This is the transcript of the meeting:
-----
%s
-----`, c.cfg.today(), docJSON, transcript)

	out, err := c.model.Chat(ctx, []model.Message{
		{Role: model.RoleSystem, Content: system},
		{Role: model.RoleUser, Content: user},
	})
	if err != nil {
		return "", fmt.Errorf("model call failed: %w", err)
	}

	critique := strings.TrimSpace(out.Text)
	if !minutes.HasIssues(critique) {
		return minutes.NoIssues, nil
	}
	return critique, nil
}
