// Package minutes defines the structured meeting-minutes document exchanged
// between the drafting collaborator, the workflow engine and the renderer.
package minutes

import (
	"encoding/json"
	"fmt"
	"strings"
)

// NoteSeparator joins the parts of a reviewer note that arrives as a list.
const NoteSeparator = "\n"

// Attendee is a single meeting participant.
type Attendee struct {
	Name     string `json:"name"`
	Position string `json:"position"`
	Role     string `json:"role"`
}

// Task is a commitment made during the meeting.
type Task struct {
	Responsible string `json:"responsible"`
	Date        string `json:"date"`
	Description string `json:"description"`
}

// Document is the meeting-minutes record.
//
// The JSON field names follow the drafting prompt contract, so documents
// produced by a language model decode directly into this type.
type Document struct {
	Title        string     `json:"title"`
	Date         string     `json:"date"`
	Attendees    []Attendee `json:"attendees"`
	Summary      string     `json:"summary"`
	KeyPoints    []string   `json:"takeaways"`
	Conclusions  []string   `json:"conclusions"`
	NextMeeting  []string   `json:"next_meeting"`
	Tasks        []Task     `json:"tasks"`
	ReviewerNote string     `json:"message_to_critique"`
}

// wireDocument mirrors Document with loosely typed fields for the values
// collaborators are known to emit in more than one shape.
type wireDocument struct {
	Title        string          `json:"title"`
	Date         string          `json:"date"`
	Attendees    []Attendee      `json:"attendees"`
	Summary      string          `json:"summary"`
	KeyPoints    []string        `json:"takeaways"`
	Conclusions  []string        `json:"conclusions"`
	NextMeeting  json.RawMessage `json:"next_meeting"`
	Tasks        []Task          `json:"tasks"`
	ReviewerNote json.RawMessage `json:"message_to_critique"`
}

// UnmarshalJSON decodes a document, accepting a reviewer note given either as
// a string or a list of strings, and next-meeting items given either as a
// single string or a list.
func (d *Document) UnmarshalJSON(data []byte) error {
	var w wireDocument
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	note, err := stringOrList(w.ReviewerNote)
	if err != nil {
		return fmt.Errorf("message_to_critique: %w", err)
	}
	next, err := stringOrList(w.NextMeeting)
	if err != nil {
		return fmt.Errorf("next_meeting: %w", err)
	}

	*d = Document{
		Title:        w.Title,
		Date:         w.Date,
		Attendees:    w.Attendees,
		Summary:      w.Summary,
		KeyPoints:    w.KeyPoints,
		Conclusions:  w.Conclusions,
		NextMeeting:  next,
		Tasks:        w.Tasks,
		ReviewerNote: NormalizeNote(note),
	}
	return nil
}

// stringOrList decodes a JSON string, list of strings, or null.
// A non-empty string becomes a one-element list.
func stringOrList(raw json.RawMessage) ([]string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("expected string or list of strings")
	}
	if strings.TrimSpace(single) == "" {
		return nil, nil
	}
	return []string{single}, nil
}

// NormalizeNote joins reviewer-note fragments into a single string.
// Empty fragments are dropped.
func NormalizeNote(parts []string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, NoteSeparator)
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Attendees = append([]Attendee(nil), d.Attendees...)
	c.KeyPoints = append([]string(nil), d.KeyPoints...)
	c.Conclusions = append([]string(nil), d.Conclusions...)
	c.NextMeeting = append([]string(nil), d.NextMeeting...)
	c.Tasks = append([]Task(nil), d.Tasks...)
	return &c
}

// IsZero reports whether the document carries no content at all.
func (d *Document) IsZero() bool {
	if d == nil {
		return true
	}
	return d.Title == "" && d.Date == "" && d.Summary == "" &&
		len(d.Attendees) == 0 && len(d.KeyPoints) == 0 && len(d.Conclusions) == 0 &&
		len(d.NextMeeting) == 0 && len(d.Tasks) == 0 && d.ReviewerNote == ""
}
