package minutes

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnparsable indicates that collaborator output could not be decoded into
// a Document.
var ErrUnparsable = errors.New("unparsable minutes payload")

// NoIssues is the critique sentinel meaning the reviewer found nothing to fix.
const NoIssues = "None"

// HasIssues reports whether a critique carries outstanding feedback.
// Empty text and the NoIssues sentinel (any case, optional trailing period)
// mean no issues.
func HasIssues(critique string) bool {
	c := strings.TrimSpace(critique)
	c = strings.TrimSuffix(c, ".")
	c = strings.Trim(c, `"'`)
	return c != "" && !strings.EqualFold(c, NoIssues)
}

// Parse decodes a Document from model output. The payload may be wrapped in
// prose or code fences, and may nest the document under a "minutes" key.
func Parse(text string) (*Document, error) {
	raw, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

// Decode decodes a JSON object into a Document, unwrapping {"minutes": {...}}.
func Decode(raw []byte) (*Document, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrUnparsable)
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparsable, err)
	}
	if inner, ok := envelope["minutes"]; ok {
		inner = bytes.TrimSpace(inner)
		if len(inner) == 0 || inner[0] != '{' {
			return nil, fmt.Errorf("%w: minutes field is not an object", ErrUnparsable)
		}
		raw = inner
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparsable, err)
	}
	if doc.IsZero() {
		return nil, fmt.Errorf("%w: document has no recognised fields", ErrUnparsable)
	}
	return &doc, nil
}

// ExtractJSON returns the text between the first '{' and the last '}'.
func ExtractJSON(text string) ([]byte, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object found", ErrUnparsable)
	}
	return []byte(text[start : end+1]), nil
}
