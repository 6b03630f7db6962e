package minutes

import (
	"fmt"
	"strings"
)

// ValidationError lists the fields a document is missing.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "incomplete minutes: missing " + strings.Join(e.Fields, ", ")
}

// Validate checks that the document has every field required to render it.
func (d *Document) Validate() error {
	if d == nil {
		return &ValidationError{Fields: []string{"document"}}
	}

	var missing []string
	if strings.TrimSpace(d.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(d.Date) == "" {
		missing = append(missing, "date")
	}
	if strings.TrimSpace(d.Summary) == "" {
		missing = append(missing, "summary")
	}
	for i, a := range d.Attendees {
		if strings.TrimSpace(a.Name) == "" {
			missing = append(missing, fmt.Sprintf("attendees[%d].name", i))
		}
	}
	for i, t := range d.Tasks {
		if strings.TrimSpace(t.Responsible) == "" {
			missing = append(missing, fmt.Sprintf("tasks[%d].responsible", i))
		}
		if strings.TrimSpace(t.Description) == "" {
			missing = append(missing, fmt.Sprintf("tasks[%d].description", i))
		}
	}

	if len(missing) > 0 {
		return &ValidationError{Fields: missing}
	}
	return nil
}
