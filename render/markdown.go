// Package render turns approved meeting minutes into their final formatted
// document.
package render

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/minutegraph/minutes"
)

// ErrIncomplete is returned when a document lacks fields required to render it.
var ErrIncomplete = errors.New("document is incomplete")

// Renderer serializes a document into formatted text.
type Renderer interface {
	Render(doc *minutes.Document) (string, error)
}

// Labels holds the human-readable headings used by the Markdown renderer.
type Labels struct {
	Date        string
	Attendees   string
	Name        string
	Position    string
	Role        string
	Summary     string
	KeyPoints   string
	Conclusions string
	NextMeeting string
	Tasks       string
	Responsible string
	Description string
	TaskDate    string
	None        string
}

// English is the default label set.
var English = Labels{
	Date:        "Date",
	Attendees:   "Attendees",
	Name:        "Name",
	Position:    "Position",
	Role:        "Role",
	Summary:     "Summary",
	KeyPoints:   "Key points",
	Conclusions: "Conclusions",
	NextMeeting: "Next meeting",
	Tasks:       "Tasks",
	Responsible: "Responsible",
	Description: "Description",
	TaskDate:    "Date",
	None:        "None available.",
}

// Spanish matches the headings of the minutes produced for Spanish-language meetings.
var Spanish = Labels{
	Date:        "Fecha",
	Attendees:   "Asistentes",
	Name:        "Nombre",
	Position:    "Posición",
	Role:        "Rol",
	Summary:     "Resumen",
	KeyPoints:   "Puntos clave",
	Conclusions: "Conclusiones",
	NextMeeting: "Próxima reunión",
	Tasks:       "Tareas",
	Responsible: "Responsable",
	Description: "Descripción",
	TaskDate:    "Fecha",
	None:        "No disponible.",
}

// LabelsFor returns the label set for a language code, defaulting to English.
func LabelsFor(lang string) Labels {
	switch strings.ToLower(strings.TrimSpace(lang)) {
	case "es", "spanish", "español":
		return Spanish
	default:
		return English
	}
}

// Markdown renders documents as Markdown with a fixed section order.
type Markdown struct {
	Labels Labels
}

// NewMarkdown creates a Markdown renderer using the given labels.
func NewMarkdown(labels Labels) *Markdown {
	return &Markdown{Labels: labels}
}

// Render implements Renderer. It never returns partial output: an incomplete
// document yields an error wrapping ErrIncomplete and an empty string.
func (m *Markdown) Render(doc *minutes.Document) (string, error) {
	if err := doc.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrIncomplete, err)
	}

	l := m.Labels
	if l == (Labels{}) {
		l = English
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", inline(doc.Title))
	fmt.Fprintf(&b, "**%s:** %s\n\n", l.Date, inline(doc.Date))

	fmt.Fprintf(&b, "## %s\n\n", l.Attendees)
	if len(doc.Attendees) == 0 {
		b.WriteString(l.None + "\n\n")
	} else {
		rows := make([][]string, len(doc.Attendees))
		for i, a := range doc.Attendees {
			rows[i] = []string{a.Name, a.Position, a.Role}
		}
		writeTable(&b, []string{l.Name, l.Position, l.Role}, rows)
	}

	fmt.Fprintf(&b, "## %s\n\n%s\n\n", l.Summary, strings.TrimSpace(doc.Summary))

	writeList(&b, l.KeyPoints, doc.KeyPoints, l.None)
	writeList(&b, l.Conclusions, doc.Conclusions, l.None)
	writeList(&b, l.NextMeeting, doc.NextMeeting, l.None)

	fmt.Fprintf(&b, "## %s\n\n", l.Tasks)
	if len(doc.Tasks) == 0 {
		b.WriteString(l.None + "\n")
	} else {
		rows := make([][]string, len(doc.Tasks))
		for i, t := range doc.Tasks {
			rows[i] = []string{t.Responsible, t.Description, t.Date}
		}
		writeTable(&b, []string{l.Responsible, l.Description, l.TaskDate}, rows)
	}

	return strings.TrimRight(b.String(), "\n") + "\n", nil
}

func writeList(b *strings.Builder, heading string, items []string, none string) {
	fmt.Fprintf(b, "## %s\n\n", heading)
	if len(items) == 0 {
		b.WriteString(none + "\n\n")
		return
	}
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", inline(item))
	}
	b.WriteString("\n")
}

func writeTable(b *strings.Builder, header []string, rows [][]string) {
	b.WriteString("|")
	for _, h := range header {
		fmt.Fprintf(b, " **%s** |", h)
	}
	b.WriteString("\n|")
	for range header {
		b.WriteString("---|")
	}
	b.WriteString("\n")
	for _, row := range rows {
		b.WriteString("|")
		for _, v := range row {
			fmt.Fprintf(b, " %s |", cell(v))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

// inline collapses newlines so a value stays on one Markdown line.
func inline(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// cell escapes pipe characters inside a table cell.
func cell(s string) string {
	return strings.ReplaceAll(inline(s), "|", `\|`)
}
