package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/tOgg1/parley/internal/models"
)

var termIsTerminal = term.IsTerminal

type palette struct {
	self   lipgloss.Style
	other  lipgloss.Style
	meta   lipgloss.Style
	unread lipgloss.Style
	status map[models.ThreadStatus]lipgloss.Style
}

// newPalette returns styled output for terminals and plain text otherwise.
func newPalette(color bool) palette {
	if !color {
		plain := lipgloss.NewStyle()
		return palette{self: plain, other: plain, meta: plain, unread: plain, status: map[models.ThreadStatus]lipgloss.Style{}}
	}
	return palette{
		self:   lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
		other:  lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true),
		meta:   lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		unread: lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		status: map[models.ThreadStatus]lipgloss.Style{
			models.ThreadStatusPending:     lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
			models.ThreadStatusActive:      lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
			models.ThreadStatusResolved:    lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
			models.ThreadStatusTransferred: lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
		},
	}
}

func (p palette) statusText(status models.ThreadStatus) string {
	if style, ok := p.status[status]; ok {
		return style.Render(string(status))
	}
	return string(status)
}

// writeMessage prints one transcript line. seat is the viewer's seat in the
// thread; messages from that seat are styled as the viewer's own.
func writeMessage(out io.Writer, p palette, msg models.Message, seat string, now time.Time) error {
	sender := p.other.Render(msg.SenderID)
	if msg.SenderID == seat {
		sender = p.self.Render(msg.SenderID)
	}
	marker := " "
	if !msg.Read && msg.RecipientID == seat {
		marker = p.unread.Render("•")
	}
	stamp := p.meta.Render(fmt.Sprintf("%s (%s)", msg.SentAt.Local().Format("15:04:05"), humanize.RelTime(msg.SentAt, now, "ago", "from now")))

	lines := strings.Split(msg.Body, "\n")
	if _, err := fmt.Fprintf(out, "%s %s %s: %s\n", marker, stamp, sender, lines[0]); err != nil {
		return err
	}
	indent := strings.Repeat(" ", lipgloss.Width(marker)+1+lipgloss.Width(stamp)+1+lipgloss.Width(sender)+2)
	for _, line := range lines[1:] {
		if _, err := fmt.Fprintf(out, "%s%s\n", indent, line); err != nil {
			return err
		}
	}
	return nil
}

func writeThread(out io.Writer, p palette, t *models.Thread, viewer string) error {
	rows := [][]string{
		{"id", t.ID},
		{"surface", string(t.Surface)},
		{"participants", t.ParticipantA + " ↔ " + t.ParticipantB},
		{"status", p.statusText(t.Status)},
	}
	if t.ContextKey != "" {
		rows = append(rows, []string{"context", t.ContextKey})
	}
	if t.CaseNumber != "" {
		rows = append(rows, []string{"case", t.CaseNumber})
	}
	if t.AssigneeID != "" {
		rows = append(rows, []string{"assignee", t.AssigneeID})
	}
	rows = append(rows, []string{"created", humanize.Time(t.CreatedAt)})
	if t.LastMessageAt != nil {
		rows = append(rows, []string{"last message", humanize.Time(*t.LastMessageAt)})
	}
	if seat, ok := t.Seat(viewer); ok && seat != viewer {
		rows = append(rows, []string{"seat", seat})
	}
	return writeTable(out, nil, rows)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSONLine(out io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
