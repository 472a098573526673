package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"fixloop/pkg/fixattempt"
	"fixloop/pkg/protocol"
)

// palette matches the terminal colors used across fixloop output.
type palette struct {
	title   lipgloss.Style
	label   lipgloss.Style
	ok      lipgloss.Style
	warn    lipgloss.Style
	bad     lipgloss.Style
	muted   lipgloss.Style
	running lipgloss.Style
}

// newPalette binds styles to w. A writer that is not a terminal gets a
// renderer without colors, so piped output stays plain.
func newPalette(w io.Writer) palette {
	r := lipgloss.NewRenderer(w)
	return palette{
		title:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		label:   r.NewStyle().Foreground(lipgloss.Color("14")),
		ok:      r.NewStyle().Foreground(lipgloss.Color("10")),
		warn:    r.NewStyle().Foreground(lipgloss.Color("11")),
		bad:     r.NewStyle().Foreground(lipgloss.Color("9")),
		muted:   r.NewStyle().Foreground(lipgloss.Color("240")),
		running: r.NewStyle().Foreground(lipgloss.Color("12")),
	}
}

func (p palette) verification(s protocol.VerificationStatus) string {
	switch s {
	case protocol.VerificationVerified:
		return p.ok.Render(string(s))
	case protocol.VerificationFailed:
		return p.bad.Render(string(s))
	case protocol.VerificationVerifying:
		return p.running.Render(string(s))
	default:
		return p.warn.Render(string(s))
	}
}

func (p palette) spawn(s protocol.SpawnStatus) string {
	switch s {
	case protocol.SpawnSucceeded:
		return p.ok.Render(string(s))
	case protocol.SpawnFailed:
		return p.bad.Render(string(s))
	case protocol.SpawnRunning:
		return p.running.Render(string(s))
	default:
		return p.muted.Render(string(s))
	}
}

func renderBudget(w io.Writer, today protocol.SpawnBudget, history []protocol.SpawnBudget) {
	p := newPalette(w)
	remaining := today.Remaining()
	count := p.ok
	switch {
	case remaining == 0:
		count = p.bad
	case remaining*5 <= today.MaxSpawns:
		count = p.warn
	}
	fmt.Fprintln(w, p.title.Render("Spawn budget "+today.Date))
	fmt.Fprintf(w, "  %s %s\n", p.label.Render("used:     "), count.Render(fmt.Sprintf("%d / %d", today.SpawnCount, today.MaxSpawns)))
	fmt.Fprintf(w, "  %s %d\n", p.label.Render("remaining:"), remaining)
	if len(history) == 0 {
		return
	}
	fmt.Fprintln(w, p.title.Render("History"))
	for _, b := range history {
		fmt.Fprintf(w, "  %s  %d / %d\n", b.Date, b.SpawnCount, b.MaxSpawns)
	}
}

func renderIssue(w io.Writer, issue *protocol.Issue) {
	p := newPalette(w)
	fmt.Fprintf(w, "%s %s\n", p.title.Render(issue.Identifier), issue.Title)
	line := fmt.Sprintf("  %s %s", p.label.Render("spawn:"), p.spawn(issue.Spawn.Status))
	if issue.Spawn.Workflow != "" {
		line += " " + p.muted.Render("("+string(issue.Spawn.Workflow)+")")
	}
	if issue.Spawn.RunID != "" {
		line += " run " + issue.Spawn.RunID
	}
	if issue.Spawn.Outcome != "" {
		line += " " + p.muted.Render(issue.Spawn.Outcome)
	}
	fmt.Fprintln(w, line)
}

func renderFixStatus(w io.Writer, st fixattempt.FixStatus) {
	p := newPalette(w)
	if st.CanClose {
		fmt.Fprintf(w, "  %s %s\n", p.label.Render("close:"), p.ok.Render("allowed"))
	} else {
		fmt.Fprintf(w, "  %s %s %s\n", p.label.Render("close:"), p.bad.Render("blocked"), st.CloseBlockReason)
	}
	if !st.HasLinkedError {
		fmt.Fprintf(w, "  %s\n", p.muted.Render("no linked production error"))
	}
	if len(st.FixAttempts) == 0 {
		fmt.Fprintf(w, "  %s\n", p.muted.Render("no fix attempts"))
		return
	}
	for _, fa := range st.FixAttempts {
		parts := []string{fmt.Sprintf("PR #%d", fa.PRNumber), p.verification(fa.VerificationStatus)}
		if fa.VerificationDeadline != nil && fa.VerificationStatus == protocol.VerificationVerifying {
			parts = append(parts, "until "+fa.VerificationDeadline.UTC().Format(time.RFC3339))
		}
		if fa.EventsPostDeploy > 0 {
			parts = append(parts, fmt.Sprintf("%d events", fa.EventsPostDeploy))
		}
		if fa.FailureReason != "" {
			parts = append(parts, p.muted.Render(fa.FailureReason))
		}
		fmt.Fprintf(w, "  %s\n", strings.Join(parts, "  "))
	}
}
