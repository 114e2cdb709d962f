package shell

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"khubot/internal/conversation"
	"khubot/internal/session"
)

// Styles used by the terminal views
type Styles struct {
	Header    lipgloss.Style
	User      lipgloss.Style
	Assistant lipgloss.Style
	Error     lipgloss.Style
	Muted     lipgloss.Style
	Greeting  lipgloss.Style
}

// DefaultStyles returns the client's colour scheme
func DefaultStyles() Styles {
	return Styles{
		Header: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#4e95d9")).
			Bold(true),
		User: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#4f46e5")).
			Bold(true),
		Assistant: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#374151")).
			Bold(true),
		Error: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#dc2626")),
		Muted: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6b7280")),
		Greeting: lipgloss.NewStyle().
			Bold(true).
			MarginTop(1),
	}
}

// NewMarkdownRenderer builds the renderer for assistant replies. style is a
// glamour standard style name such as "dark", "light" or "notty".
func NewMarkdownRenderer(style string, width int) (*glamour.TermRenderer, error) {
	return glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithWordWrap(width),
	)
}

// threadPrinter writes the thread incrementally: each message once, an error
// marker when a message fails, and the typing indicator when a send starts.
// Error markers are numbered in the order they are printed and a number keeps
// pointing at the same message for the rest of the view.
type threadPrinter struct {
	out      io.Writer
	styles   Styles
	markdown *glamour.TermRenderer
	user     func() (session.User, bool)

	seen     map[string]bool
	errShown map[string]bool
	labels   []string // message id per retry number, starting at 1
	typing   bool
	greeted  bool
}

func newThreadPrinter(out io.Writer, styles Styles, markdown *glamour.TermRenderer, user func() (session.User, bool)) *threadPrinter {
	return &threadPrinter{
		out:      out,
		styles:   styles,
		markdown: markdown,
		user:     user,
		seen:     make(map[string]bool),
		errShown: make(map[string]bool),
	}
}

func (p *threadPrinter) update(s conversation.Snapshot) {
	if s.State == conversation.StateReady && s.Empty() && !p.greeted {
		p.greeted = true
		first := ""
		if u, ok := p.user(); ok {
			first = u.FirstName
		}
		headline, prompt := conversation.Greeting(first)
		fmt.Fprintln(p.out, p.styles.Greeting.Render(headline))
		fmt.Fprintln(p.out, p.styles.Muted.Render(prompt))
		fmt.Fprintln(p.out)
	}

	for _, m := range s.Messages {
		if !p.seen[m.ID] {
			p.seen[m.ID] = true
			p.printMessage(m)
		}
		if m.HasError && !p.errShown[m.ID] {
			p.errShown[m.ID] = true
			p.labels = append(p.labels, m.ID)
			fmt.Fprintln(p.out, p.styles.Error.Render(fmt.Sprintf("  ✗ ارسال نشد (/retry %d)", len(p.labels))))
		}
	}

	if s.Typing && !p.typing {
		fmt.Fprintln(p.out, p.styles.Muted.Render("… در حال نوشتن"))
	}
	p.typing = s.Typing
}

// retryTarget returns the message id printed with retry number n
func (p *threadPrinter) retryTarget(n int) (string, bool) {
	if n < 1 || n > len(p.labels) {
		return "", false
	}
	return p.labels[n-1], true
}

func (p *threadPrinter) printMessage(m conversation.Message) {
	if m.IsUser() {
		fmt.Fprintf(p.out, "%s %s\n", p.styles.User.Render("شما:"), m.Content)
		return
	}

	body := m.Content
	if p.markdown != nil {
		if rendered, err := p.markdown.Render(m.Content); err == nil {
			body = strings.TrimRight(rendered, "\n")
		}
	}
	fmt.Fprintf(p.out, "%s\n%s\n\n", p.styles.Assistant.Render("خوبات:"), body)
}

func usageLine(u session.User) string {
	return fmt.Sprintf("درصد استفاده: %.0f%%", u.UsagePercentage)
}
