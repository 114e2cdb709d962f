package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/glamour"
	"go.opentelemetry.io/otel/metric"

	"khubot/internal/api"
	"khubot/internal/conversation"
	"khubot/internal/session"
)

var errQuit = errors.New("quit")

const (
	msgUsernameRequired = "نام کاربری الزامی است"
	msgPasswordRequired = "رمز عبور الزامی است"
)

// Options configures a Shell
type Options struct {
	In  io.Reader
	Out io.Writer

	Session   *session.Store
	Transport conversation.Transport
	Logger    *slog.Logger
	Meter     metric.Meter

	Styles   Styles
	Markdown *glamour.TermRenderer // nil prints replies verbatim

	// ReadPassword reads a password without echo. When nil the password is
	// read as a plain line from In.
	ReadPassword func() (string, error)
}

type readResult struct {
	text string
	err  error
}

// Shell routes between the login and chat views of a terminal session
type Shell struct {
	in           *bufio.Scanner
	out          io.Writer
	session      *session.Store
	transport    conversation.Transport
	logger       *slog.Logger
	meter        metric.Meter
	styles       Styles
	markdown     *glamour.TermRenderer
	readPassword func() (string, error)

	// pending holds a read still outstanding from an interrupted prompt
	pending chan readResult

	redirect atomic.Bool
}

// New creates a shell
func New(opts Options) (*Shell, error) {
	if opts.In == nil || opts.Out == nil {
		return nil, fmt.Errorf("input and output are required")
	}
	if opts.Session == nil || opts.Transport == nil {
		return nil, fmt.Errorf("session and transport are required")
	}
	if opts.Logger == nil || opts.Meter == nil {
		return nil, fmt.Errorf("logger and meter are required")
	}

	s := &Shell{
		in:           bufio.NewScanner(opts.In),
		out:          opts.Out,
		session:      opts.Session,
		transport:    opts.Transport,
		logger:       opts.Logger,
		meter:        opts.Meter,
		styles:       opts.Styles,
		markdown:     opts.Markdown,
		readPassword: opts.ReadPassword,
	}
	if s.readPassword == nil {
		s.readPassword = s.scanLine
	}
	return s, nil
}

// Unauthorized sends the user back to the login view. Register it with
// api.Client.OnUnauthorized; the credential is already cleared by then.
func (s *Shell) Unauthorized() {
	s.session.Forget()
	s.redirect.Store(true)
}

// Run shows views starting at route until the user quits, input ends or ctx
// is cancelled.
func (s *Shell) Run(ctx context.Context, route string) error {
	for {
		if ctx.Err() != nil {
			fmt.Fprintln(s.out, s.styles.Muted.Render("خداحافظ!"))
			return nil
		}
		route = Resolve(route, s.session.IsAuthenticated())
		s.logger.Info("navigating", "route", route)

		var next string
		var err error
		switch route {
		case RouteLogin:
			next, err = s.loginView(ctx)
		default:
			next, err = s.chatView(ctx)
		}

		if errors.Is(err, errQuit) || errors.Is(err, io.EOF) {
			fmt.Fprintln(s.out, s.styles.Muted.Render("خداحافظ!"))
			return nil
		}
		if err != nil {
			return err
		}
		route = next
	}
}

func (s *Shell) loginView(ctx context.Context) (string, error) {
	if s.session.IsAuthenticated() {
		return RouteChat, nil
	}

	fmt.Fprintln(s.out, s.styles.Header.Render("=== ورود به خوبات ==="))

	for {
		fmt.Fprint(s.out, "نام کاربری: ")
		username, err := s.readLine(ctx)
		if err != nil {
			return "", err
		}
		username = strings.TrimSpace(username)
		if username == "" {
			s.notify(msgUsernameRequired)
			continue
		}

		fmt.Fprint(s.out, "رمز عبور: ")
		password, err := s.prompt(ctx, s.readPassword)
		if err != nil {
			return "", err
		}
		fmt.Fprintln(s.out)
		if password == "" {
			s.notify(msgPasswordRequired)
			continue
		}

		if err := s.session.Login(ctx, username, password); err != nil {
			if ctx.Err() != nil {
				return "", errQuit
			}
			s.notify(api.UserMessage(err))
			continue
		}
		s.redirect.Store(false)
		return RouteChat, nil
	}
}

func (s *Shell) chatView(ctx context.Context) (string, error) {
	s.redirect.Store(false)

	printer := newThreadPrinter(s.out, s.styles, s.markdown, s.session.User)
	m, err := conversation.NewMachine(conversation.Options{
		Transport: s.transport,
		Usage:     s.session,
		Logger:    s.logger,
		Meter:     s.meter,
		OnChange:  printer.update,
		Notify:    s.notify,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}

	s.printHeader()
	// failures are reported through Notify and leave an empty thread
	_ = m.Load(ctx)
	if ctx.Err() != nil {
		return "", errQuit
	}
	if s.redirect.Load() {
		return RouteLogin, nil
	}

	for {
		fmt.Fprint(s.out, "> ")
		line, err := s.readLine(ctx)
		if err != nil {
			return "", err
		}
		input := strings.TrimSpace(line)

		if strings.HasPrefix(input, "/") {
			next, err := s.handleCommand(ctx, m, printer, input)
			if err != nil {
				return "", err
			}
			if next != "" {
				return next, nil
			}
		} else if input != "" {
			// send failures are shown inline and through Notify
			_ = m.HandleSend(ctx, input)
		}

		if s.redirect.Load() {
			return RouteLogin, nil
		}
	}
}

// handleCommand runs a slash command. A non-empty route means leave the view.
func (s *Shell) handleCommand(ctx context.Context, m *conversation.Machine, printer *threadPrinter, cmd string) (string, error) {
	parts := strings.Fields(cmd)

	switch parts[0] {
	case "/quit", "/exit":
		return "", errQuit

	case "/logout":
		s.session.Logout(ctx)
		return RouteLogin, nil

	case "/usage":
		if u, ok := s.session.User(); ok {
			fmt.Fprintln(s.out, s.styles.Muted.Render(usageLine(u)))
		}
		return "", nil

	case "/retry":
		errored := m.Snapshot().Errored()
		if len(errored) == 0 {
			s.notify("پیامی برای ارسال مجدد وجود ندارد")
			return "", nil
		}
		target := errored[len(errored)-1].ID
		if len(parts) > 1 {
			n, err := strconv.Atoi(parts[1])
			id, ok := printer.retryTarget(n)
			if err != nil || !ok || !slices.ContainsFunc(errored, func(msg conversation.Message) bool { return msg.ID == id }) {
				s.notify(fmt.Sprintf("پیام %s قابل ارسال مجدد نیست", parts[1]))
				return "", nil
			}
			target = id
		}
		_ = m.HandleRetry(ctx, target)
		return "", nil

	case "/help":
		fmt.Fprintln(s.out, "Available commands:")
		fmt.Fprintln(s.out, "  /retry [n]  - Resend the last failed message, or the one marked n")
		fmt.Fprintln(s.out, "  /usage      - Show your usage percentage")
		fmt.Fprintln(s.out, "  /logout     - Sign out")
		fmt.Fprintln(s.out, "  /quit       - Exit")
		return "", nil

	default:
		s.notify(fmt.Sprintf("unknown command: %s (try /help)", parts[0]))
		return "", nil
	}
}

func (s *Shell) printHeader() {
	u, ok := s.session.User()
	if !ok {
		return
	}
	fmt.Fprintf(s.out, "%s  %s\n",
		s.styles.Header.Render(u.DisplayName),
		s.styles.Muted.Render(usageLine(u)))
	fmt.Fprintln(s.out, s.styles.Muted.Render("Type /help for commands, /quit to exit"))
	fmt.Fprintln(s.out)
}

func (s *Shell) notify(message string) {
	fmt.Fprintln(s.out, s.styles.Error.Render("! "+message))
}

// readLine reads one line from In, giving up when ctx is cancelled
func (s *Shell) readLine(ctx context.Context) (string, error) {
	return s.prompt(ctx, s.scanLine)
}

// prompt runs read in the background so that a cancelled ctx ends the view
// even while read is blocked on the terminal. A read abandoned this way is
// collected by the next prompt instead of being started again.
func (s *Shell) prompt(ctx context.Context, read func() (string, error)) (string, error) {
	if ctx.Err() != nil {
		return "", errQuit
	}
	if s.pending == nil {
		ch := make(chan readResult, 1)
		go func() {
			text, err := read()
			ch <- readResult{text: text, err: err}
		}()
		s.pending = ch
	}

	select {
	case <-ctx.Done():
		return "", errQuit
	case r := <-s.pending:
		s.pending = nil
		return r.text, r.err
	}
}

func (s *Shell) scanLine() (string, error) {
	if !s.in.Scan() {
		if err := s.in.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return s.in.Text(), nil
}
