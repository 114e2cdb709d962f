package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"khubot/internal/api"
)

// Transport is the subset of the API client the machine drives
type Transport interface {
	FetchConversation(ctx context.Context) (api.ChatList, error)
	SendMessage(ctx context.Context, text string) (api.Reply, error)
}

// UsageSink receives refreshed usage percentages. *session.Store implements it.
type UsageSink interface {
	UpdateUsage(percentage float64)
}

// Options configures a Machine
type Options struct {
	Transport Transport
	Usage     UsageSink
	Logger    *slog.Logger
	Meter     metric.Meter

	// OnChange runs after every state mutation with the new snapshot. The
	// view re-renders and scrolls to the newest entry.
	OnChange func(Snapshot)
	// Notify shows a transient, user-facing error message.
	Notify func(message string)

	Now func() time.Time
}

// Machine owns the message list of the single conversation.
//
// State changes are made under mu and always replace the message slice, so a
// Snapshot never observes a half-applied update. Network sends are
// serialized in the order their messages entered the thread: each insert
// takes a ticket in the same critical section, and a send waits until its
// ticket is served.
type Machine struct {
	transport Transport
	usage     UsageSink
	logger    *slog.Logger
	onChange  func(Snapshot)
	notify    func(string)
	now       func() time.Time

	sent   metric.Int64Counter
	failed metric.Int64Counter

	refresh singleflight.Group

	mu       sync.Mutex
	turn     *sync.Cond // signalled when serving advances
	next     uint64     // ticket for the next queued send
	serving  uint64     // ticket allowed on the wire
	state    State
	phase    Phase
	pending  int
	messages []Message
	conv     Conversation
}

// NewMachine creates a machine in StateLoading
func NewMachine(opts Options) (*Machine, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if opts.Meter == nil {
		return nil, fmt.Errorf("meter cannot be nil")
	}

	sent, err := opts.Meter.Int64Counter("chat.messages.sent",
		metric.WithDescription("Messages delivered and answered"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	failed, err := opts.Meter.Int64Counter("chat.messages.failed",
		metric.WithDescription("Messages that could not be delivered"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	m := &Machine{
		transport: opts.Transport,
		usage:     opts.Usage,
		logger:    opts.Logger,
		onChange:  opts.OnChange,
		notify:    opts.Notify,
		now:       opts.Now,
		sent:      sent,
		failed:    failed,
		state:     StateLoading,
		conv:      Conversation{ID: ConversationID, Title: ConversationTitle},
	}
	m.turn = sync.NewCond(&m.mu)
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Load replaces the thread with the server history and refreshes usage.
// On failure the user is notified and the thread is left empty; the machine
// still becomes ready.
func (m *Machine) Load(ctx context.Context) error {
	list, err := m.transport.FetchConversation(ctx)
	if err != nil {
		m.logger.Error("failed to fetch conversation", "error", err)
		m.mu.Lock()
		m.state = StateReady
		m.messages = nil
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.emit(snap)
		m.report(ctx, err)
		return err
	}

	now := m.now()
	msgs := make([]Message, len(list.Messages))
	for i, e := range list.Messages {
		author := AuthorUser
		if e.FromBot {
			author = AuthorAssistant
		}
		msgs[i] = Message{ID: NewID(), Content: e.Content, Author: author, Timestamp: now}
	}

	m.mu.Lock()
	m.state = StateReady
	m.phase = PhaseIdle
	m.messages = msgs
	m.conv.LastMessage = ""
	if len(msgs) > 0 {
		m.conv.LastMessage = msgs[len(msgs)-1].Content
	}
	m.conv.LastMessageTime = now
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if m.usage != nil {
		m.usage.UpdateUsage(list.Profile.UsagePercent)
	}
	m.logger.Info("conversation loaded", "messages", len(msgs))
	m.emit(snap)
	return nil
}

// HandleSend appends text as a user message and sends it. Blank input is
// ignored. A delivery failure flags the message as errored and is reported
// through Notify; the same error is returned.
func (m *Machine) HandleSend(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	msg := Message{
		ID:        NewID(),
		Content:   text,
		Author:    AuthorUser,
		Timestamp: m.now(),
	}
	m.mu.Lock()
	m.messages = withAppended(m.messages, msg)
	ticket, snap := m.enqueueLocked()
	m.mu.Unlock()
	m.emit(snap)

	return m.exchange(ctx, msg, ticket)
}

// HandleRetry resends an errored message. The errored entry is replaced by a
// copy with a fresh id at the end of the thread. Unknown ids, and ids of
// messages that are not errored, are ignored.
func (m *Machine) HandleRetry(ctx context.Context, id string) error {
	m.mu.Lock()
	idx := slices.IndexFunc(m.messages, func(msg Message) bool { return msg.ID == id })
	if idx < 0 || !m.messages[idx].HasError {
		m.mu.Unlock()
		m.logger.Debug("retry ignored", "message_id", id)
		return nil
	}
	retry := m.messages[idx]
	retry.ID = NewID()
	retry.HasError = false
	m.messages = withAppended(withoutID(m.messages, id), retry)
	ticket, snap := m.enqueueLocked()
	m.mu.Unlock()
	m.emit(snap)

	m.logger.Info("retrying message", "old_id", id, "new_id", retry.ID)
	return m.exchange(ctx, retry, ticket)
}

// enqueueLocked marks a send as pending and hands out its place in line.
// It must run in the critical section that inserted the message.
func (m *Machine) enqueueLocked() (uint64, Snapshot) {
	ticket := m.next
	m.next++
	m.pending++
	m.phase = PhasePending
	return ticket, m.snapshotLocked()
}

// exchange waits for ticket to be served and then runs the network part of
// a send cycle for msg, which is already in the thread.
func (m *Machine) exchange(ctx context.Context, msg Message, ticket uint64) error {
	m.mu.Lock()
	for m.serving != ticket {
		m.turn.Wait()
	}
	m.mu.Unlock()

	reply, err := m.transport.SendMessage(ctx, msg.Content)

	if err != nil {
		m.mu.Lock()
		m.advanceLocked()
		m.pending--
		m.phase = PhaseErrored
		m.messages = withError(m.messages, msg.ID, true)
		snap := m.snapshotLocked()
		m.mu.Unlock()

		m.failed.Add(ctx, 1)
		m.logger.Error("failed to send message", "message_id", msg.ID, "error", err)
		m.emit(snap)
		m.report(ctx, err)
		return err
	}

	answer := Message{
		ID:        NewID(),
		Content:   reply.Content,
		Author:    AuthorAssistant,
		Timestamp: reply.ReceivedAt,
	}
	if answer.Timestamp.IsZero() {
		answer.Timestamp = m.now()
	}

	m.mu.Lock()
	m.advanceLocked()
	m.pending--
	m.phase = PhaseSettled
	m.messages = withAppended(m.messages, answer)
	m.conv.LastMessage = answer.Content
	m.conv.LastMessageTime = answer.Timestamp
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.sent.Add(ctx, 1)
	m.emit(snap)

	m.refreshUsage(ctx)
	return nil
}

func (m *Machine) advanceLocked() {
	m.serving++
	m.turn.Broadcast()
}

// refreshUsage fetches the latest usage percentage. Failures are only
// logged; they never change the outcome of the send that triggered them.
// Concurrent refreshes share one request.
func (m *Machine) refreshUsage(ctx context.Context) {
	if m.usage == nil {
		return
	}
	v, err, _ := m.refresh.Do("usage", func() (any, error) {
		list, err := m.transport.FetchConversation(ctx)
		if err != nil {
			return nil, err
		}
		return list.Profile.UsagePercent, nil
	})
	if err != nil {
		m.logger.Warn("failed to update usage data", "error", err)
		return
	}
	m.usage.UpdateUsage(v.(float64))
}

// Snapshot returns the current state
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	msgs := slices.Clone(m.messages)
	conv := m.conv
	conv.Messages = msgs
	return Snapshot{
		State:        m.state,
		Phase:        m.phase,
		Typing:       m.pending > 0,
		Messages:     msgs,
		Conversation: conv,
	}
}

func (m *Machine) emit(s Snapshot) {
	if m.onChange != nil {
		m.onChange(s)
	}
}

// report shows err to the user. Nothing is shown once ctx is cancelled; the
// user has already left.
func (m *Machine) report(ctx context.Context, err error) {
	if m.notify != nil && ctx.Err() == nil {
		m.notify(api.UserMessage(err))
	}
}
