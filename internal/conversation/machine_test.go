package conversation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"khubot/internal/api"
	"khubot/internal/telemetry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTransport struct {
	mu sync.Mutex

	list      api.ChatList
	listErr   error
	sendErrs  []error // consumed in order; nil entries succeed
	replies   []string
	sent      []string
	fetches   int
	sendGate  chan struct{} // when set, SendMessage blocks until it receives
	sendEnter chan string
}

func (f *fakeTransport) FetchConversation(_ context.Context) (api.ChatList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return f.list, f.listErr
}

func (f *fakeTransport) SendMessage(_ context.Context, text string) (api.Reply, error) {
	if f.sendEnter != nil {
		f.sendEnter <- text
	}
	if f.sendGate != nil {
		<-f.sendGate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)

	var err error
	if len(f.sendErrs) > 0 {
		err, f.sendErrs = f.sendErrs[0], f.sendErrs[1:]
	}
	if err != nil {
		return api.Reply{}, err
	}
	reply := "echo: " + text
	if len(f.replies) > 0 {
		reply, f.replies = f.replies[0], f.replies[1:]
	}
	return api.Reply{Content: reply, ReceivedAt: time.Now()}, nil
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type usageRecorder struct {
	mu     sync.Mutex
	values []float64
}

func (u *usageRecorder) UpdateUsage(p float64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.values = append(u.values, p)
}

func (u *usageRecorder) last() (float64, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.values) == 0 {
		return 0, false
	}
	return u.values[len(u.values)-1], true
}

type harness struct {
	m         *Machine
	tr        *fakeTransport
	usage     *usageRecorder
	mu        sync.Mutex
	notices   []string
	snapshots []Snapshot
}

func newHarness(t *testing.T, tr *fakeTransport) *harness {
	t.Helper()
	h := &harness{tr: tr, usage: &usageRecorder{}}
	_, meter := telemetry.Noop()
	m, err := NewMachine(Options{
		Transport: tr,
		Usage:     h.usage,
		Logger:    telemetry.Discard(),
		Meter:     meter,
		OnChange: func(s Snapshot) {
			h.mu.Lock()
			h.snapshots = append(h.snapshots, s)
			h.mu.Unlock()
		},
		Notify: func(msg string) {
			h.mu.Lock()
			h.notices = append(h.notices, msg)
			h.mu.Unlock()
		},
	})
	require.NoError(t, err)
	h.m = m
	return h
}

func (h *harness) noticeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.notices)
}

func history(entries ...api.HistoryEntry) api.ChatList {
	return api.ChatList{
		Messages: entries,
		Profile:  api.Profile{FirstName: "Alice", LastName: "Smith", UsagePercent: 10},
	}
}

func TestLoad_PopulatesThreadAndUsage(t *testing.T) {
	tr := &fakeTransport{list: history(
		api.HistoryEntry{Content: "hi", FromBot: false},
		api.HistoryEntry{Content: "hello!", FromBot: true},
	)}
	h := newHarness(t, tr)
	assert.Equal(t, StateLoading, h.m.Snapshot().State)

	require.NoError(t, h.m.Load(context.Background()))

	s := h.m.Snapshot()
	assert.Equal(t, StateReady, s.State)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, AuthorUser, s.Messages[0].Author)
	assert.Equal(t, AuthorAssistant, s.Messages[1].Author)
	assert.NotEqual(t, s.Messages[0].ID, s.Messages[1].ID)
	assert.Equal(t, ConversationID, s.Conversation.ID)
	assert.Equal(t, "hello!", s.Conversation.LastMessage)

	usage, ok := h.usage.last()
	require.True(t, ok)
	assert.Equal(t, 10.0, usage)
}

func TestLoad_EmptyHistoryIsNotAnError(t *testing.T) {
	h := newHarness(t, &fakeTransport{list: history()})

	require.NoError(t, h.m.Load(context.Background()))

	s := h.m.Snapshot()
	assert.Equal(t, StateReady, s.State)
	assert.True(t, s.Empty())
	assert.Equal(t, 0, h.noticeCount())

	headline, _ := Greeting("Alice")
	assert.Contains(t, headline, "Alice")
}

func TestLoad_FailureLeavesEmptyReadyThread(t *testing.T) {
	h := newHarness(t, &fakeTransport{listErr: api.NewError(api.KindServer, "", nil)})

	err := h.m.Load(context.Background())
	require.Error(t, err)

	s := h.m.Snapshot()
	assert.Equal(t, StateReady, s.State)
	assert.True(t, s.Empty())
	assert.Equal(t, []string{api.MsgServer}, h.notices)
}

func TestHandleSend_BlankInputIsNoop(t *testing.T) {
	for _, in := range []string{"", " ", "\t\n  "} {
		h := newHarness(t, &fakeTransport{list: history()})
		require.NoError(t, h.m.Load(context.Background()))
		before := len(h.snapshots)

		require.NoError(t, h.m.HandleSend(context.Background(), in))

		assert.Empty(t, h.m.Snapshot().Messages)
		assert.Equal(t, 0, h.tr.sendCount())
		assert.Equal(t, 1, h.tr.fetches, "no refresh either")
		assert.Len(t, h.snapshots, before)
	}
}

func TestHandleSend_OptimisticInsertBeforeResponse(t *testing.T) {
	tr := &fakeTransport{
		list:      history(),
		sendGate:  make(chan struct{}),
		sendEnter: make(chan string, 1),
	}
	h := newHarness(t, tr)
	require.NoError(t, h.m.Load(context.Background()))

	done := make(chan error, 1)
	go func() { done <- h.m.HandleSend(context.Background(), "hello") }()

	assert.Equal(t, "hello", <-tr.sendEnter)

	s := h.m.Snapshot()
	require.Len(t, s.Messages, 1)
	assert.Equal(t, "hello", s.Messages[0].Content)
	assert.Equal(t, AuthorUser, s.Messages[0].Author)
	assert.True(t, s.Typing)
	assert.Equal(t, PhasePending, s.Phase)

	close(tr.sendGate)
	require.NoError(t, <-done)

	s = h.m.Snapshot()
	require.Len(t, s.Messages, 2)
	assert.Equal(t, AuthorAssistant, s.Messages[1].Author)
	assert.False(t, s.Typing)
	assert.Equal(t, PhaseSettled, s.Phase)
}

func TestHandleSend_Success(t *testing.T) {
	tr := &fakeTransport{list: history(), replies: []string{"hi there"}}
	h := newHarness(t, tr)
	require.NoError(t, h.m.Load(context.Background()))
	tr.list.Profile.UsagePercent = 55

	require.NoError(t, h.m.HandleSend(context.Background(), "hello"))

	s := h.m.Snapshot()
	require.Len(t, s.Messages, 2)
	assert.Equal(t, "hello", s.Messages[0].Content)
	assert.False(t, s.Messages[0].HasError)
	assert.Equal(t, "hi there", s.Messages[1].Content)
	assert.Equal(t, "hi there", s.Conversation.LastMessage)
	assert.Equal(t, s.Messages[1].Timestamp, s.Conversation.LastMessageTime)
	assert.False(t, s.Typing)

	usage, _ := h.usage.last()
	assert.Equal(t, 55.0, usage)
	assert.Equal(t, 0, h.noticeCount())
}

func TestHandleSend_UsageRefreshFailureIsSwallowed(t *testing.T) {
	tr := &fakeTransport{list: history()}
	h := newHarness(t, tr)
	require.NoError(t, h.m.Load(context.Background()))
	tr.listErr = api.NewError(api.KindNetwork, "", errors.New("down"))

	require.NoError(t, h.m.HandleSend(context.Background(), "hello"))

	s := h.m.Snapshot()
	assert.Len(t, s.Messages, 2)
	assert.Equal(t, PhaseSettled, s.Phase)
	assert.Equal(t, 0, h.noticeCount(), "refresh failures are never surfaced")
}

func TestHandleSend_NetworkFailure(t *testing.T) {
	tr := &fakeTransport{
		list:     history(),
		sendErrs: []error{api.NewError(api.KindNetwork, "", errors.New("dial tcp: refused"))},
	}
	h := newHarness(t, tr)
	require.NoError(t, h.m.Load(context.Background()))

	err := h.m.HandleSend(context.Background(), "hello")
	require.Error(t, err)

	s := h.m.Snapshot()
	require.Len(t, s.Messages, 1)
	assert.Equal(t, "hello", s.Messages[0].Content)
	assert.Equal(t, AuthorUser, s.Messages[0].Author)
	assert.True(t, s.Messages[0].HasError)
	assert.False(t, s.Typing)
	assert.Equal(t, PhaseErrored, s.Phase)
	assert.Equal(t, []string{api.MsgNetwork}, h.notices)
	assert.Equal(t, 1, tr.fetches, "no usage refresh after a failed send")
}

func TestHandleRetry_Success(t *testing.T) {
	tr := &fakeTransport{
		list:     history(),
		sendErrs: []error{api.NewError(api.KindNetwork, "", nil)},
		replies:  []string{"answer"},
	}
	h := newHarness(t, tr)
	require.NoError(t, h.m.Load(context.Background()))
	require.Error(t, h.m.HandleSend(context.Background(), "hello"))

	failed := h.m.Snapshot().Messages[0]
	tr.list.Profile.UsagePercent = 64

	require.NoError(t, h.m.HandleRetry(context.Background(), failed.ID))

	s := h.m.Snapshot()
	require.Len(t, s.Messages, 2)
	assert.Equal(t, "hello", s.Messages[0].Content)
	assert.False(t, s.Messages[0].HasError)
	assert.NotEqual(t, failed.ID, s.Messages[0].ID, "retry gets a fresh id")
	assert.Equal(t, "answer", s.Messages[1].Content)
	assert.Equal(t, AuthorAssistant, s.Messages[1].Author)

	usage, _ := h.usage.last()
	assert.Equal(t, 64.0, usage)
}

func TestHandleRetry_FailureKeepsSingleErroredCopy(t *testing.T) {
	tr := &fakeTransport{
		list: history(api.HistoryEntry{Content: "earlier", FromBot: true}),
		sendErrs: []error{
			api.NewError(api.KindServer, "", nil),
			api.NewError(api.KindServer, "", nil),
		},
	}
	h := newHarness(t, tr)
	require.NoError(t, h.m.Load(context.Background()))
	require.Error(t, h.m.HandleSend(context.Background(), "hello"))
	first := h.m.Snapshot().Errored()[0]

	require.Error(t, h.m.HandleRetry(context.Background(), first.ID))

	s := h.m.Snapshot()
	count := 0
	for _, msg := range s.Messages {
		if msg.Content == "hello" {
			count++
			assert.True(t, msg.HasError)
			assert.NotEqual(t, first.ID, msg.ID)
		}
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, "earlier", s.Messages[0].Content, "history order is preserved")
}

func TestHandleRetry_StaleAndUnknownIDsAreNoops(t *testing.T) {
	tr := &fakeTransport{
		list:     history(),
		sendErrs: []error{api.NewError(api.KindServer, "", nil)},
	}
	h := newHarness(t, tr)
	require.NoError(t, h.m.Load(context.Background()))
	require.Error(t, h.m.HandleSend(context.Background(), "hello"))
	stale := h.m.Snapshot().Messages[0].ID

	require.NoError(t, h.m.HandleRetry(context.Background(), stale))
	sends := tr.sendCount()

	require.NoError(t, h.m.HandleRetry(context.Background(), stale))
	require.NoError(t, h.m.HandleRetry(context.Background(), "does-not-exist"))
	assert.Equal(t, sends, tr.sendCount())

	// a delivered message is not retryable
	delivered := h.m.Snapshot().Messages[0]
	require.False(t, delivered.HasError)
	require.NoError(t, h.m.HandleRetry(context.Background(), delivered.ID))
	assert.Equal(t, sends, tr.sendCount())
	assert.Len(t, h.m.Snapshot().Messages, 2)
}

func TestHandleSend_SerializesSends(t *testing.T) {
	tr := &fakeTransport{
		list:      history(),
		sendGate:  make(chan struct{}),
		sendEnter: make(chan string, 2),
	}
	h := newHarness(t, tr)
	require.NoError(t, h.m.Load(context.Background()))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, h.m.HandleSend(context.Background(), "first"))
	}()
	assert.Equal(t, "first", <-tr.sendEnter)

	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, h.m.HandleSend(context.Background(), "second"))
	}()

	// the second message is inserted optimistically while the first is in flight
	require.Eventually(t, func() bool { return len(h.m.Snapshot().Messages) == 2 }, time.Second, time.Millisecond)
	select {
	case got := <-tr.sendEnter:
		t.Fatalf("second send %q started before the first finished", got)
	default:
	}

	tr.sendGate <- struct{}{}
	assert.Equal(t, "second", <-tr.sendEnter)
	tr.sendGate <- struct{}{}
	wg.Wait()

	s := h.m.Snapshot()
	require.Len(t, s.Messages, 4)
	assert.Equal(t, "first", s.Messages[0].Content)
	assert.Equal(t, "second", s.Messages[1].Content)
	assert.Equal(t, "echo: first", s.Messages[2].Content)
	assert.Equal(t, "echo: second", s.Messages[3].Content)
	assert.False(t, s.Typing)
}

func TestHandleSend_SendsInInsertionOrder(t *testing.T) {
	const queued = 8
	tr := &fakeTransport{
		list:      history(),
		sendGate:  make(chan struct{}),
		sendEnter: make(chan string, queued+1),
	}
	h := newHarness(t, tr)
	require.NoError(t, h.m.Load(context.Background()))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, h.m.HandleSend(context.Background(), "m0"))
	}()
	assert.Equal(t, "m0", <-tr.sendEnter)

	// callers race to insert while m0 holds the wire
	for i := 1; i <= queued; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.m.HandleSend(context.Background(), fmt.Sprintf("m%d", i)))
		}()
	}
	require.Eventually(t, func() bool { return len(h.m.Snapshot().Messages) == queued+1 }, time.Second, time.Millisecond)

	var inserted []string
	for _, msg := range h.m.Snapshot().Messages {
		inserted = append(inserted, msg.Content)
	}

	for i := 0; i <= queued; i++ {
		tr.sendGate <- struct{}{}
	}
	wg.Wait()

	tr.mu.Lock()
	sent := slices.Clone(tr.sent)
	tr.mu.Unlock()
	assert.Equal(t, inserted, sent)

	s := h.m.Snapshot()
	require.Len(t, s.Messages, 2*(queued+1))
	for i, content := range inserted {
		assert.Equal(t, "echo: "+content, s.Messages[queued+1+i].Content)
	}
	assert.False(t, s.Typing)
}

func TestHandleSend_CanceledSendIsNotReported(t *testing.T) {
	tr := &fakeTransport{
		list:     history(),
		sendErrs: []error{api.NewError(api.KindUnknown, api.MsgCanceled, context.Canceled)},
	}
	h := newHarness(t, tr)
	require.NoError(t, h.m.Load(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, h.m.HandleSend(ctx, "hello"))

	s := h.m.Snapshot()
	require.Len(t, s.Messages, 1)
	assert.True(t, s.Messages[0].HasError, "the message stays retryable")
	assert.Equal(t, 0, h.noticeCount())
}

func TestSnapshotIsIsolated(t *testing.T) {
	h := newHarness(t, &fakeTransport{list: history(api.HistoryEntry{Content: "a"})})
	require.NoError(t, h.m.Load(context.Background()))

	s := h.m.Snapshot()
	s.Messages[0].Content = "mutated"

	assert.Equal(t, "a", h.m.Snapshot().Messages[0].Content)
}

func TestNewMachine_RequiresDependencies(t *testing.T) {
	_, meter := telemetry.Noop()
	_, err := NewMachine(Options{Logger: telemetry.Discard(), Meter: meter})
	assert.Error(t, err)
	_, err = NewMachine(Options{Transport: &fakeTransport{}, Meter: meter})
	assert.Error(t, err)
}
