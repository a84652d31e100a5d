package pingme

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncFixture struct {
	session   *Session
	backend   *fakeBackend
	transport *fakeTransport
	summaries *countingInvalidator
	metrics   *Metrics
	conv      *ConversationSync
	events    *recorder
}

func newSyncFixture(t *testing.T, history ...json.RawMessage) *syncFixture {
	t.Helper()
	f := &syncFixture{
		session:   NewSession("token", "me"),
		backend:   &fakeBackend{},
		transport: newFakeTransport(),
		summaries: &countingInvalidator{},
		metrics:   NewMetrics(prometheus.NewRegistry()),
	}
	f.backend.history = func(context.Context, string, int) ([]json.RawMessage, error) {
		return history, nil
	}
	f.conv = NewConversationSync(f.session, f.backend, f.transport,
		WithSummaries(f.summaries), WithMetrics(f.metrics))
	f.events = record(f.conv)
	t.Cleanup(func() { f.conv.Close() })
	return f
}

func (f *syncFixture) open(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.conv.Open(context.Background(), id))
	require.Equal(t, SyncLive, f.conv.State())
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

// ============================================================================
// Open / load
// ============================================================================

func TestOpenLoadsHistoryThenMergesPush(t *testing.T) {
	f := newSyncFixture(t, rawMsg("m1", "later", "u2", t0.Add(time.Minute)))
	f.open(t, "c1")

	assert.Equal(t, []string{"c1"}, f.backend.historyCalls)
	assert.Equal(t, []string{"m1"}, ids(f.conv.Messages()))
	assert.ElementsMatch(t, []string{"chat", "chat-c1"}, f.transport.subscribed())

	f.transport.push("chat-c1", EventNewMessage, string(rawMsg("m2", "earlier", "u2", t0)))
	assert.Equal(t, []string{"m2", "m1"}, ids(f.conv.Messages()))
	assert.Equal(t, 1, f.summaries.count())

	p := f.events.payload(EventMessagesChanged).(*MessagesChangedPayload)
	assert.Equal(t, "c1", p.ConversationID)
	assert.Equal(t, []string{"m2", "m1"}, ids(p.Messages))
}

func TestOpenDropsMalformedHistoryRecords(t *testing.T) {
	f := newSyncFixture(t,
		rawMsg("m1", "ok", "u2", t0),
		json.RawMessage(`{"foo":"bar"}`),
	)
	f.open(t, "c1")
	assert.Equal(t, []string{"m1"}, ids(f.conv.Messages()))
}

func TestOpenFailureStillGoesLive(t *testing.T) {
	f := newSyncFixture(t)
	f.backend.history = func(context.Context, string, int) ([]json.RawMessage, error) {
		return nil, errors.New("backend down")
	}

	err := f.conv.Open(context.Background(), "c1")
	require.EqualError(t, err, "backend down")
	assert.Equal(t, SyncLive, f.conv.State())
	assert.Equal(t, 1, f.events.count(EventLoadFailed))
	assert.Equal(t, 0, f.events.count(EventAuthRequired))

	// Push still works on a conversation whose load failed.
	f.transport.push("chat-c1", EventNewMessage, string(rawMsg("m1", "hi", "u2", t0)))
	assert.Equal(t, []string{"m1"}, ids(f.conv.Messages()))
}

func TestOpenUnauthorizedRequiresAuth(t *testing.T) {
	f := newSyncFixture(t)
	f.backend.history = func(context.Context, string, int) ([]json.RawMessage, error) {
		return nil, &RequestError{Op: "history", StatusCode: 401, Err: ErrUnauthorized}
	}
	err := f.conv.Open(context.Background(), "c1")
	require.True(t, IsUnauthorized(err))
	assert.Equal(t, 1, f.events.count(EventAuthRequired))
}

func TestOpenSameConversationIsNoop(t *testing.T) {
	f := newSyncFixture(t)
	f.open(t, "c1")
	f.open(t, "c1")
	assert.Len(t, f.backend.historyCalls, 1)
}

func TestOpenSwitchReleasesPreviousConversation(t *testing.T) {
	f := newSyncFixture(t)
	f.open(t, "c1")
	f.transport.push("chat-c1", EventNewMessage, string(rawMsg("m1", "hi", "u2", t0)))
	require.Len(t, f.conv.Messages(), 1)

	f.open(t, "c2")
	assert.Empty(t, f.conv.Messages())
	assert.Equal(t, "c2", f.conv.ConversationID())
	assert.ElementsMatch(t, []string{"chat", "chat-c2"}, f.transport.subscribed())
	assert.Equal(t, 0, f.transport.push("chat-c1", EventNewMessage, string(rawMsg("m9", "x", "u2", t0))))
}

func TestOpenEmptyGoesIdle(t *testing.T) {
	f := newSyncFixture(t)
	f.open(t, "c1")

	require.NoError(t, f.conv.Open(context.Background(), ""))
	assert.Equal(t, SyncIdle, f.conv.State())
	assert.Empty(t, f.conv.Messages())
	assert.Equal(t, []string{"chat"}, f.transport.subscribed())
	assert.ErrorIs(t, f.conv.SendMessage(context.Background(), "hi"), ErrNotLive)
}

func TestSupersededHistoryIsDiscarded(t *testing.T) {
	f := newSyncFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	f.backend.history = func(_ context.Context, id string, _ int) ([]json.RawMessage, error) {
		if id == "c1" {
			close(started)
			<-release
			return []json.RawMessage{rawMsg("old", "stale", "u2", t0)}, nil
		}
		return []json.RawMessage{rawMsg("new", "fresh", "u2", t0)}, nil
	}

	done := make(chan error, 1)
	go func() { done <- f.conv.Open(context.Background(), "c1") }()
	<-started

	f.open(t, "c2")
	close(release)

	require.ErrorIs(t, <-done, ErrSuperseded)
	assert.Equal(t, "c2", f.conv.ConversationID())
	assert.Equal(t, []string{"new"}, ids(f.conv.Messages()))
}

// ============================================================================
// Push
// ============================================================================

func TestMalformedPushIsDropped(t *testing.T) {
	f := newSyncFixture(t, rawMsg("m1", "hi", "u2", t0))
	f.open(t, "c1")
	before := f.events.count(EventMessagesChanged)

	f.transport.push("chat-c1", EventNewMessage, `{"foo":"bar"}`)
	f.transport.push("chat-c1", EventNewMessage, `not json`)

	assert.Equal(t, []string{"m1"}, ids(f.conv.Messages()))
	assert.Equal(t, before, f.events.count(EventMessagesChanged))
	assert.Equal(t, 0, f.summaries.count())
	assert.Equal(t, 2.0, counterValue(t, f.metrics.pushEvents.WithLabelValues(EventNewMessage, "malformed")))
}

func TestDuplicatePushIsIgnored(t *testing.T) {
	f := newSyncFixture(t, rawMsg("m1", "hi", "u2", t0))
	f.open(t, "c1")
	before := f.events.count(EventMessagesChanged)

	f.transport.push("chat-c1", EventNewMessage, string(rawMsg("m1", "hi", "u2", t0)))
	assert.Len(t, f.conv.Messages(), 1)
	assert.Equal(t, before, f.events.count(EventMessagesChanged))
}

func TestNewChatInvalidatesSummaries(t *testing.T) {
	f := newSyncFixture(t)
	f.open(t, "c1")
	f.transport.push("chat", EventNewChat, `{"_id":"c9"}`)
	assert.Equal(t, []string{SummariesTag}, f.summaries.tags)
}

// ============================================================================
// Send
// ============================================================================

func TestSendUpsertsServerRecord(t *testing.T) {
	f := newSyncFixture(t)
	f.open(t, "c1")
	f.conv.SetDraft("  hello  ")

	require.NoError(t, f.conv.SendDraft(context.Background()))
	assert.Equal(t, []sendBody{{Text: "hello", ConversationID: "c1", SenderID: "me"}}, f.backend.sendCalls)
	assert.Equal(t, []string{"s1"}, ids(f.conv.Messages()))
	assert.Empty(t, f.conv.Draft())
	assert.False(t, f.conv.SendPending())
	assert.Equal(t, 1, f.summaries.count())

	sent := f.events.payload(EventSendSucceeded).(*SentPayload)
	assert.Equal(t, "s1", sent.Message.ID)
	assert.True(t, sent.Inserted)
}

func TestPushBeforeSendResponseYieldsOneMessage(t *testing.T) {
	f := newSyncFixture(t)
	f.open(t, "c1")
	m3 := rawMsg("m3", "hello", "me", t0)
	f.backend.send = func(context.Context, string, string, string) (json.RawMessage, error) {
		f.transport.push("chat-c1", EventNewMessage, string(m3))
		return m3, nil
	}

	require.NoError(t, f.conv.SendMessage(context.Background(), "hello"))
	assert.Equal(t, []string{"m3"}, ids(f.conv.Messages()))
	assert.False(t, f.events.payload(EventSendSucceeded).(*SentPayload).Inserted)
}

func TestSendRejections(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.conv.SendMessage(ctx, "hi"), ErrNotLive)
	f.open(t, "c1")
	assert.ErrorIs(t, f.conv.SendMessage(ctx, "   "), ErrEmptyMessage)

	var nested error
	f.backend.send = func(context.Context, string, string, string) (json.RawMessage, error) {
		assert.True(t, f.conv.SendPending())
		nested = f.conv.SendMessage(ctx, "second")
		return rawMsg("m1", "first", "me", t0), nil
	}
	require.NoError(t, f.conv.SendMessage(ctx, "first"))
	assert.ErrorIs(t, nested, ErrSendPending)
	assert.Len(t, f.backend.sendCalls, 1)
}

func TestFailedSendKeepsDraft(t *testing.T) {
	f := newSyncFixture(t)
	f.open(t, "c1")
	f.conv.SetDraft("hello")
	f.backend.send = func(context.Context, string, string, string) (json.RawMessage, error) {
		return nil, errors.New("timeout")
	}

	require.Error(t, f.conv.SendDraft(context.Background()))
	assert.Equal(t, "hello", f.conv.Draft())
	assert.Empty(t, f.conv.Messages())
	assert.False(t, f.conv.SendPending())
	assert.Equal(t, 1, f.events.count(EventSendFailed))
	assert.Equal(t, 0, f.summaries.count())
}

func TestSendInvalidResponse(t *testing.T) {
	f := newSyncFixture(t)
	f.open(t, "c1")
	f.conv.SetDraft("hello")
	f.backend.send = func(context.Context, string, string, string) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}

	err := f.conv.SendDraft(context.Background())
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, f.conv.Draft())
	assert.Empty(t, f.conv.Messages())
	assert.Equal(t, 1, f.events.count(EventSendFailed))
	assert.Equal(t, 0, f.events.count(EventSendSucceeded))
}

// ============================================================================
// Delete
// ============================================================================

func TestDeleteFallsBackThroughShapes(t *testing.T) {
	f := newSyncFixture(t, rawMsg("m1", "hi", "me", t0), rawMsg("m2", "yo", "u2", t0.Add(time.Second)))
	f.open(t, "c1")
	f.backend.delete = func(_ context.Context, shape DeleteShape, _, _ string) error {
		if shape != DeleteBody {
			return &RequestError{Op: "delete", StatusCode: 404, Err: errors.New("not found")}
		}
		return nil
	}

	require.NoError(t, f.conv.DeleteMessage(context.Background(), "m1"))
	assert.Equal(t, []deleteCall{
		{DeletePath, "m1", "c1"},
		{DeleteQuery, "m1", "c1"},
		{DeleteBody, "m1", "c1"},
	}, f.backend.deletes())
	assert.Equal(t, []string{"m2"}, ids(f.conv.Messages()))

	p := f.events.payload(EventDeleteSucceeded).(*DeletePayload)
	assert.Equal(t, DeleteBody, p.Attempt)
	assert.Equal(t, 1, f.summaries.count())
	assert.Equal(t, 1.0, counterValue(t, f.metrics.deleteAttempts.WithLabelValues("path", "failed")))
	assert.Equal(t, 1.0, counterValue(t, f.metrics.deleteAttempts.WithLabelValues("body", "ok")))
}

func TestDeleteStopsAtFirstSuccess(t *testing.T) {
	f := newSyncFixture(t, rawMsg("m1", "hi", "me", t0))
	f.open(t, "c1")

	require.NoError(t, f.conv.DeleteMessage(context.Background(), "m1"))
	assert.Equal(t, []deleteCall{{DeletePath, "m1", "c1"}}, f.backend.deletes())
	assert.Empty(t, f.conv.Messages())
}

func TestDeleteIsOptimistic(t *testing.T) {
	f := newSyncFixture(t, rawMsg("m1", "hi", "me", t0), rawMsg("m2", "yo", "u2", t0.Add(time.Second)))
	f.open(t, "c1")

	var during []Message
	var pending string
	var again, other error
	f.backend.delete = func(context.Context, DeleteShape, string, string) error {
		during = f.conv.Messages()
		pending, _ = f.conv.PendingDelete()
		again = f.conv.DeleteMessage(context.Background(), "m1")
		other = f.conv.DeleteMessage(context.Background(), "m2")
		return nil
	}

	require.NoError(t, f.conv.DeleteMessage(context.Background(), "m1"))
	assert.Equal(t, []string{"m2"}, ids(during))
	assert.Equal(t, "m1", pending)
	assert.NoError(t, again, "repeat delete of the pending id is a no-op")
	assert.ErrorIs(t, other, ErrDeletePending)
	assert.Len(t, f.backend.deletes(), 1)
	_, stillPending := f.conv.PendingDelete()
	assert.False(t, stillPending)
}

func TestRepeatDeleteIsNoop(t *testing.T) {
	f := newSyncFixture(t, rawMsg("m1", "hi", "me", t0))
	f.open(t, "c1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.conv.DeleteMessage(ctx, "m1"))
	}
	assert.Len(t, f.backend.deletes(), 1)
	assert.Equal(t, 1, f.events.count(EventDeleteSucceeded))
	assert.Empty(t, f.conv.Messages())
}

func TestDeleteUnauthorizedAbortsAndRestores(t *testing.T) {
	f := newSyncFixture(t, rawMsg("m1", "hi", "me", t0))
	f.open(t, "c1")
	f.backend.delete = func(context.Context, DeleteShape, string, string) error {
		return &RequestError{Op: "delete", StatusCode: 401, Err: ErrUnauthorized}
	}

	err := f.conv.DeleteMessage(context.Background(), "m1")
	require.True(t, IsUnauthorized(err))
	assert.Len(t, f.backend.deletes(), 1)
	assert.Equal(t, []string{"m1"}, ids(f.conv.Messages()))
	assert.Equal(t, 1, f.events.count(EventAuthRequired))
	assert.Equal(t, 1, f.events.count(EventDeleteFailed))
	assert.Equal(t, 0, f.summaries.count())
}

func TestDeleteRollsBackWhenEveryShapeFails(t *testing.T) {
	f := newSyncFixture(t, rawMsg("m1", "hi", "me", t0), rawMsg("m2", "yo", "u2", t0.Add(time.Second)))
	f.open(t, "c1")
	before := f.conv.Messages()
	f.backend.delete = func(context.Context, DeleteShape, string, string) error {
		return errors.New("server error")
	}

	err := f.conv.DeleteMessage(context.Background(), "m1")
	require.Error(t, err)
	assert.Len(t, f.backend.deletes(), 3)
	assert.Equal(t, before, f.conv.Messages())

	p := f.events.payload(EventDeleteFailed).(*FailurePayload)
	assert.Equal(t, "m1", p.MessageID)
	assert.Equal(t, 1.0, counterValue(t, f.metrics.mutations.WithLabelValues("delete", "rolled_back")))
}

func TestDeleteRollbackDropsConcurrentPush(t *testing.T) {
	f := newSyncFixture(t, rawMsg("m1", "hi", "me", t0))
	f.open(t, "c1")
	f.backend.delete = func(_ context.Context, shape DeleteShape, _, _ string) error {
		if shape == DeletePath {
			f.transport.push("chat-c1", EventNewMessage, string(rawMsg("m2", "new", "u2", t0.Add(time.Minute))))
		}
		return errors.New("server error")
	}

	require.Error(t, f.conv.DeleteMessage(context.Background(), "m1"))
	assert.Equal(t, []string{"m1"}, ids(f.conv.Messages()))
}

func TestDeleteRollbackDropsConcurrentSendUntilReload(t *testing.T) {
	f := newSyncFixture(t, rawMsg("m1", "hi", "me", t0))
	f.open(t, "c1")
	ctx := context.Background()

	var sendErr error
	f.backend.delete = func(_ context.Context, shape DeleteShape, _, _ string) error {
		if shape == DeletePath {
			sendErr = f.conv.SendMessage(ctx, "typed meanwhile")
		}
		return errors.New("server error")
	}

	require.Error(t, f.conv.DeleteMessage(ctx, "m1"))
	require.NoError(t, sendErr)
	assert.Equal(t, 1, f.events.count(EventSendSucceeded))
	assert.Equal(t, []string{"m1"}, ids(f.conv.Messages()), "rollback restores the pre-delete view exactly")

	f.backend.history = func(context.Context, string, int) ([]json.RawMessage, error) {
		return []json.RawMessage{rawMsg("m1", "hi", "me", t0), rawMsg("s1", "typed meanwhile", "me", t0.Add(time.Hour))}, nil
	}
	require.NoError(t, f.conv.Reload(ctx))
	assert.Equal(t, []string{"m1", "s1"}, ids(f.conv.Messages()))
}

func TestReload(t *testing.T) {
	f := newSyncFixture(t, rawMsg("m1", "hi", "u2", t0))
	ctx := context.Background()
	require.ErrorIs(t, f.conv.Reload(ctx), ErrNotLive)

	f.open(t, "c1")
	changes := f.events.count(EventMessagesChanged)
	require.NoError(t, f.conv.Reload(ctx))
	assert.Equal(t, changes, f.events.count(EventMessagesChanged), "nothing new, nothing emitted")
	assert.Equal(t, []string{"c1", "c1"}, f.backend.historyCalls)

	f.backend.history = func(context.Context, string, int) ([]json.RawMessage, error) {
		return nil, &RequestError{Op: "history", StatusCode: 401, Err: ErrUnauthorized}
	}
	require.True(t, IsUnauthorized(f.conv.Reload(ctx)))
	assert.Equal(t, 1, f.events.count(EventAuthRequired))
	assert.Equal(t, []string{"m1"}, ids(f.conv.Messages()))

	require.NoError(t, f.conv.Close())
	require.ErrorIs(t, f.conv.Reload(ctx), ErrClosed)
}

func TestDeleteAbsentIsNoop(t *testing.T) {
	f := newSyncFixture(t, rawMsg("m1", "hi", "me", t0))
	f.open(t, "c1")

	require.NoError(t, f.conv.DeleteMessage(context.Background(), "nope"))
	assert.Empty(t, f.backend.deletes())
	assert.Equal(t, 0, f.events.count(EventDeleteSucceeded))
}

func TestDeleteStopsOnCancelledContext(t *testing.T) {
	f := newSyncFixture(t, rawMsg("m1", "hi", "me", t0))
	f.open(t, "c1")
	ctx, cancel := context.WithCancel(context.Background())
	f.backend.delete = func(context.Context, DeleteShape, string, string) error {
		cancel()
		return context.Canceled
	}

	require.ErrorIs(t, f.conv.DeleteMessage(ctx, "m1"), context.Canceled)
	assert.Len(t, f.backend.deletes(), 1)
	assert.Equal(t, []string{"m1"}, ids(f.conv.Messages()))
}

// ============================================================================
// Close / logout
// ============================================================================

func TestCloseTearsDownOnce(t *testing.T) {
	f := newSyncFixture(t)
	f.open(t, "c1")

	require.NoError(t, f.conv.Close())
	require.NoError(t, f.conv.Close())

	assert.Equal(t, SyncIdle, f.conv.State())
	assert.Empty(t, f.transport.subscribed())
	assert.Equal(t, 1, f.transport.disconnects)
	assert.ErrorIs(t, f.conv.Open(context.Background(), "c2"), ErrClosed)
	assert.ErrorIs(t, f.conv.SendMessage(context.Background(), "hi"), ErrClosed)
	assert.ErrorIs(t, f.conv.DeleteMessage(context.Background(), "m1"), ErrClosed)
}

func TestLogoutClosesConversation(t *testing.T) {
	f := newSyncFixture(t)
	f.open(t, "c1")

	f.session.Logout()
	assert.False(t, f.session.Active())
	assert.Equal(t, SyncIdle, f.conv.State())
	assert.Equal(t, 1, f.transport.disconnects)
	assert.ErrorIs(t, f.conv.Open(context.Background(), "c1"), ErrClosed)
}

func TestSendResponseAfterCloseIsDiscarded(t *testing.T) {
	f := newSyncFixture(t)
	f.open(t, "c1")
	f.backend.send = func(context.Context, string, string, string) (json.RawMessage, error) {
		f.conv.Close()
		return rawMsg("m1", "late", "me", t0), nil
	}

	require.ErrorIs(t, f.conv.SendMessage(context.Background(), "late"), ErrSuperseded)
	assert.Empty(t, f.conv.Messages())
}

func TestStateChangedEvents(t *testing.T) {
	f := newSyncFixture(t)
	var seen []SyncState
	f.conv.On(EventStateChanged, func(_ string, p any) {
		seen = append(seen, p.(*StateChangedPayload).To)
	})
	f.open(t, "c1")
	require.NoError(t, f.conv.Close())
	assert.Equal(t, []SyncState{SyncLoading, SyncLive, SyncIdle}, seen)
	assert.Equal(t, "live", SyncLive.String())
	assert.Equal(t, "query", DeleteQuery.String())
}
