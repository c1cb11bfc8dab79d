package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeTransport struct {
	mu          sync.Mutex
	snapshot    []Conversation
	snapshotErr error

	postResult *SendMessageResult
	postErr    error
	postCalls  []SendMessageBody

	readResult *ReadUpdate
	readErr    error
	readCalls  []int
}

func (f *fakeTransport) Conversations(context.Context) ([]Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshotErr != nil {
		return nil, f.snapshotErr
	}
	return f.snapshot, nil
}

func (f *fakeTransport) PostMessage(_ context.Context, body SendMessageBody) (*SendMessageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.postCalls = append(f.postCalls, body)
	if f.postErr != nil {
		return nil, f.postErr
	}
	return f.postResult, nil
}

func (f *fakeTransport) PutReadStatus(_ context.Context, recipientID int) (*ReadUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readCalls = append(f.readCalls, recipientID)
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.readResult, nil
}

type emittedEvent struct {
	event   string
	payload interface{}
}

type fakeChannel struct {
	mu       sync.Mutex
	handlers map[string][]EventHandler
	emitted  []emittedEvent
	emitErr  error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string][]EventHandler)}
}

func (f *fakeChannel) Emit(_ context.Context, event string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.emitted = append(f.emitted, emittedEvent{event: event, payload: payload})
	return nil
}

func (f *fakeChannel) On(event string, h EventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], h)
}

func (f *fakeChannel) Off(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, event)
}

// push delivers an inbound event the way the realtime read loop would.
func (f *fakeChannel) push(t *testing.T, event string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	f.mu.Lock()
	handlers := append([]EventHandler{}, f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
}

func (f *fakeChannel) emittedEvents() []emittedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emittedEvent{}, f.emitted...)
}

// ============================================================================
// Harness
// ============================================================================

var localUser = User{ID: 12, Username: "drew"}

func newTestSession(t *testing.T, transport *fakeTransport) (*Session, *fakeChannel) {
	t.Helper()
	ch := newFakeChannel()
	s := NewSession(localUser, transport, ch, zerolog.Nop())
	return s, ch
}

func loadedSession(t *testing.T, transport *fakeTransport) (*Session, *fakeChannel) {
	t.Helper()
	s, ch := newTestSession(t, transport)
	s.LoadInitialState(context.Background())
	return s, ch
}

// ============================================================================
// SearchMerger
// ============================================================================

func TestSession_AddSearchResults(t *testing.T) {
	s, _ := loadedSession(t, &fakeTransport{})

	s.AddSearchResults([]User{bea})

	convos := s.Conversations()
	require.Len(t, convos, 1)
	assert.True(t, convos[0].Placeholder())
	assert.Equal(t, 7, convos[0].OtherUser.ID)
	assert.Empty(t, convos[0].Messages)
}

func TestSession_ClearSearchResultsIdempotent(t *testing.T) {
	s, _ := loadedSession(t, &fakeTransport{snapshot: []Conversation{realConvo(55, bea)}})

	s.AddSearchResults([]User{finn})
	require.Equal(t, 2, s.Store().Len())

	s.ClearSearchResults()
	once := s.Conversations()
	s.ClearSearchResults()
	twice := s.Conversations()

	require.Len(t, once, 1)
	assert.Equal(t, once, twice)
}

// ============================================================================
// MessageIngestor — local sends
// ============================================================================

func TestSession_SendUpgradesPlaceholder(t *testing.T) {
	sent := msg(1, 55, localUser.ID, "hi")
	transport := &fakeTransport{postResult: &SendMessageResult{Message: sent}}
	s, ch := loadedSession(t, transport)

	s.AddSearchResults([]User{bea})
	s.Send(context.Background(), SendMessageBody{RecipientID: 7, Text: "hi"})

	convos := s.Conversations()
	require.Len(t, convos, 1)
	assert.Equal(t, 55, convos[0].ID)
	require.Len(t, convos[0].Messages, 1)
	assert.Equal(t, 0, convos[0].UnreadCount)
	assert.Equal(t, "hi", convos[0].LatestMessageText)

	// the sender identity rides along when the conversation is brand new
	require.Len(t, transport.postCalls, 1)
	require.NotNil(t, transport.postCalls[0].Sender)
	assert.Equal(t, localUser.ID, transport.postCalls[0].Sender.ID)

	events := ch.emittedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventNewMessage, events[0].event)
	assert.Equal(t, 7, events[0].payload.(NewMessageEvent).RecipientID)
}

func TestSession_SendToExistingConversation(t *testing.T) {
	sent := msg(2, 55, localUser.ID, "again")
	transport := &fakeTransport{
		snapshot:   []Conversation{realConvo(55, bea, msg(1, 55, 7, "hi"))},
		postResult: &SendMessageResult{Message: sent},
	}
	s, _ := loadedSession(t, transport)

	s.Send(context.Background(), SendMessageBody{RecipientID: 7, ConversationID: 55, Text: "again"})

	convos := s.Conversations()
	require.Len(t, convos[0].Messages, 2)
	assert.Equal(t, 0, convos[0].UnreadCount, "a locally sent message never counts as unread")
	assert.Nil(t, transport.postCalls[0].Sender)
}

func TestSession_SendPersistFailureHasNoLocalEcho(t *testing.T) {
	transport := &fakeTransport{postErr: errors.New("boom")}
	s, ch := loadedSession(t, transport)
	s.AddSearchResults([]User{bea})

	s.Send(context.Background(), SendMessageBody{RecipientID: 7, Text: "hi"})

	convos := s.Conversations()
	require.Len(t, convos, 1)
	assert.True(t, convos[0].Placeholder(), "no echo without server confirmation")
	assert.Empty(t, ch.emittedEvents())
}

// ============================================================================
// MessageIngestor — inbound events
// ============================================================================

func TestSession_InboundMessagesAccumulateUnread(t *testing.T) {
	transport := &fakeTransport{snapshot: []Conversation{realConvo(55, bea)}}
	s, ch := loadedSession(t, transport)

	for i := 1; i <= 3; i++ {
		ch.push(t, EventNewMessage, NewMessageEvent{
			Message:     msg(i, 55, 7, "yo"),
			RecipientID: localUser.ID,
		})
	}

	convos := s.Conversations()
	assert.Equal(t, 3, convos[0].UnreadCount)
	assert.Equal(t, "yo", convos[0].LatestMessageText)
	assert.Len(t, convos[0].Messages, 3)
}

func TestSession_InboundNewConversationPrepended(t *testing.T) {
	transport := &fakeTransport{snapshot: []Conversation{realConvo(40, finn)}}
	s, ch := loadedSession(t, transport)

	ch.push(t, EventNewMessage, NewMessageEvent{
		Message:     msg(2, 55, 7, "yo"),
		RecipientID: localUser.ID,
		Sender:      &bea,
	})

	convos := s.Conversations()
	require.Len(t, convos, 2)
	assert.Equal(t, 55, convos[0].ID)
	assert.Equal(t, 1, convos[0].UnreadCount)
}

func TestSession_InboundNewConversationUpgradesPlaceholder(t *testing.T) {
	s, ch := loadedSession(t, &fakeTransport{})
	s.AddSearchResults([]User{bea})

	ch.push(t, EventNewMessage, NewMessageEvent{
		Message:     msg(2, 55, 7, "yo"),
		RecipientID: localUser.ID,
		Sender:      &bea,
	})

	convos := s.Conversations()
	require.Len(t, convos, 1, "placeholder and real conversation must not coexist")
	assert.Equal(t, 55, convos[0].ID)
}

func TestSession_InboundWhileConversationOpenEmitsReceipt(t *testing.T) {
	transport := &fakeTransport{
		snapshot: []Conversation{realConvo(55, bea)},
		readResult: &ReadUpdate{
			ConversationID: 55, ReaderID: localUser.ID, OtherUserID: 7,
			ReaderLastRead: 2, OtherUserLastRead: 1,
		},
	}
	s, ch := loadedSession(t, transport)
	s.OpenConversation(context.Background(), 7)

	ch.push(t, EventNewMessage, NewMessageEvent{
		Message:     msg(2, 55, 7, "yo"),
		RecipientID: localUser.ID,
	})

	convos := s.Conversations()
	assert.Equal(t, 0, convos[0].UnreadCount, "actively viewed message is read immediately")
	assert.Contains(t, transport.readCalls, 7)

	var receipts int
	for _, ev := range ch.emittedEvents() {
		if ev.event == EventReadMessage {
			receipts++
		}
	}
	assert.GreaterOrEqual(t, receipts, 2, "one receipt for opening, one for the live message")
}

func TestSession_EchoOfOwnBroadcastIsDropped(t *testing.T) {
	sent := msg(2, 55, localUser.ID, "hi")
	transport := &fakeTransport{
		snapshot:   []Conversation{realConvo(55, bea)},
		postResult: &SendMessageResult{Message: sent},
	}
	s, ch := loadedSession(t, transport)

	s.Send(context.Background(), SendMessageBody{RecipientID: 7, ConversationID: 55, Text: "hi"})
	ch.push(t, EventNewMessage, NewMessageEvent{Message: sent, RecipientID: 7})

	convos := s.Conversations()
	assert.Len(t, convos[0].Messages, 1, "echoed delivery deduplicated by message id")
	assert.Equal(t, 0, convos[0].UnreadCount)
}

func TestSession_NeverDuplicatesCounterpart(t *testing.T) {
	transport := &fakeTransport{snapshot: []Conversation{realConvo(55, bea)}}
	s, ch := loadedSession(t, transport)

	s.AddSearchResults([]User{bea, finn})
	ch.push(t, EventNewMessage, NewMessageEvent{
		Message: msg(2, 41, 9, "hey"), RecipientID: localUser.ID, Sender: &finn,
	})
	ch.push(t, EventNewMessage, NewMessageEvent{
		Message: msg(3, 55, 7, "yo"), RecipientID: localUser.ID,
	})

	seen := map[int]int{}
	for _, c := range s.Conversations() {
		seen[c.OtherUser.ID]++
	}
	for userID, n := range seen {
		assert.Equal(t, 1, n, "user %d has duplicate conversations", userID)
	}
}

// ============================================================================
// ReadReceiptTracker
// ============================================================================

func TestSession_OpenConversationMarksRead(t *testing.T) {
	convo := realConvo(55, bea, msg(1, 55, 7, "yo"))
	convo.UnreadCount = 1
	transport := &fakeTransport{
		snapshot: []Conversation{convo},
		readResult: &ReadUpdate{
			ConversationID: 55, ReaderID: localUser.ID, OtherUserID: 7,
			ReaderLastRead: 100, OtherUserLastRead: 90,
		},
	}
	s, ch := loadedSession(t, transport)

	s.OpenConversation(context.Background(), 7)

	assert.Equal(t, 7, s.Store().ActiveConversation())
	convos := s.Conversations()
	assert.Equal(t, int64(100), convos[0].LastRead)
	assert.Equal(t, 0, convos[0].UnreadCount)

	events := ch.emittedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventReadMessage, events[0].event)
	assert.Equal(t, 55, events[0].payload.(ReadUpdate).ConversationID)
}

func TestSession_MarkReadPersistFailureChangesNothing(t *testing.T) {
	convo := realConvo(55, bea, msg(1, 55, 7, "yo"))
	convo.UnreadCount = 1
	transport := &fakeTransport{
		snapshot: []Conversation{convo},
		readErr:  errors.New("boom"),
	}
	s, ch := loadedSession(t, transport)

	s.OpenConversation(context.Background(), 7)

	convos := s.Conversations()
	assert.Equal(t, 1, convos[0].UnreadCount)
	assert.Equal(t, LastReadNever, convos[0].LastRead)
	assert.Empty(t, ch.emittedEvents())
}

func TestSession_RemoteReadUpdate(t *testing.T) {
	transport := &fakeTransport{snapshot: []Conversation{realConvo(55, bea, msg(1, 55, localUser.ID, "hi"))}}
	s, ch := loadedSession(t, transport)

	ch.push(t, EventReadMessage, ReadUpdate{
		ConversationID: 55, ReaderID: 7, OtherUserID: localUser.ID,
		ReaderLastRead: 80, OtherUserLastRead: 42,
	})

	convos := s.Conversations()
	assert.Equal(t, int64(42), convos[0].LastRead,
		"a remote reader's receipt must not clobber the local cursor")
}

// ============================================================================
// PresenceTracker
// ============================================================================

func TestSession_PresenceEvents(t *testing.T) {
	transport := &fakeTransport{snapshot: []Conversation{realConvo(55, bea)}}
	s, ch := loadedSession(t, transport)

	ch.push(t, EventAddOnlineUser, PresenceEvent{ID: 7})
	assert.True(t, s.Conversations()[0].OtherUser.Online)

	ch.push(t, EventRemoveOfflineUser, PresenceEvent{ID: 7})
	assert.False(t, s.Conversations()[0].OtherUser.Online)

	// unknown user is a no-op
	ch.push(t, EventAddOnlineUser, PresenceEvent{ID: 999})
	assert.Len(t, s.Conversations(), 1)
}

// ============================================================================
// SyncBootstrap
// ============================================================================

func TestSession_SnapshotReplacesPlaceholders(t *testing.T) {
	transport := &fakeTransport{snapshot: []Conversation{realConvo(55, bea)}}
	s, _ := newTestSession(t, transport)

	s.AddSearchResults([]User{finn})
	s.LoadInitialState(context.Background())

	convos := s.Conversations()
	require.Len(t, convos, 1)
	assert.Equal(t, 55, convos[0].ID)
}

func TestSession_EventsBeforeSnapshotAreBuffered(t *testing.T) {
	transport := &fakeTransport{snapshot: []Conversation{realConvo(55, bea)}}
	s, ch := newTestSession(t, transport)

	ch.push(t, EventNewMessage, NewMessageEvent{
		Message: msg(2, 55, 7, "early"), RecipientID: localUser.ID,
	})
	ch.push(t, EventAddOnlineUser, PresenceEvent{ID: 7})
	require.Equal(t, 0, s.Store().Len(), "nothing applies before the snapshot")

	s.LoadInitialState(context.Background())

	convos := s.Conversations()
	require.Len(t, convos, 1)
	assert.Equal(t, 1, convos[0].UnreadCount)
	assert.Equal(t, "early", convos[0].LatestMessageText)
	assert.True(t, convos[0].OtherUser.Online)
}

func TestSession_SnapshotFailureKeepsBuffer(t *testing.T) {
	transport := &fakeTransport{snapshotErr: errors.New("boom")}
	s, ch := newTestSession(t, transport)

	ch.push(t, EventNewMessage, NewMessageEvent{
		Message: msg(2, 55, 7, "early"), RecipientID: localUser.ID,
	})
	s.LoadInitialState(context.Background())
	assert.Equal(t, 0, s.Store().Len())

	transport.mu.Lock()
	transport.snapshotErr = nil
	transport.snapshot = []Conversation{realConvo(55, bea)}
	transport.mu.Unlock()

	s.LoadInitialState(context.Background())

	convos := s.Conversations()
	require.Len(t, convos, 1)
	assert.Equal(t, "early", convos[0].LatestMessageText, "buffered event replayed after recovery")
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestSession_CloseUnsubscribes(t *testing.T) {
	transport := &fakeTransport{snapshot: []Conversation{realConvo(55, bea)}}
	s, ch := loadedSession(t, transport)

	s.Close()
	ch.push(t, EventNewMessage, NewMessageEvent{
		Message: msg(2, 55, 7, "late"), RecipientID: localUser.ID,
	})

	assert.Empty(t, s.Conversations()[0].Messages)
}

func TestSession_OnUpdateFires(t *testing.T) {
	s, _ := loadedSession(t, &fakeTransport{})

	var calls int
	s.OnUpdate(func() { calls++ })

	s.AddSearchResults([]User{bea})
	s.ClearSearchResults()

	assert.Equal(t, 2, calls)
}
