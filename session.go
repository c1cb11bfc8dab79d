package messenger

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Collaborator interfaces
// ============================================================================

// Transport is the request/response channel to the backend. *Client
// implements it; tests substitute a fake.
type Transport interface {
	Conversations(ctx context.Context) ([]Conversation, error)
	PostMessage(ctx context.Context, body SendMessageBody) (*SendMessageResult, error)
	PutReadStatus(ctx context.Context, recipientID int) (*ReadUpdate, error)
}

var _ Transport = (*Client)(nil)
var _ Channel = (*RealtimeClient)(nil)

// ============================================================================
// Session
// ============================================================================

// Session keeps the conversation list consistent across the initial
// snapshot, realtime push events, and local user intents. It owns the
// ConversationStore exclusively; the presentation layer reads it through
// Conversations and the active-conversation selector.
//
// Transport failures are logged and swallowed: the attempted state change
// simply does not appear, and no retry happens here.
type Session struct {
	user      User
	transport Transport
	channel   Channel
	store     *ConversationStore
	log       zerolog.Logger

	mu       sync.Mutex
	ready    bool
	pending  []func()
	onUpdate []func()
}

// NewSession creates a session for the logged-in user and subscribes to the
// realtime channel. Call LoadInitialState before events are meaningful;
// events arriving earlier are buffered and replayed once the snapshot is
// installed.
func NewSession(user User, transport Transport, channel Channel, log zerolog.Logger) *Session {
	s := &Session{
		user:      user,
		transport: transport,
		channel:   channel,
		store:     NewConversationStore(),
		log:       log.With().Int("userId", user.ID).Logger(),
	}

	channel.On(EventNewMessage, s.handleNewMessage)
	channel.On(EventReadMessage, s.handleReadMessage)
	channel.On(EventAddOnlineUser, s.handleUserOnline)
	channel.On(EventRemoveOfflineUser, s.handleUserOffline)

	return s
}

// Store exposes the conversation store read-only surface.
func (s *Session) Store() *ConversationStore {
	return s.store
}

// Conversations returns the current conversation list.
func (s *Session) Conversations() []Conversation {
	return s.store.Conversations()
}

// OnUpdate registers a callback invoked after every applied transition.
func (s *Session) OnUpdate(h func()) {
	s.mu.Lock()
	s.onUpdate = append(s.onUpdate, h)
	s.mu.Unlock()
}

// Close unsubscribes from the realtime channel. In-flight persistence calls
// are not cancelable; their completions apply to a store nothing reads
// anymore.
func (s *Session) Close() {
	s.channel.Off(EventNewMessage)
	s.channel.Off(EventReadMessage)
	s.channel.Off(EventAddOnlineUser)
	s.channel.Off(EventRemoveOfflineUser)
}

func (s *Session) apply(fn func([]Conversation) []Conversation) {
	s.store.Apply(fn)
	s.mu.Lock()
	handlers := append([]func(){}, s.onUpdate...)
	s.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

// ============================================================================
// SyncBootstrap
// ============================================================================

// LoadInitialState fetches the conversation snapshot and installs it as the
// baseline, discarding anything accumulated before login completed. Events
// buffered while the snapshot was in flight are then replayed in arrival
// order. On fetch failure the snapshot is not installed and buffered events
// stay buffered; a later successful call drains them.
func (s *Session) LoadInitialState(ctx context.Context) {
	convos, err := s.transport.Conversations(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("snapshot fetch failed")
		return
	}

	s.apply(func([]Conversation) []Conversation {
		return convos
	})

	s.mu.Lock()
	for len(s.pending) > 0 {
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()
		for _, run := range batch {
			run()
		}
		s.mu.Lock()
	}
	s.ready = true
	s.mu.Unlock()

	s.log.Info().Int("conversations", len(convos)).Msg("snapshot installed")
}

// deferUntilReady buffers run until the snapshot is installed, or executes
// it immediately when it already is.
func (s *Session) deferUntilReady(run func()) {
	s.mu.Lock()
	if !s.ready {
		s.pending = append(s.pending, run)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	run()
}

// ============================================================================
// SearchMerger
// ============================================================================

// AddSearchResults merges user search results into the store as placeholder
// conversations, skipping users that already have one.
func (s *Session) AddSearchResults(users []User) {
	s.apply(func(convos []Conversation) []Conversation {
		return mergeSearchResults(convos, users)
	})
}

// ClearSearchResults removes every placeholder conversation.
func (s *Session) ClearSearchResults() {
	s.apply(dropPlaceholders)
}

// ============================================================================
// MessageIngestor
// ============================================================================

// Send persists a message, applies it locally, and broadcasts it over the
// realtime channel. On persistence failure nothing is applied locally: no
// echo without server confirmation.
func (s *Session) Send(ctx context.Context, body SendMessageBody) {
	if body.ConversationID == 0 {
		sender := s.user
		body.Sender = &sender
	}

	result, err := s.transport.PostMessage(ctx, body)
	if err != nil {
		s.log.Error().Err(err).Int("recipientId", body.RecipientID).Msg("message persist failed")
		return
	}

	if body.ConversationID == 0 {
		s.apply(func(convos []Conversation) []Conversation {
			return recordSentMessage(convos, body.RecipientID, result.Message)
		})
	} else {
		active := s.store.ActiveConversation()
		s.apply(func(convos []Conversation) []Conversation {
			out, _ := appendToConversation(convos, result.Message, active)
			return out
		})
	}

	ev := NewMessageEvent{
		Message:     result.Message,
		RecipientID: body.RecipientID,
		Sender:      result.Sender,
	}
	if err := s.channel.Emit(ctx, EventNewMessage, ev); err != nil {
		s.log.Warn().Err(err).Msg("message broadcast failed")
	}
}

// handleNewMessage applies an inbound new-message event. A message opening
// a brand-new conversation arrives with the sender's identity; a message
// for the open conversation is read optimistically and answered with an
// outbound read receipt instead of counting as unread.
func (s *Session) handleNewMessage(payload json.RawMessage) {
	var ev NewMessageEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.log.Warn().Err(err).Msg("malformed new-message event")
		return
	}

	s.deferUntilReady(func() {
		active := s.store.ActiveConversation()

		if ev.Sender != nil && ev.Sender.ID != s.user.ID {
			var wantReceipt bool
			s.apply(func(convos []Conversation) []Conversation {
				out, receipt := ingestNewConversation(convos, ev.Message, *ev.Sender, active)
				wantReceipt = receipt
				return out
			})
			if wantReceipt {
				s.MarkRead(context.Background(), ev.Sender.ID)
			}
			return
		}

		var wantReceipt bool
		s.apply(func(convos []Conversation) []Conversation {
			out, receipt := appendToConversation(convos, ev.Message, active)
			wantReceipt = receipt
			return out
		})
		if wantReceipt {
			s.MarkRead(context.Background(), ev.Message.SenderID)
		}
	})
}

// ============================================================================
// ReadReceiptTracker
// ============================================================================

// OpenConversation marks the conversation with userID as the one open in
// the UI and acknowledges its messages as read.
func (s *Session) OpenConversation(ctx context.Context, userID int) {
	s.store.SetActiveConversation(userID)
	s.MarkRead(ctx, userID)
}

// MarkRead persists the local user's read status for the conversation with
// recipientID, applies the resulting cursors, and broadcasts the receipt.
// On persistence failure no local state changes; the cursors diverge until
// the next successful attempt.
func (s *Session) MarkRead(ctx context.Context, recipientID int) {
	upd, err := s.transport.PutReadStatus(ctx, recipientID)
	if err != nil {
		s.log.Error().Err(err).Int("recipientId", recipientID).Msg("read status persist failed")
		return
	}
	if upd.ConversationID == 0 {
		return
	}

	s.apply(func(convos []Conversation) []Conversation {
		return applyReadUpdate(convos, *upd)
	})

	if err := s.channel.Emit(ctx, EventReadMessage, *upd); err != nil {
		s.log.Warn().Err(err).Msg("read receipt broadcast failed")
	}
}

// handleReadMessage applies an inbound read-message event.
func (s *Session) handleReadMessage(payload json.RawMessage) {
	var upd ReadUpdate
	if err := json.Unmarshal(payload, &upd); err != nil {
		s.log.Warn().Err(err).Msg("malformed read-message event")
		return
	}

	s.deferUntilReady(func() {
		s.apply(func(convos []Conversation) []Conversation {
			return applyReadUpdate(convos, upd)
		})
	})
}

// ============================================================================
// PresenceTracker
// ============================================================================

func (s *Session) handleUserOnline(payload json.RawMessage) {
	s.handlePresence(payload, true)
}

func (s *Session) handleUserOffline(payload json.RawMessage) {
	s.handlePresence(payload, false)
}

func (s *Session) handlePresence(payload json.RawMessage, online bool) {
	var ev PresenceEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.log.Warn().Err(err).Msg("malformed presence event")
		return
	}

	s.deferUntilReady(func() {
		s.apply(func(convos []Conversation) []Conversation {
			return setPresence(convos, ev.ID, online)
		})
	})
}
