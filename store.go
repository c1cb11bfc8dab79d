package messenger

import "sync"

// ============================================================================
// ConversationStore
// ============================================================================

// ConversationStore holds the ordered conversation list consumed by the
// presentation layer. All mutation funnels through Apply, which atomically
// replaces the stored sequence with the result of a pure transition
// function. Transitions copy the conversations they touch, so entries they
// do not touch stay reference-stable across updates.
//
// The store also owns the "currently open conversation" selector, keyed by
// the counterpart's user id (0 = none). Handlers read it at call time
// instead of capturing it.
type ConversationStore struct {
	mu            sync.RWMutex
	conversations []Conversation
	activeUserID  int
}

// NewConversationStore creates an empty store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{}
}

// Apply atomically replaces the conversation list with fn's result.
func (s *ConversationStore) Apply(fn func([]Conversation) []Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = fn(s.conversations)
}

// Conversations returns a copy of the current conversation list.
func (s *ConversationStore) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, len(s.conversations))
	copy(out, s.conversations)
	return out
}

// Len returns the number of conversations.
func (s *ConversationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// ByOtherUser returns the conversation whose counterpart has the given user
// id, if any.
func (s *ConversationStore) ByOtherUser(userID int) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conversations {
		if c.OtherUser.ID == userID {
			return c, true
		}
	}
	return Conversation{}, false
}

// ByID returns the conversation with the given server id, if any.
func (s *ConversationStore) ByID(conversationID int) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conversations {
		if c.ID == conversationID && c.ID != 0 {
			return c, true
		}
	}
	return Conversation{}, false
}

// SetActiveConversation records which counterpart's conversation is open in
// the UI. Pass 0 to clear.
func (s *ConversationStore) SetActiveConversation(userID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeUserID = userID
}

// ActiveConversation returns the counterpart user id of the open
// conversation, or 0.
func (s *ConversationStore) ActiveConversation() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeUserID
}

// ============================================================================
// Transitions
// ============================================================================
//
// Pure functions from conversation list to conversation list. They never
// mutate their input: an affected conversation is shallow-copied, and its
// Messages slice is cloned before an append. Callers pass them to
// ConversationStore.Apply.

// mergeSearchResults appends a placeholder conversation for every searched
// user that has no conversation yet. Existing conversations are left
// untouched and not reordered.
func mergeSearchResults(convos []Conversation, users []User) []Conversation {
	present := make(map[int]bool, len(convos))
	for _, c := range convos {
		present[c.OtherUser.ID] = true
	}

	out := convos
	for _, u := range users {
		if present[u.ID] {
			continue
		}
		present[u.ID] = true
		out = append(cloneIfShared(out, convos), Conversation{
			OtherUser: u,
			Messages:  []Message{},
			LastRead:  LastReadNever,
		})
	}
	return out
}

// dropPlaceholders removes every conversation that was never upgraded to a
// real one. Idempotent.
func dropPlaceholders(convos []Conversation) []Conversation {
	kept := convos[:0:0]
	for _, c := range convos {
		if !c.Placeholder() {
			kept = append(kept, c)
		}
	}
	return kept
}

// recordSentMessage applies a locally sent, server-confirmed message that
// opened a brand-new conversation. A placeholder for the recipient is
// upgraded in place; with no placeholder the new conversation is prepended.
func recordSentMessage(convos []Conversation, recipientID int, msg Message) []Conversation {
	for i, c := range convos {
		if c.OtherUser.ID != recipientID {
			continue
		}
		if c.HasMessage(msg.ID) {
			return convos
		}
		upgraded := c
		upgraded.ID = msg.ConversationID
		upgraded.Messages = append(cloneMessages(c.Messages), msg)
		upgraded.UnreadCount = 0
		upgraded.LastRead = LastReadNever
		upgraded.LatestMessageText = msg.Text
		out := cloneIfShared(convos, convos)
		out[i] = upgraded
		return out
	}

	fresh := Conversation{
		ID:                msg.ConversationID,
		OtherUser:         User{ID: recipientID},
		Messages:          []Message{msg},
		LastRead:          LastReadNever,
		LatestMessageText: msg.Text,
	}
	return append([]Conversation{fresh}, convos...)
}

// ingestNewConversation applies an inbound message that opens a brand-new
// conversation with sender. An existing entry for sender (placeholder or
// real) is replaced in place; otherwise the conversation is prepended.
// wantReceipt is true when the sender is the open conversation: the message
// counts as read immediately and the caller owes an outbound read receipt.
func ingestNewConversation(convos []Conversation, msg Message, sender User, activeUserID int) (out []Conversation, wantReceipt bool) {
	fresh := Conversation{
		ID:                msg.ConversationID,
		OtherUser:         sender,
		Messages:          []Message{msg},
		UnreadCount:       1,
		LastRead:          LastReadNever,
		LatestMessageText: msg.Text,
	}
	if sender.ID == activeUserID {
		fresh.UnreadCount = 0
		wantReceipt = true
	}

	for i, c := range convos {
		if c.OtherUser.ID != sender.ID {
			continue
		}
		if c.HasMessage(msg.ID) {
			return convos, false
		}
		out = cloneIfShared(convos, convos)
		out[i] = fresh
		return out, wantReceipt
	}
	return append([]Conversation{fresh}, convos...), wantReceipt
}

// appendToConversation applies a message to the existing conversation it
// belongs to. Messages from the counterpart increment the unread counter
// unless that conversation is open, in which case the caller owes an
// outbound read receipt instead. Locally authored echoes never count as
// unread. No-op when no conversation matches or the message is already
// present.
func appendToConversation(convos []Conversation, msg Message, activeUserID int) (out []Conversation, wantReceipt bool) {
	for i, c := range convos {
		if c.ID != msg.ConversationID || c.ID == 0 {
			continue
		}
		if c.HasMessage(msg.ID) {
			return convos, false
		}
		updated := c
		updated.Messages = append(cloneMessages(c.Messages), msg)
		updated.LatestMessageText = msg.Text

		if msg.SenderID == activeUserID {
			wantReceipt = true
		} else if msg.SenderID == c.OtherUser.ID {
			updated.UnreadCount++
		}

		out = cloneIfShared(convos, convos)
		out[i] = updated
		return out, wantReceipt
	}
	return convos, false
}

// applyReadUpdate installs the read cursors from a read receipt. When the
// reader is the counterpart, the update carries the local user's own cursor
// in OtherUserLastRead; when the local user read, it carries the local
// cursor in ReaderLastRead. Either way the conversation is fully read from
// the local user's point of view afterwards.
func applyReadUpdate(convos []Conversation, upd ReadUpdate) []Conversation {
	for i, c := range convos {
		if c.ID != upd.ConversationID || c.ID == 0 {
			continue
		}
		updated := c
		updated.UnreadCount = 0
		if upd.ReaderID == c.OtherUser.ID {
			updated.LastRead = upd.OtherUserLastRead
		} else {
			updated.LastRead = upd.ReaderLastRead
		}
		out := cloneIfShared(convos, convos)
		out[i] = updated
		return out
	}
	return convos
}

// setPresence flips the online flag of the conversation whose counterpart
// is userID. No-op when no conversation matches.
func setPresence(convos []Conversation, userID int, online bool) []Conversation {
	for i, c := range convos {
		if c.OtherUser.ID != userID {
			continue
		}
		if c.OtherUser.Online == online {
			return convos
		}
		updated := c
		updated.OtherUser.Online = online
		out := cloneIfShared(convos, convos)
		out[i] = updated
		return out
	}
	return convos
}

// ============================================================================
// Copy helpers
// ============================================================================

// cloneIfShared returns a fresh slice when out still aliases the original
// input, so transitions never write through to state a reader may hold.
func cloneIfShared(out, original []Conversation) []Conversation {
	if len(out) > 0 && len(original) > 0 && &out[0] == &original[0] {
		cloned := make([]Conversation, len(out))
		copy(cloned, out)
		return cloned
	}
	return out
}

func cloneMessages(msgs []Message) []Message {
	cloned := make([]Message, len(msgs))
	copy(cloned, msgs)
	return cloned
}
