package messenger

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a server-reported error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// Domain Types
// ============================================================================

// User identifies a messenger user. In a Conversation it is the counterpart
// of the logged-in user.
type User struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	PhotoURL string `json:"photoUrl,omitempty"`
	Online   bool   `json:"online"`
}

// Message is a single chat message within a conversation.
type Message struct {
	ID             int    `json:"id"`
	ConversationID int    `json:"conversationId"`
	SenderID       int    `json:"senderId"`
	Text           string `json:"text"`
	CreatedAt      string `json:"createdAt"`
}

// LastReadNever marks a read cursor that has never been set.
const LastReadNever int64 = -1

// Conversation is one entry in the conversation list. A conversation with
// ID == 0 is a placeholder created from a search result: it has no server
// identity yet and no messages.
//
// At most one Conversation exists per OtherUser.ID at any time.
type Conversation struct {
	ID                int       `json:"id,omitempty"`
	OtherUser         User      `json:"otherUser"`
	Messages          []Message `json:"messages"`
	UnreadCount       int       `json:"unreadCount"`
	LastRead          int64     `json:"lastRead"`
	LatestMessageText string    `json:"latestMessageText,omitempty"`
}

// Placeholder reports whether the conversation has no server identity yet.
func (c Conversation) Placeholder() bool {
	return c.ID == 0
}

// HasMessage reports whether a message with the given id is already present.
// Used to drop duplicate deliveries (local echo vs. realtime broadcast).
func (c Conversation) HasMessage(id int) bool {
	for _, m := range c.Messages {
		if m.ID == id {
			return true
		}
	}
	return false
}

// ============================================================================
// Request / Response Payloads
// ============================================================================

// SendMessageBody is the payload for posting a new message.
// ConversationID is zero when the message opens a brand-new conversation.
type SendMessageBody struct {
	RecipientID    int    `json:"recipientId"`
	ConversationID int    `json:"conversationId,omitempty"`
	Text           string `json:"text"`
	Sender         *User  `json:"sender,omitempty"`
}

// SendMessageResult is the server response to a posted message. Sender is
// non-nil only when the message opened a brand-new conversation and the
// recipient needs the sender's identity to build the entry.
type SendMessageResult struct {
	Message Message `json:"message"`
	Sender  *User   `json:"sender,omitempty"`
}

// ReadStatusBody is the payload for marking a conversation read.
type ReadStatusBody struct {
	RecipientID int `json:"recipientId"`
}

// ReadUpdate carries the two read cursors of a conversation after one
// participant marked it read. It is both the response to PutReadStatus and
// the payload of the read-message realtime event.
type ReadUpdate struct {
	ConversationID    int   `json:"conversationId"`
	ReaderID          int   `json:"readerId"`
	OtherUserID       int   `json:"otherUserId"`
	ReaderLastRead    int64 `json:"readerLastRead"`
	OtherUserLastRead int64 `json:"otherUserLastRead"`
}

// NewMessageEvent is the payload of the new-message realtime event,
// exchanged in both directions. Sender is non-nil when the message opens a
// brand-new conversation for the recipient.
type NewMessageEvent struct {
	Message     Message `json:"message"`
	RecipientID int     `json:"recipientId"`
	Sender      *User   `json:"sender,omitempty"`
}

// PresenceEvent is the payload of the add-online-user and
// remove-offline-user realtime events.
type PresenceEvent struct {
	ID int `json:"id"`
}
