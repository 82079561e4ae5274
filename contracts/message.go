package contracts

import "time"

// KindMessage is the event type of chat messages
const KindMessage = "message"

// Message is a chat message delivered to every participant of a chat
type Message struct {
	MessageID string   `json:"messageId"`
	ChatID    string   `json:"chatId"`
	SenderID  string   `json:"senderId"`
	UserIDs   []string `json:"userIds"`
	CreatedAt int64    `json:"createdAt"` // unix milliseconds
	Content   string   `json:"content"`
}

// CreatedTime returns CreatedAt as a time.Time
func (m Message) CreatedTime() time.Time {
	return time.UnixMilli(m.CreatedAt).UTC()
}

// NewMessageEvent wraps a message in an event addressed to the message's users
func NewMessageEvent(msg Message) (*Event, error) {
	return NewEvent(KindMessage, msg.UserIDs, msg)
}
