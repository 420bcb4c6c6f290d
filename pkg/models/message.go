package models

import (
	"strings"
	"time"
)

// MessageType distinguishes text messages from file messages.
type MessageType string

const (
	MessageTypeText MessageType = "text"
	MessageTypeFile MessageType = "file"
)

// Valid reports whether the type is one the pipeline accepts.
func (t MessageType) Valid() bool {
	return t == MessageTypeText || t == MessageTypeFile
}

// FileRef points at an uploaded file. The blob itself lives outside parley.
type FileRef struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Empty reports whether the reference carries no location.
func (f *FileRef) Empty() bool {
	return f == nil || strings.TrimSpace(f.URL) == ""
}

// Message is a persisted direct message.
//
// Delivery state moves created -> delivered -> read. DeliveredAt is stamped
// at persistence time; ReadAt is set once the non-sending participant reads it.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Type           MessageType `json:"messageType"`
	Content        string      `json:"content,omitempty"`
	File           *FileRef    `json:"fileRef,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	DeliveredAt    *time.Time  `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time  `json:"readAt,omitempty"`
	IsRead         bool        `json:"isRead"`
}

// State returns the delivery state name of the message.
func (m *Message) State() string {
	switch {
	case m == nil:
		return ""
	case m.IsRead:
		return "read"
	case m.DeliveredAt != nil:
		return "delivered"
	default:
		return "created"
	}
}

// ReadReceipt records that a user read a message. There is at most one
// receipt per (message, user) pair.
type ReadReceipt struct {
	ID        string    `json:"id"`
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	ReadAt    time.Time `json:"readAt"`
}
