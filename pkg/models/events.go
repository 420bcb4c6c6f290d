package models

import "time"

// Client → server events.
const (
	EventJoinConversation     = "join_conversation"
	EventLeaveConversation    = "leave_conversation"
	EventSendMessage          = "send_message"
	EventTypingStart          = "typing_start"
	EventTypingStop           = "typing_stop"
	EventMarkRead             = "mark_read"
	EventMarkConversationRead = "mark_conversation_read"
)

// Server → client events.
const (
	EventMessageReceived    = "message_received"
	EventMessageDelivered   = "message_delivered"
	EventMessageRead        = "message_read"
	EventReadReceiptUpdated = "read_receipt_updated"
	EventUserTyping         = "user_typing"
	EventUserStoppedTyping  = "user_stopped_typing"
	EventUserJoined         = "user_joined"
	EventUserLeft           = "user_left"
	EventFriendOnline       = "friend_online"
	EventFriendOffline      = "friend_offline"
	EventConversationJoined = "conversation_joined"
	EventConversationLeft   = "conversation_left"
	EventError              = "error"
)

// Envelope is the JSON frame exchanged over the realtime channel.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// DeliveredAck confirms to the sending connection that a message was
// persisted and broadcast.
type DeliveredAck struct {
	MessageID   string    `json:"messageId"`
	DeliveredAt time.Time `json:"deliveredAt"`
	ClientID    string    `json:"clientId,omitempty"`
}

// ReadEvent announces a read receipt to a conversation.
type ReadEvent struct {
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	ReadAt    time.Time `json:"readAt"`
}

// RoomEvent is the payload of typing and membership notifications.
type RoomEvent struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

// ConversationAck acknowledges a join or leave to the requesting connection.
type ConversationAck struct {
	ConversationID string `json:"conversationId"`
}

// FriendPresence announces a friend's online or offline transition.
type FriendPresence struct {
	UserID   string     `json:"userId"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// ErrorEvent reports a failed client request.
type ErrorEvent struct {
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}
