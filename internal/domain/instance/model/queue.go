// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

import "time"

// ItemType discriminates queue item payloads.
type ItemType string

const (
	ItemMessage ItemType = "message"
	ItemPoll    ItemType = "poll"
)

// MessagePayload is an outbound text message.
type MessagePayload struct {
	ChatID string `json:"chatId"`
	Body   string `json:"message"`
}

// PollPayload is an outbound poll.
type PollPayload struct {
	ChatID          string   `json:"chatId"`
	Caption         string   `json:"caption"`
	Options         []string `json:"options"`
	MultipleAnswers bool     `json:"multipleAnswers"`
}

// QueueItem is one pending outbound action in an instance queue. Items live
// in memory only; the idempotency store is the durable record of what was
// actually sent.
type QueueItem struct {
	ID             string          `json:"id"`
	Type           ItemType        `json:"type"`
	Message        *MessagePayload `json:"message,omitempty"`
	Poll           *PollPayload    `json:"poll,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	CreatedAt      time.Time       `json:"createdAt"`
	AttemptCount   int             `json:"attemptCount"`
	NextAttemptAt  time.Time       `json:"nextAttemptAt"`
	LastError      string          `json:"lastError,omitempty"`
	ApplyTyping    bool            `json:"applyTyping"`
}

// ChatID returns the destination chat regardless of payload type.
func (q *QueueItem) ChatID() string {
	switch q.Type {
	case ItemMessage:
		if q.Message != nil {
			return q.Message.ChatID
		}
	case ItemPoll:
		if q.Poll != nil {
			return q.Poll.ChatID
		}
	}
	return ""
}

// IsGroupChat reports whether the destination is a group. Typing indicators
// are only simulated for direct chats.
func (q *QueueItem) IsGroupChat() bool {
	return IsGroupChatID(q.ChatID())
}
