package models

import "github.com/google/uuid"

// Действия клиента в websocket-протоколе подписок.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Типы кадров сервера.
const (
	FrameSubscription = "subscription"
	FrameChange       = "change"
)

// SubscriptionStatus - состояние подписки, которое сервер сообщает клиенту.
type SubscriptionStatus string

const (
	SubscriptionSubscribed   SubscriptionStatus = "SUBSCRIBED"
	SubscriptionChannelError SubscriptionStatus = "CHANNEL_ERROR"
	SubscriptionClosed       SubscriptionStatus = "CLOSED"
)

// SubscriptionCommand - команда клиента.
type SubscriptionCommand struct {
	Action     string     `json:"action"`
	RequestID  string     `json:"request_id,omitempty"`
	EntityType EntityType `json:"entity_type,omitempty"`
	EntityID   string     `json:"entity_id,omitempty"`
	Event      EventKind  `json:"event,omitempty"`
	// SubscriptionID нужен только для unsubscribe.
	SubscriptionID uuid.UUID `json:"subscription_id,omitempty"`
}

// ServerFrame - кадр сервера: статус подписки или событие изменения.
type ServerFrame struct {
	Type           string             `json:"type"`
	RequestID      string             `json:"request_id,omitempty"`
	SubscriptionID uuid.UUID          `json:"subscription_id,omitempty"`
	Status         SubscriptionStatus `json:"status,omitempty"`
	Entity         *EntityRef         `json:"entity,omitempty"`
	Error          string             `json:"error,omitempty"`
	Event          *ChangeEvent       `json:"event,omitempty"`
}
