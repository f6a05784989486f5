package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (single process) or NATS (multi-process).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `yaml:"type"`

	// Channel settings
	ChannelBufferSize int `yaml:"channel_buffer_size"`

	// NATS settings
	NATSUrl           string `yaml:"nats_url"`
	NATSToken         string `yaml:"nats_token"`
	NATSMaxReconnects int    `yaml:"nats_max_reconnects"`
	NATSReconnectWait int    `yaml:"nats_reconnect_wait"` // seconds
}

// Standard topic names.
const (
	TopicCampaignCreated = "fundguard.campaign.created"
	TopicCampaignUpdated = "fundguard.campaign.updated"
	TopicCampaignScored  = "fundguard.campaign.scored"
	TopicCampaignFlagged = "fundguard.campaign.flagged"
	TopicModelPublished  = "fundguard.model.published"
)

// CampaignEvent is the payload of campaign lifecycle topics.
// Campaign may be omitted, in which case consumers load it by ID.
type CampaignEvent struct {
	CampaignID string `json:"campaign_id"`
	CreatorID  string `json:"creator_id,omitempty"`
	Campaign   Record `json:"campaign,omitempty"`
	User       Record `json:"user,omitempty"`
}

// ScoredEvent is published after a campaign has been scored.
type ScoredEvent struct {
	CampaignID string       `json:"campaign_id"`
	Status     FraudStatus  `json:"status"`
	Result     *ScoreResult `json:"result"`
}

// ModelPublishedEvent announces a newly trained artifact.
type ModelPublishedEvent struct {
	Version           string `json:"version"`
	SchemaFingerprint string `json:"schema_fingerprint"`
	Samples           int    `json:"samples"`
}
