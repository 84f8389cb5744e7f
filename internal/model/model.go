// Package model holds the canonical room/participant/message graph and the
// supporting records shared across the fabric. Entities are platform
// agnostic; all external identifiers live in bindings and indices.
package model

import "time"

// RoomType classifies a room.
type RoomType string

const (
	RoomDirect  RoomType = "direct"
	RoomGroup   RoomType = "group"
	RoomChannel RoomType = "channel"
	RoomThread  RoomType = "thread"
)

// RoomTypeForChat maps an external chat type onto a room type. Unknown or
// empty chat types map to direct.
func RoomTypeForChat(chatType string) RoomType {
	switch chatType {
	case "private":
		return RoomDirect
	case "group", "supergroup":
		return RoomGroup
	case "channel":
		return RoomChannel
	case "thread":
		return RoomThread
	default:
		return RoomDirect
	}
}

// Room is a canonical conversation container.
type Room struct {
	ID   string   `json:"id"`
	Type RoomType `json:"type"`
	Name string   `json:"name,omitempty"`
	// ExternalBindings maps channel -> instance id -> external room id.
	ExternalBindings map[string]map[string]string `json:"external_bindings,omitempty"`
	CreatedAt        time.Time                    `json:"created_at"`
}

// ParticipantType classifies a participant.
type ParticipantType string

const (
	ParticipantHuman ParticipantType = "human"
	ParticipantAgent ParticipantType = "agent"
)

// Presence is a participant's presence state.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
	PresenceAway    Presence = "away"
)

// Participant is a canonical actor in rooms.
type Participant struct {
	ID          string            `json:"id"`
	Type        ParticipantType   `json:"type"`
	Identity    map[string]string `json:"identity,omitempty"`
	ExternalIDs map[string]string `json:"external_ids,omitempty"` // channel -> external user id
	Presence    Presence          `json:"presence"`
}

// Role is the conversational role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageStatus tracks delivery state of a message.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// BlockType is the kind of a content block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockAudio      BlockType = "audio"
	BlockVideo      BlockType = "video"
	BlockFile       BlockType = "file"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one element of a message's ordered content sequence.
type ContentBlock struct {
	Type      BlockType      `json:"type"`
	Text      string         `json:"text,omitempty"`
	URL       string         `json:"url,omitempty"`
	MimeType  string         `json:"mime_type,omitempty"`
	Name      string         `json:"name,omitempty"`
	SizeBytes int64          `json:"size_bytes,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// TextBlock builds a single text block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// Receipt records per-participant delivery/read times.
type Receipt struct {
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// Message is the canonical message entity.
type Message struct {
	ID           string         `json:"id"`
	RoomID       string         `json:"room_id"`
	SenderID     string         `json:"sender_id"`
	Role         Role           `json:"role"`
	Content      []ContentBlock `json:"content"`
	ExternalID   string         `json:"external_id,omitempty"`
	ReplyToID    string         `json:"reply_to_id,omitempty"`
	ThreadRootID string         `json:"thread_root_id,omitempty"`
	Status       MessageStatus  `json:"status"`
	// Reactions maps emoji -> set of participant ids.
	Reactions  map[string]map[string]struct{} `json:"reactions,omitempty"`
	Receipts   map[string]Receipt             `json:"receipts,omitempty"`
	Metadata   map[string]any                 `json:"metadata,omitempty"`
	InsertedAt time.Time                      `json:"inserted_at"`
}

// Text returns the concatenated text of all text blocks.
func (m *Message) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// BindingDirection gates which flows a room binding participates in.
type BindingDirection string

const (
	DirectionInbound  BindingDirection = "inbound"
	DirectionOutbound BindingDirection = "outbound"
	DirectionBoth     BindingDirection = "both"
)

// Routable reports whether the binding participates in outbound resolution.
func (d BindingDirection) Routable() bool {
	return d == DirectionOutbound || d == DirectionBoth
}

// Ingestable reports whether the binding participates in inbound lookups.
func (d BindingDirection) Ingestable() bool {
	return d == DirectionInbound || d == DirectionBoth
}

// RoomBinding ties a room to an external chat on one bridge. InstanceID is
// the transitional legacy alias; BridgeID wins when both are set.
type RoomBinding struct {
	ID             string           `json:"id"`
	RoomID         string           `json:"room_id"`
	Channel        string           `json:"channel"`
	InstanceID     string           `json:"instance_id,omitempty"`
	BridgeID       string           `json:"bridge_id,omitempty"`
	ExternalRoomID string           `json:"external_room_id"`
	Direction      BindingDirection `json:"direction"`
}

// EffectiveBridgeID resolves the bridge id, preferring BridgeID over the
// legacy InstanceID.
func (b *RoomBinding) EffectiveBridgeID() string {
	if b.BridgeID != "" {
		return b.BridgeID
	}
	return b.InstanceID
}

// BridgeConfig is the mutable configuration record for one bridge. Revision
// is monotonic and guards optimistic-concurrency writes.
type BridgeConfig struct {
	ID             string         `json:"id"`
	AdapterModule  string         `json:"adapter_module"`
	Enabled        bool           `json:"enabled"`
	Capabilities   []string       `json:"capabilities,omitempty"`
	Opts           map[string]any `json:"opts,omitempty"`
	DeliveryPolicy map[string]any `json:"delivery_policy,omitempty"`
	Revision       int64          `json:"revision"`
	Label          string         `json:"label,omitempty"`
}

// DeliveryMode selects how the outbound router fans out.
type DeliveryMode string

const (
	DeliveryPrimary    DeliveryMode = "primary"
	DeliveryBroadcast  DeliveryMode = "broadcast"
	DeliveryBestEffort DeliveryMode = "best_effort"
)

// FailoverPolicy selects route failover behavior.
type FailoverPolicy string

const (
	FailoverNextAvailable FailoverPolicy = "next_available"
	FailoverNone          FailoverPolicy = "none"
)

// RoutingPolicy configures per-room outbound delivery.
type RoutingPolicy struct {
	RoomID         string         `json:"room_id"`
	DeliveryMode   DeliveryMode   `json:"delivery_mode"`
	FailoverPolicy FailoverPolicy `json:"failover_policy"`
	FallbackOrder  []string       `json:"fallback_order,omitempty"`
	DedupeScope    string         `json:"dedupe_scope,omitempty"`
	Revision       int64          `json:"revision"`
}

// DefaultRoutingPolicy is applied to rooms without a stored policy.
func DefaultRoutingPolicy(roomID string) *RoutingPolicy {
	return &RoutingPolicy{
		RoomID:         roomID,
		DeliveryMode:   DeliveryBestEffort,
		FailoverPolicy: FailoverNextAvailable,
		Revision:       1,
	}
}

// ReplayStatus tracks dead-letter replay state.
type ReplayStatus string

const (
	ReplayNever     ReplayStatus = "never"
	ReplaySucceeded ReplayStatus = "succeeded"
	ReplayFailed    ReplayStatus = "failed"
)

// ReplayState is the replay bookkeeping on a dead letter.
type ReplayState struct {
	Status   ReplayStatus `json:"status"`
	Attempts int          `json:"attempts"`
}

// DeadLetterRequest captures the original outbound request so it can be
// replayed with the same idempotency key.
type DeadLetterRequest struct {
	Operation         string         `json:"operation"`
	Channel           string         `json:"channel"`
	InstanceID        string         `json:"instance_id"`
	ExternalRoomID    string         `json:"external_room_id"`
	ExternalMessageID string         `json:"external_message_id,omitempty"`
	Text              string         `json:"text,omitempty"`
	Media             []ContentBlock `json:"media,omitempty"`
	IdempotencyKey    string         `json:"idempotency_key,omitempty"`
	Options           map[string]any `json:"options,omitempty"`
}

// DeadLetter is a persisted record of a terminally failed outbound request.
type DeadLetter struct {
	ID            string            `json:"id"`
	BridgeID      string            `json:"bridge_id"`
	Reason        string            `json:"reason"`
	Category      string            `json:"category"`
	Disposition   string            `json:"disposition"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Request       DeadLetterRequest `json:"request"`
	Replay        ReplayState       `json:"replay"`
	Diagnostics   map[string]any    `json:"diagnostics,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// OnboardingStatus is the state of an onboarding flow.
type OnboardingStatus string

const (
	OnboardingStarted           OnboardingStatus = "started"
	OnboardingDirectoryResolved OnboardingStatus = "directory_resolved"
	OnboardingPaired            OnboardingStatus = "paired"
	OnboardingCompleted         OnboardingStatus = "completed"
	OnboardingCancelled         OnboardingStatus = "cancelled"
)

// Terminal reports whether the status accepts no further transitions.
func (s OnboardingStatus) Terminal() bool {
	return s == OnboardingCompleted || s == OnboardingCancelled
}

// OnboardingTransition is one applied transition with its idempotency key.
type OnboardingTransition struct {
	Transition     string           `json:"transition"`
	Status         OnboardingStatus `json:"status"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	At             time.Time        `json:"at"`
}

// SideEffect is a recorded side effect of an onboarding transition.
type SideEffect struct {
	Kind   string         `json:"kind"`
	Detail map[string]any `json:"detail,omitempty"`
	At     time.Time      `json:"at"`
}

// OnboardingFlow is the persisted state of one onboarding worker.
type OnboardingFlow struct {
	OnboardingID       string                 `json:"onboarding_id"`
	Status             OnboardingStatus       `json:"status"`
	Transitions        []OnboardingTransition `json:"transitions"`
	SideEffects        []SideEffect           `json:"side_effects"`
	CompletionMetadata map[string]any         `json:"completion_metadata,omitempty"`
}

// Incoming is the normalized external event produced by an adapter's
// transform step, before ingest converts it to a canonical Message.
type Incoming struct {
	ExternalRoomID    string         `json:"external_room_id"`
	ExternalUserID    string         `json:"external_user_id"`
	ExternalMessageID string         `json:"external_message_id,omitempty"`
	ExternalReplyToID string         `json:"external_reply_to_id,omitempty"`
	Text              string         `json:"text,omitempty"`
	Username          string         `json:"username,omitempty"`
	DisplayName       string         `json:"display_name,omitempty"`
	ChatType          string         `json:"chat_type,omitempty"`
	Timestamp         time.Time      `json:"timestamp,omitempty"`
	Raw               map[string]any `json:"raw,omitempty"`
}
