// Package bridge defines the adapter contract for external chat platforms,
// the manifest registry, manifest bootstrap, and the revision-guarded bridge
// config store.
package bridge

import (
	"context"
	"net/http"
	"time"

	"github.com/wudi/fabric/internal/model"
)

// Adapter is the minimum contract every platform adapter implements.
// Optional behavior is expressed through the capability interfaces below;
// a capability declared in a manifest must be satisfied by the adapter.
type Adapter interface {
	// ChannelType identifies the platform family, e.g. "telegram".
	ChannelType() string
	// TransformIncoming normalizes a raw platform payload.
	TransformIncoming(payload []byte) (*model.Incoming, error)
	// SendMessage delivers text to an external room.
	SendMessage(ctx context.Context, externalRoomID, text string, opts SendOptions) (*SendResult, error)
}

// SendOptions carries per-send adapter hints.
type SendOptions struct {
	ReplyToExternalID string
	ThreadID          string
	Extra             map[string]any
}

// SendResult is the adapter's delivery acknowledgment.
type SendResult struct {
	MessageID string
	Raw       map[string]any
}

// MediaLimits constrains what a media-capable adapter accepts.
type MediaLimits struct {
	Kinds        []model.BlockType
	MaxSizeBytes int64
}

// Supports reports whether the limits admit the given block kind.
func (l MediaLimits) Supports(kind model.BlockType) bool {
	for _, k := range l.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// EventType classifies a parsed platform event.
type EventType string

const (
	EventMessage EventType = "message"
	EventNoop    EventType = "noop"
	EventOther   EventType = "event"
)

// Event is the result of an adapter's parse step.
type Event struct {
	Type     EventType
	Incoming *model.Incoming
	Envelope map[string]any
}

// SenderClaim is the adapter's assertion about who sent an incoming payload.
type SenderClaim struct {
	SenderID string
	Verified bool
}

// ListenerSpec declares one long-lived listener child for an instance.
type ListenerSpec struct {
	ID  string
	Run func(ctx context.Context) error
}

// Capability interfaces. An adapter opts in by implementing them.
type (
	// EditSender edits a previously sent message.
	EditSender interface {
		EditMessage(ctx context.Context, externalRoomID, externalMessageID, text string, opts SendOptions) (*SendResult, error)
	}

	// MediaSender delivers media blocks.
	MediaSender interface {
		SendMedia(ctx context.Context, externalRoomID string, media []model.ContentBlock, opts SendOptions) (*SendResult, error)
		MediaLimits() MediaLimits
	}

	// MediaEditor replaces media on a previously sent message.
	MediaEditor interface {
		EditMedia(ctx context.Context, externalRoomID, externalMessageID string, media []model.ContentBlock, opts SendOptions) (*SendResult, error)
	}

	// WebhookVerifier authenticates inbound webhook requests.
	WebhookVerifier interface {
		VerifyWebhook(r *http.Request, body []byte, opts map[string]any) error
	}

	// EventParser distinguishes message payloads from other platform events.
	EventParser interface {
		ParseEvent(payload []byte) (*Event, error)
	}

	// ListenerProvider declares long-lived listener children.
	ListenerProvider interface {
		ListenerChildSpecs(bridgeID string, opts map[string]any) []ListenerSpec
	}

	// HealthChecker probes platform connectivity.
	HealthChecker interface {
		CheckHealth(ctx context.Context) error
		ProbeInterval() time.Duration
	}

	// ThreadAware extracts threading context from incoming payloads.
	ThreadAware interface {
		ExtractThreadContext(inc *model.Incoming) (threadID string, ok bool)
		ComputeThreadRoot(inc *model.Incoming) string
	}

	// MentionParser handles platform mention syntax.
	MentionParser interface {
		ParseMentions(text string) []string
		StripMentions(text string) string
		WasMentioned(inc *model.Incoming, selfID string) bool
	}

	// CommandHinter extracts a leading command token, if any.
	CommandHinter interface {
		ExtractCommandHint(text string) (string, bool)
	}

	// SenderVerifier asserts the claimed sender of an incoming payload.
	SenderVerifier interface {
		VerifySender(ctx context.Context, inc *model.Incoming, raw []byte, opts map[string]any) (SenderClaim, error)
	}

	// OutboundSanitizer rewrites outbound text per platform rules.
	OutboundSanitizer interface {
		SanitizeOutbound(ctx context.Context, text string, opts map[string]any) (string, error)
	}

	// CapabilityDeclarer lets an adapter declare its capability set
	// explicitly instead of having it inferred.
	CapabilityDeclarer interface {
		Capabilities() []Capability
	}
)
