// Package bridgetest provides scriptable adapters for tests. Adapter
// implements only the base contract; FullAdapter additionally satisfies
// every capability interface.
package bridgetest

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/wudi/fabric/internal/bridge"
	"github.com/wudi/fabric/internal/model"
)

// SentCall records one delivery handed to the fake adapter.
type SentCall struct {
	Operation         string
	ExternalRoomID    string
	ExternalMessageID string
	Text              string
	Media             []model.ContentBlock
}

// Adapter is a minimal scriptable adapter. Zero value works: transforms
// JSON payloads of the shape used across the fabric tests and acks sends
// with generated ids.
type Adapter struct {
	Channel string

	TransformFn func(payload []byte) (*model.Incoming, error)
	SendFn      func(ctx context.Context, externalRoomID, text string, opts bridge.SendOptions) (*bridge.SendResult, error)

	mu    sync.Mutex
	calls []SentCall
	seq   int
}

func (a *Adapter) ChannelType() string {
	if a.Channel == "" {
		return "testchat"
	}
	return a.Channel
}

// TransformIncoming decodes {"kind","room","user","id","reply_to","text","chat_type"}.
func (a *Adapter) TransformIncoming(payload []byte) (*model.Incoming, error) {
	if a.TransformFn != nil {
		return a.TransformFn(payload)
	}
	var raw struct {
		Room     string `json:"room"`
		User     string `json:"user"`
		ID       string `json:"id"`
		ReplyTo  string `json:"reply_to"`
		Text     string `json:"text"`
		ChatType string `json:"chat_type"`
		Username string `json:"username"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	return &model.Incoming{
		ExternalRoomID:    raw.Room,
		ExternalUserID:    raw.User,
		ExternalMessageID: raw.ID,
		ExternalReplyToID: raw.ReplyTo,
		Text:              raw.Text,
		ChatType:          raw.ChatType,
		Username:          raw.Username,
		Timestamp:         time.Now().UTC(),
	}, nil
}

func (a *Adapter) SendMessage(ctx context.Context, externalRoomID, text string, opts bridge.SendOptions) (*bridge.SendResult, error) {
	a.record(SentCall{Operation: "send_message", ExternalRoomID: externalRoomID, Text: text})
	if a.SendFn != nil {
		return a.SendFn(ctx, externalRoomID, text, opts)
	}
	return &bridge.SendResult{MessageID: a.nextID()}, nil
}

func (a *Adapter) record(c SentCall) {
	a.mu.Lock()
	a.calls = append(a.calls, c)
	a.mu.Unlock()
}

func (a *Adapter) nextID() string {
	a.mu.Lock()
	a.seq++
	n := a.seq
	a.mu.Unlock()
	return "ext-" + a.ChannelType() + "-" + itoa(n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}

// Calls returns a copy of all recorded deliveries.
func (a *Adapter) Calls() []SentCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]SentCall, len(a.calls))
	copy(out, a.calls)
	return out
}

// CallCount returns the number of recorded deliveries.
func (a *Adapter) CallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

// FullAdapter satisfies every capability interface. Function fields script
// individual callbacks; nil fields use benign defaults.
type FullAdapter struct {
	Adapter

	EditFn         func(ctx context.Context, externalRoomID, externalMessageID, text string, opts bridge.SendOptions) (*bridge.SendResult, error)
	SendMediaFn    func(ctx context.Context, externalRoomID string, media []model.ContentBlock, opts bridge.SendOptions) (*bridge.SendResult, error)
	Limits         bridge.MediaLimits
	VerifyFn       func(r *http.Request, body []byte, opts map[string]any) error
	ParseEventFn   func(payload []byte) (*bridge.Event, error)
	HealthFn       func(ctx context.Context) error
	VerifySenderFn func(ctx context.Context, inc *model.Incoming, raw []byte, opts map[string]any) (bridge.SenderClaim, error)
	SanitizeFn     func(ctx context.Context, text string, opts map[string]any) (string, error)
	ListenerSpecs  []bridge.ListenerSpec
	Probe          time.Duration
}

func (a *FullAdapter) EditMessage(ctx context.Context, externalRoomID, externalMessageID, text string, opts bridge.SendOptions) (*bridge.SendResult, error) {
	a.record(SentCall{Operation: "edit_message", ExternalRoomID: externalRoomID, ExternalMessageID: externalMessageID, Text: text})
	if a.EditFn != nil {
		return a.EditFn(ctx, externalRoomID, externalMessageID, text, opts)
	}
	return &bridge.SendResult{MessageID: externalMessageID}, nil
}

func (a *FullAdapter) SendMedia(ctx context.Context, externalRoomID string, media []model.ContentBlock, opts bridge.SendOptions) (*bridge.SendResult, error) {
	a.record(SentCall{Operation: "send_media", ExternalRoomID: externalRoomID, Media: media})
	if a.SendMediaFn != nil {
		return a.SendMediaFn(ctx, externalRoomID, media, opts)
	}
	return &bridge.SendResult{MessageID: a.nextID()}, nil
}

func (a *FullAdapter) EditMedia(ctx context.Context, externalRoomID, externalMessageID string, media []model.ContentBlock, opts bridge.SendOptions) (*bridge.SendResult, error) {
	a.record(SentCall{Operation: "edit_media", ExternalRoomID: externalRoomID, ExternalMessageID: externalMessageID, Media: media})
	return &bridge.SendResult{MessageID: externalMessageID}, nil
}

func (a *FullAdapter) MediaLimits() bridge.MediaLimits {
	if len(a.Limits.Kinds) == 0 && a.Limits.MaxSizeBytes == 0 {
		return bridge.MediaLimits{
			Kinds:        []model.BlockType{model.BlockImage, model.BlockAudio, model.BlockVideo, model.BlockFile},
			MaxSizeBytes: 10 << 20,
		}
	}
	return a.Limits
}

func (a *FullAdapter) VerifyWebhook(r *http.Request, body []byte, opts map[string]any) error {
	if a.VerifyFn != nil {
		return a.VerifyFn(r, body, opts)
	}
	return nil
}

func (a *FullAdapter) ParseEvent(payload []byte) (*bridge.Event, error) {
	if a.ParseEventFn != nil {
		return a.ParseEventFn(payload)
	}
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, err
	}
	switch probe.Kind {
	case "message":
		inc, err := a.TransformIncoming(payload)
		if err != nil {
			return nil, err
		}
		return &bridge.Event{Type: bridge.EventMessage, Incoming: inc}, nil
	case "noop", "":
		return &bridge.Event{Type: bridge.EventNoop}, nil
	default:
		return &bridge.Event{Type: bridge.EventOther, Envelope: map[string]any{"kind": probe.Kind}}, nil
	}
}

func (a *FullAdapter) ListenerChildSpecs(bridgeID string, opts map[string]any) []bridge.ListenerSpec {
	return a.ListenerSpecs
}

func (a *FullAdapter) CheckHealth(ctx context.Context) error {
	if a.HealthFn != nil {
		return a.HealthFn(ctx)
	}
	return nil
}

func (a *FullAdapter) ProbeInterval() time.Duration {
	if a.Probe > 0 {
		return a.Probe
	}
	return time.Second
}

func (a *FullAdapter) ExtractThreadContext(inc *model.Incoming) (string, bool) {
	if v, ok := inc.Raw["thread_id"].(string); ok && v != "" {
		return v, true
	}
	return "", false
}

func (a *FullAdapter) ComputeThreadRoot(inc *model.Incoming) string {
	return inc.ExternalReplyToID
}

func (a *FullAdapter) ParseMentions(text string) []string {
	var out []string
	for _, w := range strings.Fields(text) {
		if strings.HasPrefix(w, "@") && len(w) > 1 {
			out = append(out, strings.TrimPrefix(w, "@"))
		}
	}
	return out
}

func (a *FullAdapter) StripMentions(text string) string {
	var kept []string
	for _, w := range strings.Fields(text) {
		if !strings.HasPrefix(w, "@") {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}

func (a *FullAdapter) WasMentioned(inc *model.Incoming, selfID string) bool {
	for _, m := range a.ParseMentions(inc.Text) {
		if m == selfID {
			return true
		}
	}
	return false
}

func (a *FullAdapter) ExtractCommandHint(text string) (string, bool) {
	if strings.HasPrefix(text, "/") {
		fields := strings.Fields(text)
		return strings.TrimPrefix(fields[0], "/"), true
	}
	return "", false
}

func (a *FullAdapter) VerifySender(ctx context.Context, inc *model.Incoming, raw []byte, opts map[string]any) (bridge.SenderClaim, error) {
	if a.VerifySenderFn != nil {
		return a.VerifySenderFn(ctx, inc, raw, opts)
	}
	return bridge.SenderClaim{SenderID: inc.ExternalUserID, Verified: true}, nil
}

func (a *FullAdapter) SanitizeOutbound(ctx context.Context, text string, opts map[string]any) (string, error) {
	if a.SanitizeFn != nil {
		return a.SanitizeFn(ctx, text, opts)
	}
	return text, nil
}
