// Package webhook is the inbound entry: it resolves the target bridge,
// authenticates and parses the payload, deduplicates by external message id
// and hands messages to ingest.
package webhook

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/fabric/internal/bridge"
	"github.com/wudi/fabric/internal/dedupe"
	"github.com/wudi/fabric/internal/errors"
	"github.com/wudi/fabric/internal/ingest"
	"github.com/wudi/fabric/internal/logging"
	"github.com/wudi/fabric/internal/model"
	"github.com/wudi/fabric/internal/signal"
)

// Result kinds.
const (
	KindNoop      = "noop"
	KindEvent     = "event"
	KindDuplicate = "duplicate"
	KindMessage   = "message"
)

// Request pairs the HTTP request with its already-read body so the
// adapter's verifier sees both.
type Request struct {
	HTTP *http.Request
	Body []byte
}

// Result is the outcome of routing one payload.
type Result struct {
	Kind     string
	Envelope map[string]any
	Message  *model.Message
	Context  *ingest.Context
}

// Options wires an entry.
type Options struct {
	Registry  *bridge.Registry
	Configs   *bridge.ConfigStore
	Deduper   dedupe.Deduper
	DedupeTTL time.Duration
	Ingestor  *ingest.Ingestor
	Bus       *signal.Bus
}

// Entry routes inbound payloads and webhook requests.
type Entry struct {
	opts Options
}

// NewEntry creates an entry.
func NewEntry(opts Options) *Entry {
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = 10 * time.Minute
	}
	return &Entry{opts: opts}
}

// RoutePayload routes a raw platform payload that arrived outside the HTTP
// surface, e.g. from a polling listener.
func (e *Entry) RoutePayload(ctx context.Context, bridgeID string, payload []byte, opts map[string]any) (*Result, error) {
	adapter, err := e.resolve(bridgeID)
	if err != nil {
		return nil, err
	}
	return e.dispatch(ctx, adapter, bridgeID, payload, opts)
}

// RouteWebhook routes an authenticated webhook request. Verification
// failures from the adapter surface verbatim.
func (e *Entry) RouteWebhook(ctx context.Context, bridgeID string, req *Request, opts map[string]any) (*Result, error) {
	adapter, err := e.resolve(bridgeID)
	if err != nil {
		return nil, err
	}
	if v, ok := adapter.(bridge.WebhookVerifier); ok {
		if err := v.VerifyWebhook(req.HTTP, req.Body, opts); err != nil {
			return nil, err
		}
	}
	return e.dispatch(ctx, adapter, bridgeID, req.Body, opts)
}

func (e *Entry) resolve(bridgeID string) (bridge.Adapter, error) {
	cfg, err := e.opts.Configs.Get(bridgeID)
	if err != nil {
		return nil, errors.Newf(errors.ReasonBridgeNotFound, "bridge %s", bridgeID)
	}
	if !cfg.Enabled {
		return nil, errors.Newf(errors.ReasonBridgeDisabled, "bridge %s", bridgeID)
	}
	adapter, err := e.opts.Registry.Adapter(bridgeID)
	if err != nil {
		return nil, errors.Wrap(errors.ReasonMissingAdapter, err)
	}
	return adapter, nil
}

func (e *Entry) dispatch(ctx context.Context, adapter bridge.Adapter, bridgeID string, payload []byte, opts map[string]any) (*Result, error) {
	var inc *model.Incoming

	if p, ok := adapter.(bridge.EventParser); ok {
		ev, err := p.ParseEvent(payload)
		if err != nil {
			return nil, err
		}
		switch ev.Type {
		case bridge.EventNoop:
			return &Result{Kind: KindNoop}, nil
		case bridge.EventOther:
			return &Result{Kind: KindEvent, Envelope: ev.Envelope}, nil
		}
		inc = ev.Incoming
	} else {
		var err error
		inc, err = adapter.TransformIncoming(payload)
		if err != nil {
			return nil, err
		}
	}

	if inc.ExternalMessageID != "" {
		fresh, err := e.opts.Deduper.CheckAndMark(ctx, dedupe.Key{
			Channel:           adapter.ChannelType(),
			BridgeID:          bridgeID,
			ExternalMessageID: inc.ExternalMessageID,
		}, e.opts.DedupeTTL)
		if err != nil {
			return nil, err
		}
		if !fresh {
			logging.Debug("Duplicate payload dropped",
				zap.String("bridge_id", bridgeID),
				zap.String("external_message_id", inc.ExternalMessageID),
			)
			return &Result{Kind: KindDuplicate}, nil
		}
	}

	msg, ic, err := e.opts.Ingestor.IngestIncoming(ctx, adapter, bridgeID, inc, payload, opts)
	if err != nil {
		return nil, err
	}
	return &Result{Kind: KindMessage, Message: msg, Context: ic}, nil
}

// reasonOf extracts the taxonomy reason from an entry error.
func reasonOf(err error) string {
	var fe *errors.Error
	if stderrors.As(err, &fe) {
		return fe.Reason
	}
	return ""
}
