// Package outbound is the partitioned delivery gateway. Every request for
// the same (instance_id, external_room_id) lands on the same single-writer
// partition, which owns a bounded FIFO queue, a sent-idempotency cache and a
// pressure level derived from queue fill.
package outbound

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wudi/fabric/internal/bridge"
	"github.com/wudi/fabric/internal/config"
	"github.com/wudi/fabric/internal/errors"
	"github.com/wudi/fabric/internal/logging"
	"github.com/wudi/fabric/internal/model"
	"github.com/wudi/fabric/internal/security"
	"github.com/wudi/fabric/internal/signal"
)

// Operations accepted by the gateway.
const (
	OpSendMessage = "send_message"
	OpEditMessage = "edit_message"
	OpSendMedia   = "send_media"
	OpEditMedia   = "edit_media"
)

// Priority orders requests under shed pressure. Low priority requests are
// dropped first when shed_action is drop_low_priority.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Request is one outbound delivery.
type Request struct {
	Operation         string
	Channel           string
	InstanceID        string
	ExternalRoomID    string
	ExternalMessageID string
	Text              string
	FallbackText      string
	Media             []model.ContentBlock
	IdempotencyKey    string
	Priority          Priority
	Options           bridge.SendOptions
	SanitizeOpts      map[string]any
}

// Result is a completed delivery.
type Result struct {
	ExternalMessageID string
	Partition         int
	Duplicate         bool
	MediaFallback     bool
	FallbackMode      string
}

// AdapterResolver maps a (channel, instance) pair onto its adapter.
type AdapterResolver func(channel, instanceID string) (bridge.Adapter, error)

// DeadLetterSink captures terminally failed requests for replay.
type DeadLetterSink interface {
	Capture(dl *model.DeadLetter) (string, error)
}

// Options wires a gateway.
type Options struct {
	Config      config.OutboundConfig
	Resolve     AdapterResolver
	Security    *security.Checker
	DeadLetters DeadLetterSink
	Bus         *signal.Bus
}

type outcome struct {
	result *Result
	err    error
}

type work struct {
	ctx     context.Context
	req     *Request
	adapter bridge.Adapter
	key     string
	done    chan outcome
}

// Pressure levels, ordered.
const (
	levelNormal int32 = iota
	levelWarn
	levelDegraded
	levelShed
)

var levelNames = [...]string{"normal", "warn", "degraded", "shed"}

type partition struct {
	idx       int
	queue     chan *work
	sent      *expirable.LRU[string, *Result]
	level     atomic.Int32
	limiter   *rate.Limiter
	processed atomic.Int64
}

// Gateway owns the partitions and their workers.
type Gateway struct {
	opts  Options
	parts []*partition
	wg    sync.WaitGroup
	once  sync.Once
}

// NewGateway builds the partitions and starts one worker per partition.
func NewGateway(opts Options) *Gateway {
	cfg := &opts.Config
	if cfg.PartitionCount <= 0 {
		cfg.PartitionCount = 8
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	g := &Gateway{opts: opts, parts: make([]*partition, cfg.PartitionCount)}
	for i := range g.parts {
		p := &partition{
			idx:     i,
			queue:   make(chan *work, cfg.QueueCapacity),
			sent:    expirable.NewLRU[string, *Result](cfg.SentCacheSize, nil, cfg.SentCacheTTL),
			limiter: rate.NewLimiter(rate.Every(cfg.DegradedThrottle), 1),
		}
		g.parts[i] = p
		g.wg.Add(1)
		go g.worker(p)
	}
	logging.Info("Outbound gateway started",
		zap.Int("partitions", cfg.PartitionCount),
		zap.Int("queue_capacity", cfg.QueueCapacity),
	)
	return g
}

// Close drains no further work; queued requests finish.
func (g *Gateway) Close() {
	g.once.Do(func() {
		for _, p := range g.parts {
			close(p.queue)
		}
	})
	g.wg.Wait()
}

// Processed returns the total number of requests dispatched across all
// partitions.
func (g *Gateway) Processed() int64 {
	var n int64
	for _, p := range g.parts {
		n += p.processed.Load()
	}
	return n
}

// SendMessage delivers text to an external room.
func (g *Gateway) SendMessage(ctx context.Context, req *Request) (*Result, error) {
	req.Operation = OpSendMessage
	return g.submit(ctx, req)
}

// EditMessage edits a previously sent message. The external message id is
// mandatory; without it the request is terminal before it enqueues.
func (g *Gateway) EditMessage(ctx context.Context, req *Request) (*Result, error) {
	req.Operation = OpEditMessage
	if req.ExternalMessageID == "" {
		return nil, g.terminalNow(req, errors.ReasonMissingExternalID)
	}
	return g.submit(ctx, req)
}

// SendMedia delivers media blocks, falling back to text when the channel
// cannot carry them and the fallback policy allows.
func (g *Gateway) SendMedia(ctx context.Context, req *Request) (*Result, error) {
	req.Operation = OpSendMedia
	return g.submit(ctx, req)
}

// EditMedia replaces media on a previously sent message.
func (g *Gateway) EditMedia(ctx context.Context, req *Request) (*Result, error) {
	req.Operation = OpEditMedia
	if req.ExternalMessageID == "" {
		return nil, g.terminalNow(req, errors.ReasonMissingExternalID)
	}
	return g.submit(ctx, req)
}

func (g *Gateway) terminalNow(req *Request, reason string) *Error {
	return &Error{
		Reason:      reason,
		Category:    CategoryTerminal,
		Disposition: DispositionTerminal,
		Attempt:     0,
		MaxAttempts: g.opts.Config.MaxAttempts,
	}
}

// Partition returns the partition index for a routing pair.
func (g *Gateway) Partition(instanceID, externalRoomID string) int {
	h := xxhash.Sum64String(instanceID + "|" + externalRoomID)
	return int(h % uint64(len(g.parts)))
}

func (g *Gateway) submit(ctx context.Context, req *Request) (*Result, error) {
	adapter, err := g.opts.Resolve(req.Channel, req.InstanceID)
	if err != nil {
		reason, _ := Classify(err)
		e := g.terminalNow(req, reason)
		e.cause = err
		return nil, e
	}

	p := g.parts[g.Partition(req.InstanceID, req.ExternalRoomID)]
	key := g.idempotencyKey(req)

	if cached, ok := p.sent.Get(key); ok {
		g.opts.Bus.Emit(signal.EventDeliverySkippedDup,
			signal.Measurements{"count": 1},
			signal.Metadata{"operation": req.Operation, "partition": p.idx, "idempotency_key": key},
		)
		dup := *cached
		dup.Duplicate = true
		return &dup, nil
	}

	if err := g.applyPressure(ctx, p, req); err != nil {
		return nil, err
	}

	w := &work{ctx: ctx, req: req, adapter: adapter, key: key, done: make(chan outcome, 1)}
	select {
	case p.queue <- w:
	default:
		return nil, &Error{
			Reason:      errors.ReasonQueueFull,
			Category:    CategoryTerminal,
			Disposition: DispositionTerminal,
			MaxAttempts: g.opts.Config.MaxAttempts,
		}
	}

	select {
	case out := <-w.done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, &Error{
			Reason:      errors.ReasonTimeout,
			Category:    CategoryRetryable,
			Disposition: DispositionTerminal,
			MaxAttempts: g.opts.Config.MaxAttempts,
			cause:       ctx.Err(),
		}
	}
}

// applyPressure evaluates the partition's fill level before admission and
// applies the configured shed or degraded action.
func (g *Gateway) applyPressure(ctx context.Context, p *partition, req *Request) error {
	cfg := g.opts.Config
	fill := float64(len(p.queue)) / float64(cfg.QueueCapacity)

	level := levelNormal
	switch {
	case fill >= cfg.ShedRatio:
		level = levelShed
	case fill >= cfg.DegradedRatio:
		level = levelDegraded
	case fill >= cfg.WarnRatio:
		level = levelWarn
	}

	if prev := p.level.Swap(level); prev != level {
		g.opts.Bus.Emit(signal.EventPressureTransition,
			signal.Measurements{"fill_percent": int64(fill * 100)},
			signal.Metadata{"partition": p.idx, "from": levelNames[prev], "to": levelNames[level]},
		)
	}

	switch level {
	case levelShed:
		if cfg.ShedAction == "drop_low_priority" && req.Priority > PriorityLow {
			return nil
		}
		g.emitAction(p, cfg.ShedAction, "shed")
		return &Error{
			Reason:      errors.ReasonLoadShed,
			Category:    CategoryTerminal,
			Disposition: DispositionTerminal,
			MaxAttempts: cfg.MaxAttempts,
		}
	case levelDegraded:
		if cfg.DegradedAction == "throttle" {
			g.emitAction(p, "throttle", "degraded")
			if err := p.limiter.Wait(ctx); err != nil {
				return &Error{
					Reason:      errors.ReasonTimeout,
					Category:    CategoryRetryable,
					Disposition: DispositionTerminal,
					MaxAttempts: cfg.MaxAttempts,
					cause:       err,
				}
			}
		}
	}
	return nil
}

func (g *Gateway) emitAction(p *partition, action, level string) {
	g.opts.Bus.Emit(signal.EventPressureAction,
		signal.Measurements{"count": 1},
		signal.Metadata{"partition": p.idx, "action": action, "level": level},
	)
}

// idempotencyKey is the caller's key, or a derived (operation, target)
// fingerprint when the caller supplied none.
func (g *Gateway) idempotencyKey(req *Request) string {
	if req.IdempotencyKey != "" {
		return req.IdempotencyKey
	}
	if req.ExternalMessageID != "" {
		return req.Operation + "|" + req.ExternalMessageID
	}
	d := xxhash.New()
	d.WriteString(req.Channel)
	d.WriteString("|")
	d.WriteString(req.InstanceID)
	d.WriteString("|")
	d.WriteString(req.ExternalRoomID)
	d.WriteString("|")
	d.WriteString(req.Text)
	for _, b := range req.Media {
		d.WriteString("|")
		d.WriteString(string(b.Type))
		d.WriteString(b.URL)
		d.WriteString(b.Name)
	}
	return req.Operation + "|" + uitoa(d.Sum64())
}

func uitoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	for v > 0 {
		i--
		b[i] = byte('0' + v%10)
		v /= 10
	}
	return string(b[i:])
}

func (g *Gateway) worker(p *partition) {
	defer g.wg.Done()
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(p.idx)))
	for w := range p.queue {
		res, err := g.process(w, p, rng)
		p.processed.Add(1)
		w.done <- outcome{result: res, err: err}
	}
}

func (g *Gateway) process(w *work, p *partition, rng *rand.Rand) (*Result, error) {
	req := w.req
	cfg := g.opts.Config

	text := req.Text
	if g.opts.Security != nil && text != "" {
		sanitized, err := g.opts.Security.SanitizeOutbound(w.ctx, w.adapter, text, req.SanitizeOpts)
		if err != nil {
			return nil, g.fail(w, p, err, 1)
		}
		text = sanitized
	}

	result := &Result{Partition: p.idx}
	operation := req.Operation

	if operation == OpSendMedia || operation == OpEditMedia {
		if err := preflightMedia(w.adapter, req.Media); err != nil {
			if cfg.UnsupportedPolicy == "fallback_text" && operation == OpSendMedia {
				fallback := req.FallbackText
				if fallback == "" {
					fallback = text
				}
				text = fallback
				operation = OpSendMessage
				result.MediaFallback = true
				result.FallbackMode = "text_send"
				g.opts.Bus.Emit(signal.EventMediaFallback,
					signal.Measurements{"count": 1},
					signal.Metadata{"partition": p.idx, "fallback_mode": "text_send"},
				)
			} else {
				return nil, g.fail(w, p, err, 1)
			}
		}
	}

	var (
		lastErr error
		attempt int
	)
	for attempt = 1; attempt <= cfg.MaxAttempts; attempt++ {
		sr, err := g.dispatch(w, operation, text)
		if err == nil {
			result.ExternalMessageID = sr.MessageID
			p.sent.Add(w.key, result)
			g.opts.Bus.Emit(signal.EventOutboundCompleted,
				signal.Measurements{"attempts": int64(attempt)},
				signal.Metadata{"operation": operation, "partition": p.idx},
			)
			return result, nil
		}
		lastErr = err

		reason, category := Classify(err)
		g.opts.Bus.Emit(signal.EventOutboundClassifiedError,
			signal.Measurements{"attempt": int64(attempt)},
			signal.Metadata{"operation": operation, "reason": reason, "category": string(category)},
		)
		if category == CategoryTerminal {
			break
		}
		if attempt < cfg.MaxAttempts {
			sleepCtx(w.ctx, fullJitter(rng, cfg.BaseBackoff, cfg.MaxBackoff, attempt))
		}
	}
	if attempt > cfg.MaxAttempts {
		attempt = cfg.MaxAttempts
	}
	return nil, g.fail(w, p, lastErr, attempt)
}

func (g *Gateway) dispatch(w *work, operation, text string) (*bridge.SendResult, error) {
	ctx, cancel := context.WithTimeout(w.ctx, g.opts.Config.DispatchTimeout)
	defer cancel()

	req := w.req
	switch operation {
	case OpSendMessage:
		return w.adapter.SendMessage(ctx, req.ExternalRoomID, text, req.Options)
	case OpEditMessage:
		es, ok := w.adapter.(bridge.EditSender)
		if !ok {
			return nil, errors.Newf(errors.ReasonMissingCallback, "adapter cannot edit messages")
		}
		return es.EditMessage(ctx, req.ExternalRoomID, req.ExternalMessageID, text, req.Options)
	case OpSendMedia:
		ms := w.adapter.(bridge.MediaSender)
		return ms.SendMedia(ctx, req.ExternalRoomID, req.Media, req.Options)
	case OpEditMedia:
		me, ok := w.adapter.(bridge.MediaEditor)
		if !ok {
			return nil, errors.Newf(errors.ReasonMissingCallback, "adapter cannot edit media")
		}
		return me.EditMedia(ctx, req.ExternalRoomID, req.ExternalMessageID, req.Media, req.Options)
	default:
		return nil, errors.Newf(errors.ReasonInvalidRequest, "unknown operation %s", operation)
	}
}

// fail finalizes a failed request: classify, capture a dead letter, build
// the typed error.
func (g *Gateway) fail(w *work, p *partition, cause error, attempt int) *Error {
	reason, category := Classify(cause)
	disposition := DispositionTerminal
	if category == CategoryRetryable {
		disposition = DispositionRetry
	}
	e := &Error{
		Reason:      reason,
		Category:    category,
		Disposition: disposition,
		Attempt:     attempt,
		MaxAttempts: g.opts.Config.MaxAttempts,
		cause:       cause,
	}
	if g.opts.DeadLetters != nil {
		req := w.req
		dl := &model.DeadLetter{
			BridgeID:    req.InstanceID,
			Reason:      reason,
			Category:    string(category),
			Disposition: disposition,
			Request: model.DeadLetterRequest{
				Operation:         req.Operation,
				Channel:           req.Channel,
				InstanceID:        req.InstanceID,
				ExternalRoomID:    req.ExternalRoomID,
				ExternalMessageID: req.ExternalMessageID,
				Text:              req.Text,
				Media:             req.Media,
				IdempotencyKey:    w.key,
			},
			Replay:    model.ReplayState{Status: model.ReplayNever},
			CreatedAt: time.Now().UTC(),
		}
		if id, err := g.opts.DeadLetters.Capture(dl); err == nil {
			e.DeadLetterID = id
		} else {
			logging.Warn("Dead letter capture failed", zap.Error(err))
		}
	}
	return e
}

// preflightMedia checks capability, callback presence and per-item size
// limits before a media dispatch.
func preflightMedia(adapter bridge.Adapter, media []model.ContentBlock) error {
	ms, ok := adapter.(bridge.MediaSender)
	if !ok {
		return &errors.UnsupportedMedia{Kind: "media", Causes: []string{"callback_missing"}}
	}
	limits := ms.MediaLimits()
	for _, b := range media {
		var causes []string
		if !limits.Supports(b.Type) {
			causes = append(causes, "capability_missing")
		}
		if limits.MaxSizeBytes > 0 && b.SizeBytes > limits.MaxSizeBytes {
			causes = append(causes, "size_over_limit")
		}
		if len(causes) > 0 {
			return &errors.UnsupportedMedia{Kind: string(b.Type), Causes: causes}
		}
	}
	return nil
}

// fullJitter picks a uniform delay in [base, min(max, base*2^(attempt-1))].
func fullJitter(rng *rand.Rand, base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	ceiling := base << uint(attempt-1)
	if ceiling > max || ceiling <= 0 {
		ceiling = max
	}
	if ceiling <= base {
		return base
	}
	return base + time.Duration(rng.Int63n(int64(ceiling-base)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
