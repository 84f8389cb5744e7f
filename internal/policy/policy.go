// Package policy runs gating and moderation modules over inbound traffic.
// Modules execute sequentially, each under a bounded timer; a module that
// exceeds its timer is classified by the configured fallback.
package policy

import (
	"context"
	"time"

	"github.com/wudi/fabric/internal/errors"
	"github.com/wudi/fabric/internal/model"
	"github.com/wudi/fabric/internal/signal"
)

// TimeoutFallback classifies a module that exceeded its timer.
type TimeoutFallback string

const (
	FallbackDeny          TimeoutFallback = "deny"
	FallbackAllowWithFlag TimeoutFallback = "allow_with_flag"
)

// Verdict is a module's decision class.
type Verdict string

const (
	VerdictAllow  Verdict = "allow"
	VerdictDeny   Verdict = "deny"
	VerdictFlag   Verdict = "flag"
	VerdictModify Verdict = "modify"
	VerdictReject Verdict = "reject"
)

// Decision is a single module outcome. Message is set for modify verdicts.
type Decision struct {
	Verdict     Verdict
	Reason      string
	Description string
	Message     *model.Message
}

func Allow() Decision { return Decision{Verdict: VerdictAllow} }

func Deny(reason, description string) Decision {
	return Decision{Verdict: VerdictDeny, Reason: reason, Description: description}
}

func Flag(reason, description string) Decision {
	return Decision{Verdict: VerdictFlag, Reason: reason, Description: description}
}

func Modify(msg *model.Message) Decision {
	return Decision{Verdict: VerdictModify, Message: msg}
}

func Reject(reason, description string) Decision {
	return Decision{Verdict: VerdictReject, Reason: reason, Description: description}
}

// Context carries the inbound event a gater inspects.
type Context struct {
	Channel    string
	BridgeID   string
	InstanceID string
	Incoming   *model.Incoming
	Room       *model.Room
	Sender     *model.Participant
}

// Gater admits or denies an inbound event before it becomes a message.
// Valid verdicts are allow and deny; anything else counts as allow.
type Gater interface {
	Name() string
	Check(ctx context.Context, pc *Context) Decision
}

// Moderator inspects and may rewrite the canonical message. Valid verdicts
// are allow, flag, modify and reject.
type Moderator interface {
	Name() string
	Moderate(ctx context.Context, msg *model.Message, pc *Context) Decision
}

// GaterFunc adapts a function to the Gater interface.
type GaterFunc struct {
	ModuleName string
	Fn         func(ctx context.Context, pc *Context) Decision
}

func (g GaterFunc) Name() string { return g.ModuleName }

func (g GaterFunc) Check(ctx context.Context, pc *Context) Decision { return g.Fn(ctx, pc) }

// ModeratorFunc adapts a function to the Moderator interface.
type ModeratorFunc struct {
	ModuleName string
	Fn         func(ctx context.Context, msg *model.Message, pc *Context) Decision
}

func (m ModeratorFunc) Name() string { return m.ModuleName }

func (m ModeratorFunc) Moderate(ctx context.Context, msg *model.Message, pc *Context) Decision {
	return m.Fn(ctx, msg, pc)
}

// Options configures a pipeline.
type Options struct {
	GatingTimeout     time.Duration
	ModerationTimeout time.Duration
	TimeoutFallback   TimeoutFallback
	Bus               *signal.Bus
}

// Pipeline runs configured gaters then moderators in registration order.
type Pipeline struct {
	gaters     []Gater
	moderators []Moderator
	opts       Options
}

// NewPipeline creates an empty pipeline.
func NewPipeline(opts Options) *Pipeline {
	if opts.GatingTimeout <= 0 {
		opts.GatingTimeout = 2 * time.Second
	}
	if opts.ModerationTimeout <= 0 {
		opts.ModerationTimeout = 2 * time.Second
	}
	if opts.TimeoutFallback == "" {
		opts.TimeoutFallback = FallbackDeny
	}
	return &Pipeline{opts: opts}
}

// AddGater appends a gater. Order of registration is order of execution.
func (p *Pipeline) AddGater(g Gater) { p.gaters = append(p.gaters, g) }

// AddModerator appends a moderator.
func (p *Pipeline) AddModerator(m Moderator) { p.moderators = append(p.moderators, m) }

// RunGating executes gaters sequentially. The first deny short-circuits.
// Returned flags come from timed-out gaters under allow_with_flag.
func (p *Pipeline) RunGating(ctx context.Context, pc *Context) ([]string, error) {
	var flags []string
	for _, g := range p.gaters {
		d, elapsed, timedOut := runBounded(ctx, p.opts.GatingTimeout, func(c context.Context) Decision {
			return g.Check(c, pc)
		})
		if timedOut {
			if p.opts.TimeoutFallback == FallbackAllowWithFlag {
				flags = append(flags, "timeout:"+g.Name())
				p.emit("gating", g.Name(), "timeout_allowed", "timeout", elapsed)
				continue
			}
			p.emit("gating", g.Name(), "deny", errors.ReasonTimeout, elapsed)
			return flags, &errors.PolicyDenied{Stage: "gating", Reason: errors.ReasonTimeout, Description: "gater " + g.Name() + " timed out"}
		}
		if d.Verdict == VerdictDeny {
			p.emit("gating", g.Name(), "deny", d.Reason, elapsed)
			return flags, &errors.PolicyDenied{Stage: "gating", Reason: d.Reason, Description: d.Description}
		}
		p.emit("gating", g.Name(), "allow", "", elapsed)
	}
	return flags, nil
}

// RunModeration executes moderators sequentially. Modifications thread the
// rewritten message into the next moderator; rejections short-circuit.
func (p *Pipeline) RunModeration(ctx context.Context, msg *model.Message, pc *Context) (*model.Message, []string, error) {
	var flags []string
	for _, m := range p.moderators {
		current := msg
		d, elapsed, timedOut := runBounded(ctx, p.opts.ModerationTimeout, func(c context.Context) Decision {
			return m.Moderate(c, current, pc)
		})
		if timedOut {
			if p.opts.TimeoutFallback == FallbackAllowWithFlag {
				flags = append(flags, "timeout:"+m.Name())
				p.emit("moderation", m.Name(), "timeout_allowed", "timeout", elapsed)
				continue
			}
			p.emit("moderation", m.Name(), "reject", errors.ReasonTimeout, elapsed)
			return msg, flags, &errors.PolicyDenied{Stage: "moderation", Reason: errors.ReasonTimeout, Description: "moderator " + m.Name() + " timed out"}
		}
		switch d.Verdict {
		case VerdictReject:
			p.emit("moderation", m.Name(), "reject", d.Reason, elapsed)
			return msg, flags, &errors.PolicyDenied{Stage: "moderation", Reason: d.Reason, Description: d.Description}
		case VerdictFlag:
			flags = append(flags, d.Reason)
			p.emit("moderation", m.Name(), "flag", d.Reason, elapsed)
		case VerdictModify:
			if d.Message != nil {
				msg = d.Message
			}
			p.emit("moderation", m.Name(), "modify", "", elapsed)
		default:
			p.emit("moderation", m.Name(), "allow", "", elapsed)
		}
	}
	return msg, flags, nil
}

func (p *Pipeline) emit(stage, module, outcome, reason string, elapsed time.Duration) {
	p.opts.Bus.Emit(signal.EventPolicyDecision,
		signal.Measurements{"elapsed_ms": elapsed.Milliseconds()},
		signal.Metadata{"stage": stage, "policy_module": module, "outcome": outcome, "reason": reason},
	)
}

// runBounded invokes fn under a timer. The module goroutine keeps running
// after a timeout; its late result is discarded.
func runBounded(ctx context.Context, timeout time.Duration, fn func(context.Context) Decision) (Decision, time.Duration, bool) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	ch := make(chan Decision, 1)
	go func() { ch <- fn(cctx) }()

	select {
	case d := <-ch:
		return d, time.Since(start), false
	case <-cctx.Done():
		return Decision{}, time.Since(start), true
	}
}
