// Package security runs the verify-sender and sanitize-outbound hooks
// around bridge adapters. Both hooks are timeout-bounded; the configured
// policy decides whether a timeout denies or degrades.
package security

import (
	"context"
	"strings"
	"time"

	"github.com/wudi/fabric/internal/bridge"
	"github.com/wudi/fabric/internal/errors"
	"github.com/wudi/fabric/internal/model"
	"github.com/wudi/fabric/internal/signal"
)

// Timeout policies.
const (
	PolicyDeny          = "deny"
	PolicyAllowWithFlag = "allow_with_flag"
	PolicyAllowOriginal = "allow_original"
)

// VerifyResult is the verdict recorded under metadata.security.verify.
type VerifyResult struct {
	Decision string // "verified", "unverified", "skipped", "timeout_allowed"
	SenderID string
	Flags    []string
}

// Options configures the verifier/sanitizer pair.
type Options struct {
	Timeout        time.Duration
	VerifyPolicy   string // deny or allow_with_flag
	SanitizePolicy string // deny or allow_original
	Bus            *signal.Bus
}

// Checker applies the security hooks for one bridge adapter.
type Checker struct {
	opts Options
}

// NewChecker creates a checker with the configured timeout policies.
func NewChecker(opts Options) *Checker {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	if opts.VerifyPolicy == "" {
		opts.VerifyPolicy = PolicyDeny
	}
	if opts.SanitizePolicy == "" {
		opts.SanitizePolicy = PolicyAllowOriginal
	}
	return &Checker{opts: opts}
}

// VerifySender asks the adapter for a sender claim and checks it against the
// incoming external user id. Adapters without the hook are skipped. A claim
// naming a different sender denies with sender_claim_mismatch.
func (c *Checker) VerifySender(ctx context.Context, adapter bridge.Adapter, inc *model.Incoming, raw []byte, opts map[string]any) (*VerifyResult, error) {
	verifier, ok := adapter.(bridge.SenderVerifier)
	if !ok {
		return &VerifyResult{Decision: "skipped"}, nil
	}

	cctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	type outcome struct {
		claim bridge.SenderClaim
		err   error
	}
	ch := make(chan outcome, 1)
	go func() {
		claim, err := verifier.VerifySender(cctx, inc, raw, opts)
		ch <- outcome{claim, err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			c.emit("verify_sender", "deny", out.err.Error())
			return nil, &errors.SecurityDenied{Stage: "verify_sender", Reason: "verify_failed", Description: out.err.Error()}
		}
		if out.claim.SenderID != "" && out.claim.SenderID != inc.ExternalUserID {
			c.emit("verify_sender", "deny", errors.ReasonSenderClaim)
			return nil, &errors.SecurityDenied{
				Stage:       "verify_sender",
				Reason:      errors.ReasonSenderClaim,
				Description: "claimed sender " + out.claim.SenderID + " does not match " + inc.ExternalUserID,
			}
		}
		decision := "unverified"
		if out.claim.Verified {
			decision = "verified"
		}
		c.emit("verify_sender", decision, "")
		return &VerifyResult{Decision: decision, SenderID: out.claim.SenderID}, nil
	case <-cctx.Done():
		if c.opts.VerifyPolicy == PolicyAllowWithFlag {
			c.emit("verify_sender", "timeout_allowed", errors.ReasonTimeout)
			return &VerifyResult{Decision: "timeout_allowed", Flags: []string{"timeout:verify_sender"}}, nil
		}
		c.emit("verify_sender", "deny", errors.ReasonTimeout)
		return nil, &errors.SecurityDenied{Stage: "verify_sender", Reason: errors.ReasonTimeout, Description: "verify_sender timed out"}
	}
}

// SanitizeOutbound rewrites outbound text. Adapters that implement the hook
// own the rules; everyone else gets the default channel-neutral sanitizer.
// A sanitizer timeout yields the original text under allow_original.
func (c *Checker) SanitizeOutbound(ctx context.Context, adapter bridge.Adapter, text string, opts map[string]any) (string, error) {
	sanitizer, ok := adapter.(bridge.OutboundSanitizer)
	if !ok {
		return DefaultSanitize(text), nil
	}

	cctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	type outcome struct {
		text string
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		out, err := sanitizer.SanitizeOutbound(cctx, text, opts)
		ch <- outcome{out, err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			c.emit("sanitize_outbound", "deny", out.err.Error())
			return "", &errors.SecurityDenied{Stage: "sanitize_outbound", Reason: "sanitize_failed", Description: out.err.Error()}
		}
		c.emit("sanitize_outbound", "sanitized", "")
		return out.text, nil
	case <-cctx.Done():
		if c.opts.SanitizePolicy == PolicyAllowOriginal {
			c.emit("sanitize_outbound", "timeout_allowed", errors.ReasonTimeout)
			return text, nil
		}
		c.emit("sanitize_outbound", "deny", errors.ReasonTimeout)
		return "", &errors.SecurityDenied{Stage: "sanitize_outbound", Reason: errors.ReasonTimeout, Description: "sanitize_outbound timed out"}
	}
}

func (c *Checker) emit(stage, decision, reason string) {
	c.opts.Bus.Emit(signal.EventSecurityDecision,
		signal.Measurements{"count": 1},
		signal.Metadata{"stage": stage, "decision": decision, "reason": reason},
	)
}

var massMentions = []string{"@everyone", "@here", "@all", "@channel"}

// DefaultSanitize applies the deterministic channel-neutral rules: mass
// mentions are neutralized by inserting a space after the @, CRLF becomes
// LF, and control characters other than newline and tab are stripped.
func DefaultSanitize(text string) string {
	for _, m := range massMentions {
		neutral := "@ " + strings.TrimPrefix(m, "@")
		text = strings.ReplaceAll(text, m, neutral)
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r < 0x20 && r != '\n' && r != '\t' {
			continue
		}
		if r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
