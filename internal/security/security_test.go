package security

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/wudi/fabric/internal/bridge"
	"github.com/wudi/fabric/internal/bridge/bridgetest"
	"github.com/wudi/fabric/internal/errors"
	"github.com/wudi/fabric/internal/model"
	"github.com/wudi/fabric/internal/signal"
)

func TestVerifySender_SkippedWithoutHook(t *testing.T) {
	c := NewChecker(Options{})
	res, err := c.VerifySender(context.Background(), &bridgetest.Adapter{}, &model.Incoming{ExternalUserID: "u1"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != "skipped" {
		t.Errorf("expected skipped, got %s", res.Decision)
	}
}

func TestVerifySender_ClaimMismatchDenies(t *testing.T) {
	adapter := &bridgetest.FullAdapter{
		VerifySenderFn: func(_ context.Context, _ *model.Incoming, _ []byte, _ map[string]any) (bridge.SenderClaim, error) {
			return bridge.SenderClaim{SenderID: "impostor", Verified: true}, nil
		},
	}
	c := NewChecker(Options{})
	_, err := c.VerifySender(context.Background(), adapter, &model.Incoming{ExternalUserID: "u1"}, nil, nil)
	var sd *errors.SecurityDenied
	if !stderrors.As(err, &sd) {
		t.Fatalf("expected security denial, got %v", err)
	}
	if sd.Reason != errors.ReasonSenderClaim || sd.Stage != "verify_sender" {
		t.Errorf("unexpected denial %+v", sd)
	}
}

func TestVerifySender_MatchingClaim(t *testing.T) {
	c := NewChecker(Options{})
	res, err := c.VerifySender(context.Background(), &bridgetest.FullAdapter{}, &model.Incoming{ExternalUserID: "u1"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != "verified" || res.SenderID != "u1" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestVerifySender_TimeoutPolicies(t *testing.T) {
	slow := &bridgetest.FullAdapter{
		VerifySenderFn: func(ctx context.Context, _ *model.Incoming, _ []byte, _ map[string]any) (bridge.SenderClaim, error) {
			<-ctx.Done()
			return bridge.SenderClaim{}, ctx.Err()
		},
	}
	inc := &model.Incoming{ExternalUserID: "u1"}

	deny := NewChecker(Options{Timeout: 20 * time.Millisecond, VerifyPolicy: PolicyDeny})
	_, err := deny.VerifySender(context.Background(), slow, inc, nil, nil)
	var sd *errors.SecurityDenied
	if !stderrors.As(err, &sd) || sd.Reason != errors.ReasonTimeout {
		t.Fatalf("expected timeout denial, got %v", err)
	}

	flag := NewChecker(Options{Timeout: 20 * time.Millisecond, VerifyPolicy: PolicyAllowWithFlag})
	res, err := flag.VerifySender(context.Background(), slow, inc, nil, nil)
	if err != nil {
		t.Fatalf("allow_with_flag must not deny: %v", err)
	}
	if res.Decision != "timeout_allowed" || len(res.Flags) != 1 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestSanitizeOutbound_DefaultWithoutHook(t *testing.T) {
	c := NewChecker(Options{})
	out, err := c.SanitizeOutbound(context.Background(), &bridgetest.Adapter{}, "hi @everyone\r\nline", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "hi @ everyone\nline" {
		t.Errorf("unexpected sanitized text %q", out)
	}
}

func TestSanitizeOutbound_AdapterHook(t *testing.T) {
	adapter := &bridgetest.FullAdapter{
		SanitizeFn: func(_ context.Context, text string, _ map[string]any) (string, error) {
			return "[" + text + "]", nil
		},
	}
	c := NewChecker(Options{})
	out, err := c.SanitizeOutbound(context.Background(), adapter, "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "[hello]" {
		t.Errorf("adapter hook not used, got %q", out)
	}
}

func TestSanitizeOutbound_TimeoutPolicies(t *testing.T) {
	slow := &bridgetest.FullAdapter{
		SanitizeFn: func(ctx context.Context, text string, _ map[string]any) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}

	keep := NewChecker(Options{Timeout: 20 * time.Millisecond, SanitizePolicy: PolicyAllowOriginal})
	out, err := keep.SanitizeOutbound(context.Background(), slow, "original", nil)
	if err != nil || out != "original" {
		t.Fatalf("allow_original should return input, got %q err=%v", out, err)
	}

	deny := NewChecker(Options{Timeout: 20 * time.Millisecond, SanitizePolicy: PolicyDeny})
	_, err = deny.SanitizeOutbound(context.Background(), slow, "original", nil)
	var sd *errors.SecurityDenied
	if !stderrors.As(err, &sd) || sd.Stage != "sanitize_outbound" {
		t.Fatalf("expected sanitize denial, got %v", err)
	}
}

func TestDefaultSanitize(t *testing.T) {
	cases := []struct{ in, want string }{
		{"@everyone wake up", "@ everyone wake up"},
		{"ping @here and @channel", "ping @ here and @ channel"},
		{"a\r\nb\rc", "a\nb\nc"},
		{"ctrl\x00\x07chars\ttab\nok", "ctrlchars\ttab\nok"},
		{"plain text", "plain text"},
	}
	for _, tc := range cases {
		if got := DefaultSanitize(tc.in); got != tc.want {
			t.Errorf("DefaultSanitize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSecurityDecisionTelemetry(t *testing.T) {
	bus := signal.NewBus()
	rec := signal.NewRecorder(bus)

	c := NewChecker(Options{Bus: bus})
	if _, err := c.VerifySender(context.Background(), &bridgetest.FullAdapter{}, &model.Incoming{ExternalUserID: "u1"}, nil, nil); err != nil {
		t.Fatal(err)
	}
	if rec.Count(signal.EventSecurityDecision) != 1 {
		t.Fatalf("expected 1 security decision event, got %d", rec.Count(signal.EventSecurityDecision))
	}
	ev := rec.Named(signal.EventSecurityDecision)[0]
	if ev.Metadata["stage"] != "verify_sender" || ev.Metadata["decision"] != "verified" {
		t.Errorf("unexpected event %+v", ev)
	}
}
