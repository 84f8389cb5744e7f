package onboarding

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/wudi/fabric/internal/errors"
	"github.com/wudi/fabric/internal/model"
	"github.com/wudi/fabric/internal/signal"
	"github.com/wudi/fabric/internal/storage"
)

func newManager(t *testing.T) (*Manager, storage.Store, *signal.Recorder) {
	t.Helper()
	bus := signal.NewBus()
	rec := signal.NewRecorder(bus)
	st := storage.NewMemoryStore()
	m := NewManager(st, bus)
	t.Cleanup(m.Close)
	return m, st, rec
}

func TestAdvance_HappyPath(t *testing.T) {
	m, _, rec := newManager(t)
	if _, err := m.Start("ob-1"); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	steps := []struct {
		transition string
		want       model.OnboardingStatus
	}{
		{TransitionResolveDirectory, model.OnboardingDirectoryResolved},
		{TransitionPairIdentity, model.OnboardingPaired},
		{TransitionComplete, model.OnboardingCompleted},
	}
	for _, s := range steps {
		res, err := m.Advance(ctx, "ob-1", s.transition, map[string]any{"step": s.transition}, "")
		if err != nil {
			t.Fatalf("%s: %v", s.transition, err)
		}
		if res.Flow.Status != s.want {
			t.Fatalf("%s: status %s, want %s", s.transition, res.Flow.Status, s.want)
		}
	}

	flow, err := m.Get("ob-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(flow.Transitions) != 3 || len(flow.SideEffects) != 3 {
		t.Errorf("expected 3 transitions and side effects, got %d/%d",
			len(flow.Transitions), len(flow.SideEffects))
	}
	if flow.CompletionMetadata["step"] != TransitionComplete {
		t.Errorf("completion metadata not recorded: %+v", flow.CompletionMetadata)
	}
	if rec.Count(signal.EventOnboardingTransition) != 3 {
		t.Errorf("expected 3 transition signals, got %d", rec.Count(signal.EventOnboardingTransition))
	}
}

func TestAdvance_IdempotencyKey(t *testing.T) {
	m, _, _ := newManager(t)
	if _, err := m.Start("ob-1"); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	first, err := m.Advance(ctx, "ob-1", TransitionResolveDirectory, nil, "key-1")
	if err != nil {
		t.Fatal(err)
	}
	if first.Idempotent {
		t.Fatal("first advance must not be idempotent")
	}

	second, err := m.Advance(ctx, "ob-1", TransitionResolveDirectory, nil, "key-1")
	if err != nil {
		t.Fatal(err)
	}
	if !second.Idempotent {
		t.Error("repeated key should short-circuit")
	}
	if second.Flow.Status != model.OnboardingDirectoryResolved {
		t.Errorf("flow must be unchanged, got status %s", second.Flow.Status)
	}
	if len(second.Flow.Transitions) != 1 || len(second.Flow.SideEffects) != 1 {
		t.Errorf("exactly one transition and side effect expected, got %d/%d",
			len(second.Flow.Transitions), len(second.Flow.SideEffects))
	}
}

func TestAdvance_InvalidTransition(t *testing.T) {
	m, _, _ := newManager(t)
	if _, err := m.Start("ob-1"); err != nil {
		t.Fatal(err)
	}

	_, err := m.Advance(context.Background(), "ob-1", TransitionComplete, nil, "")
	var it *errors.InvalidTransition
	if !stderrors.As(err, &it) {
		t.Fatalf("expected invalid_transition, got %v", err)
	}
	if it.From != string(model.OnboardingStarted) || it.Class != "fatal" {
		t.Errorf("unexpected error detail %+v", it)
	}
	if len(it.Allowed) != 2 {
		t.Errorf("allowed set for started should have 2 entries, got %v", it.Allowed)
	}
}

func TestAdvance_TerminalStatusRejects(t *testing.T) {
	m, _, _ := newManager(t)
	if _, err := m.Start("ob-1"); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if _, err := m.Advance(ctx, "ob-1", TransitionCancel, nil, ""); err != nil {
		t.Fatal(err)
	}
	_, err := m.Advance(ctx, "ob-1", TransitionResolveDirectory, nil, "")
	var it *errors.InvalidTransition
	if !stderrors.As(err, &it) {
		t.Fatalf("expected invalid_transition after cancel, got %v", err)
	}
	if len(it.Allowed) != 0 {
		t.Errorf("cancelled flows admit nothing, got %v", it.Allowed)
	}
}

func TestResume_RebuildsFromStore(t *testing.T) {
	bus := signal.NewBus()
	st := storage.NewMemoryStore()

	m1 := NewManager(st, bus)
	if _, err := m1.Start("ob-1"); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := m1.Advance(ctx, "ob-1", TransitionResolveDirectory, nil, "key-1"); err != nil {
		t.Fatal(err)
	}
	m1.Close()

	// A fresh manager over the same store resumes where the first stopped.
	m2 := NewManager(st, bus)
	t.Cleanup(m2.Close)
	flow, err := m2.Resume("ob-1")
	if err != nil {
		t.Fatal(err)
	}
	if flow.Status != model.OnboardingDirectoryResolved {
		t.Fatalf("resumed status %s", flow.Status)
	}

	// The already-applied key still short-circuits after resume.
	res, err := m2.Advance(ctx, "ob-1", TransitionResolveDirectory, nil, "key-1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Idempotent {
		t.Error("resume must preserve idempotency history")
	}

	res, err = m2.Advance(ctx, "ob-1", TransitionPairIdentity, nil, "key-2")
	if err != nil {
		t.Fatal(err)
	}
	if res.Flow.Status != model.OnboardingPaired {
		t.Errorf("unexpected status %s", res.Flow.Status)
	}
}

func TestResume_Unknown(t *testing.T) {
	m, _, _ := newManager(t)
	if _, err := m.Resume("ghost"); err == nil {
		t.Fatal("expected error for unknown flow")
	}
}

func TestAdvance_AutoResume(t *testing.T) {
	m, st, _ := newManager(t)
	// Persisted flow with no live worker; Advance resumes it transparently.
	if err := st.SaveOnboardingFlow(&model.OnboardingFlow{
		OnboardingID: "ob-9",
		Status:       model.OnboardingStarted,
	}); err != nil {
		t.Fatal(err)
	}

	res, err := m.Advance(context.Background(), "ob-9", TransitionResolveDirectory, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Flow.Status != model.OnboardingDirectoryResolved {
		t.Errorf("unexpected status %s", res.Flow.Status)
	}
}
