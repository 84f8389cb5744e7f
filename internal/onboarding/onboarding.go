// Package onboarding runs per-flow state machines with persisted history.
// Each flow is owned by one worker goroutine; advances serialize through its
// mailbox, so idempotency checks never race.
package onboarding

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/fabric/internal/errors"
	"github.com/wudi/fabric/internal/logging"
	"github.com/wudi/fabric/internal/model"
	"github.com/wudi/fabric/internal/signal"
	"github.com/wudi/fabric/internal/storage"
)

// Transitions.
const (
	TransitionCancel           = "cancel"
	TransitionResolveDirectory = "resolve_directory"
	TransitionPairIdentity     = "pair_identity"
	TransitionComplete         = "complete"
)

// allowed maps each status onto its admissible transitions.
var allowed = map[model.OnboardingStatus][]string{
	model.OnboardingStarted:           {TransitionCancel, TransitionResolveDirectory},
	model.OnboardingDirectoryResolved: {TransitionCancel, TransitionPairIdentity},
	model.OnboardingPaired:            {TransitionCancel, TransitionComplete},
}

// target maps a transition onto the status it produces.
var target = map[string]model.OnboardingStatus{
	TransitionCancel:           model.OnboardingCancelled,
	TransitionResolveDirectory: model.OnboardingDirectoryResolved,
	TransitionPairIdentity:     model.OnboardingPaired,
	TransitionComplete:         model.OnboardingCompleted,
}

// Advanced is the result of one advance call.
type Advanced struct {
	Flow       *model.OnboardingFlow
	Transition string
	Idempotent bool
}

type advanceMsg struct {
	ctx            context.Context
	transition     string
	attrs          map[string]any
	idempotencyKey string
	done           chan advanceOutcome
}

type advanceOutcome struct {
	res *Advanced
	err error
}

type worker struct {
	id      string
	mailbox chan advanceMsg
	flow    *model.OnboardingFlow
}

// Manager starts, resumes and advances onboarding flows.
type Manager struct {
	store storage.Store
	bus   *signal.Bus

	mu      sync.Mutex
	workers map[string]*worker
	wg      sync.WaitGroup
	closed  bool
}

// NewManager creates a manager.
func NewManager(store storage.Store, bus *signal.Bus) *Manager {
	return &Manager{store: store, bus: bus, workers: make(map[string]*worker)}
}

// Close stops every flow worker after pending advances drain.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, w := range m.workers {
		close(w.mailbox)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Start creates a new flow at started.
func (m *Manager) Start(onboardingID string) (*model.OnboardingFlow, error) {
	if onboardingID == "" {
		return nil, errors.New(errors.ReasonInvalidOnboardingID)
	}
	flow := &model.OnboardingFlow{
		OnboardingID: onboardingID,
		Status:       model.OnboardingStarted,
	}
	if err := m.store.SaveOnboardingFlow(flow); err != nil {
		return nil, err
	}
	if _, err := m.ensureWorker(onboardingID, flow); err != nil {
		return nil, err
	}
	return flow, nil
}

// Resume rebuilds a flow worker from persisted state. Subsequent advances
// carrying already-applied idempotency keys are no-ops.
func (m *Manager) Resume(onboardingID string) (*model.OnboardingFlow, error) {
	flow, err := m.store.GetOnboardingFlow(onboardingID)
	if err != nil {
		return nil, errors.Wrap(errors.ReasonInvalidOnboardingID, err)
	}
	if _, err := m.ensureWorker(onboardingID, flow); err != nil {
		return nil, err
	}
	return flow, nil
}

// Get returns the persisted flow.
func (m *Manager) Get(onboardingID string) (*model.OnboardingFlow, error) {
	return m.store.GetOnboardingFlow(onboardingID)
}

// Advance applies one transition through the flow's worker.
func (m *Manager) Advance(ctx context.Context, onboardingID, transition string, attrs map[string]any, idempotencyKey string) (*Advanced, error) {
	m.mu.Lock()
	w, ok := m.workers[onboardingID]
	m.mu.Unlock()
	if !ok {
		if _, err := m.Resume(onboardingID); err != nil {
			return nil, err
		}
		m.mu.Lock()
		w = m.workers[onboardingID]
		m.mu.Unlock()
	}

	msg := advanceMsg{
		ctx:            ctx,
		transition:     transition,
		attrs:          attrs,
		idempotencyKey: idempotencyKey,
		done:           make(chan advanceOutcome, 1),
	}
	select {
	case w.mailbox <- msg:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case out := <-msg.done:
		return out.res, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) ensureWorker(id string, flow *model.OnboardingFlow) (*worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.Newf(errors.ReasonInvalidRequest, "onboarding manager closed")
	}
	if w, ok := m.workers[id]; ok {
		return w, nil
	}
	w := &worker{id: id, mailbox: make(chan advanceMsg, 8), flow: flow}
	m.workers[id] = w
	m.wg.Add(1)
	go m.run(w)
	return w, nil
}

func (m *Manager) run(w *worker) {
	defer m.wg.Done()
	for msg := range w.mailbox {
		res, err := m.apply(w, msg)
		msg.done <- advanceOutcome{res: res, err: err}
	}
}

func (m *Manager) apply(w *worker, msg advanceMsg) (*Advanced, error) {
	flow := w.flow

	if msg.idempotencyKey != "" {
		for _, tr := range flow.Transitions {
			if tr.IdempotencyKey == msg.idempotencyKey {
				return &Advanced{Flow: flow, Transition: tr.Transition, Idempotent: true}, nil
			}
		}
	}

	from := flow.Status
	if !transitionAllowed(from, msg.transition) {
		return nil, &errors.InvalidTransition{
			From:       string(from),
			Transition: msg.transition,
			Allowed:    append([]string(nil), allowed[from]...),
			Class:      "fatal",
		}
	}

	now := time.Now().UTC()
	next := target[msg.transition]
	flow.Status = next
	flow.Transitions = append(flow.Transitions, model.OnboardingTransition{
		Transition:     msg.transition,
		Status:         next,
		IdempotencyKey: msg.idempotencyKey,
		At:             now,
	})
	flow.SideEffects = append(flow.SideEffects, model.SideEffect{
		Kind:   msg.transition,
		Detail: msg.attrs,
		At:     now,
	})
	if next == model.OnboardingCompleted {
		flow.CompletionMetadata = msg.attrs
	}

	if err := m.store.SaveOnboardingFlow(flow); err != nil {
		return nil, err
	}

	m.bus.Emit(signal.EventOnboardingTransition,
		signal.Measurements{"count": 1},
		signal.Metadata{
			"onboarding_id": w.id,
			"from":          string(from),
			"to":            string(next),
			"transition":    msg.transition,
		},
	)
	logging.Debug("Onboarding transition applied",
		zap.String("onboarding_id", w.id),
		zap.String("from", string(from)),
		zap.String("to", string(next)),
	)
	return &Advanced{Flow: flow, Transition: msg.transition}, nil
}

func transitionAllowed(from model.OnboardingStatus, transition string) bool {
	for _, t := range allowed[from] {
		if t == transition {
			return true
		}
	}
	return false
}
