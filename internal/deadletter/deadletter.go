// Package deadletter persists terminally failed outbound requests and
// replays them through the gateway with their original idempotency keys.
package deadletter

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wudi/fabric/internal/errors"
	"github.com/wudi/fabric/internal/logging"
	"github.com/wudi/fabric/internal/model"
	"github.com/wudi/fabric/internal/outbound"
	"github.com/wudi/fabric/internal/signal"
	"github.com/wudi/fabric/internal/storage"
)

// Store is the bounded dead-letter store. It satisfies the gateway's
// capture sink; overflow discards the oldest record.
type Store struct {
	store      storage.Store
	maxRecords int
	bus        *signal.Bus

	mu    sync.Mutex
	order []string // capture order, oldest first
}

// NewStore wraps the storage contract with a record cap.
func NewStore(st storage.Store, maxRecords int, bus *signal.Bus) *Store {
	if maxRecords <= 0 {
		maxRecords = 1000
	}
	return &Store{store: st, maxRecords: maxRecords, bus: bus}
}

// Capture persists a dead letter and returns its id.
func (s *Store) Capture(dl *model.DeadLetter) (string, error) {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}
	if dl.Replay.Status == "" {
		dl.Replay.Status = model.ReplayNever
	}
	if err := s.store.SaveDeadLetter(dl); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.order = append(s.order, dl.ID)
	var dropped []string
	for len(s.order) > s.maxRecords {
		dropped = append(dropped, s.order[0])
		s.order = s.order[1:]
	}
	s.mu.Unlock()

	for _, id := range dropped {
		if err := s.store.DeleteDeadLetter(id); err != nil {
			logging.Warn("Dead letter overflow delete failed", zap.String("id", id), zap.Error(err))
		}
	}

	s.bus.Emit(signal.EventDeadLetterCaptured,
		signal.Measurements{"count": 1},
		signal.Metadata{"id": dl.ID, "bridge_id": dl.BridgeID, "reason": dl.Reason},
	)
	return dl.ID, nil
}

// Get returns a captured record.
func (s *Store) Get(id string) (*model.DeadLetter, error) {
	return s.store.GetDeadLetter(id)
}

// Len returns the number of retained records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Dispatcher re-executes captured requests. The outbound gateway satisfies
// this.
type Dispatcher interface {
	SendMessage(ctx context.Context, req *outbound.Request) (*outbound.Result, error)
	EditMessage(ctx context.Context, req *outbound.Request) (*outbound.Result, error)
	SendMedia(ctx context.Context, req *outbound.Request) (*outbound.Result, error)
	EditMedia(ctx context.Context, req *outbound.Request) (*outbound.Result, error)
}

// ReplayResult reports a replay call.
type ReplayResult struct {
	Status            model.ReplayStatus
	AlreadyReplayed   bool
	ExternalMessageID string
}

type replayWork struct {
	ctx  context.Context
	id   string
	done chan replayOutcome
}

type replayOutcome struct {
	res *ReplayResult
	err error
}

// Replayer runs partitioned replay workers keyed by dead letter id, so
// repeated replays of one record serialize through one worker.
type Replayer struct {
	store      *Store
	dispatcher Dispatcher
	bus        *signal.Bus
	parts      []chan replayWork
	wg         sync.WaitGroup
	once       sync.Once
}

// NewReplayer starts the replay workers.
func NewReplayer(store *Store, dispatcher Dispatcher, partitions int, bus *signal.Bus) *Replayer {
	if partitions <= 0 {
		partitions = 4
	}
	r := &Replayer{store: store, dispatcher: dispatcher, bus: bus, parts: make([]chan replayWork, partitions)}
	for i := range r.parts {
		ch := make(chan replayWork, 16)
		r.parts[i] = ch
		r.wg.Add(1)
		go r.worker(ch)
	}
	return r
}

// Close stops the workers after queued replays finish.
func (r *Replayer) Close() {
	r.once.Do(func() {
		for _, ch := range r.parts {
			close(ch)
		}
	})
	r.wg.Wait()
}

// Replay re-dispatches a captured request. Records already at succeeded are
// returned as-is without a second side effect.
func (r *Replayer) Replay(ctx context.Context, id string) (*ReplayResult, error) {
	h := xxhash.Sum64String(id)
	ch := r.parts[h%uint64(len(r.parts))]

	w := replayWork{ctx: ctx, id: id, done: make(chan replayOutcome, 1)}
	select {
	case ch <- w:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case out := <-w.done:
		return out.res, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Replayer) worker(ch chan replayWork) {
	defer r.wg.Done()
	for w := range ch {
		res, err := r.replayOne(w.ctx, w.id)
		w.done <- replayOutcome{res: res, err: err}
	}
}

func (r *Replayer) replayOne(ctx context.Context, id string) (*ReplayResult, error) {
	dl, err := r.store.Get(id)
	if err != nil {
		return nil, err
	}
	if dl.Replay.Status == model.ReplaySucceeded {
		return &ReplayResult{Status: model.ReplaySucceeded, AlreadyReplayed: true}, nil
	}

	req := &outbound.Request{
		Channel:           dl.Request.Channel,
		InstanceID:        dl.Request.InstanceID,
		ExternalRoomID:    dl.Request.ExternalRoomID,
		ExternalMessageID: dl.Request.ExternalMessageID,
		Text:              dl.Request.Text,
		Media:             dl.Request.Media,
		IdempotencyKey:    dl.Request.IdempotencyKey,
	}

	var res *outbound.Result
	switch dl.Request.Operation {
	case outbound.OpEditMessage:
		res, err = r.dispatcher.EditMessage(ctx, req)
	case outbound.OpSendMedia:
		res, err = r.dispatcher.SendMedia(ctx, req)
	case outbound.OpEditMedia:
		res, err = r.dispatcher.EditMedia(ctx, req)
	default:
		res, err = r.dispatcher.SendMessage(ctx, req)
	}

	dl.Replay.Attempts++
	if err != nil {
		dl.Replay.Status = model.ReplayFailed
		if uerr := r.store.store.UpdateDeadLetter(dl); uerr != nil {
			logging.Warn("Dead letter update failed", zap.String("id", id), zap.Error(uerr))
		}
		r.emitReplay(dl, "failed")
		return nil, errors.Wrap("replay_failed", err)
	}

	dl.Replay.Status = model.ReplaySucceeded
	if uerr := r.store.store.UpdateDeadLetter(dl); uerr != nil {
		logging.Warn("Dead letter update failed", zap.String("id", id), zap.Error(uerr))
	}
	r.emitReplay(dl, "succeeded")
	return &ReplayResult{Status: model.ReplaySucceeded, ExternalMessageID: res.ExternalMessageID}, nil
}

func (r *Replayer) emitReplay(dl *model.DeadLetter, status string) {
	r.bus.Emit(signal.EventDeadLetterReplayed,
		signal.Measurements{"attempts": int64(dl.Replay.Attempts)},
		signal.Metadata{"id": dl.ID, "status": status, "bridge_id": dl.BridgeID},
	)
}
