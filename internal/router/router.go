// Package router resolves rooms to ordered outbound routes and executes the
// room's delivery mode over the outbound gateway.
package router

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/fabric/internal/bridge"
	"github.com/wudi/fabric/internal/errors"
	"github.com/wudi/fabric/internal/logging"
	"github.com/wudi/fabric/internal/model"
	"github.com/wudi/fabric/internal/outbound"
	"github.com/wudi/fabric/internal/storage"
)

// Route is one resolved delivery target.
type Route struct {
	BridgeID       string
	AdapterModule  string
	Channel        string
	ExternalRoomID string
}

// RouteResult is the outcome for one attempted route.
type RouteResult struct {
	Route             Route
	Delivered         bool
	ExternalMessageID string
	Err               error
}

// Outcome summarizes a fan-out.
type Outcome struct {
	Attempted      int
	Delivered      []RouteResult
	Failed         []RouteResult
	DeliveryMode   model.DeliveryMode
	FailoverPolicy model.FailoverPolicy
	Routes         []Route
}

// Payload is the message content handed to the router.
type Payload struct {
	Text           string
	Media          []model.ContentBlock
	FallbackText   string
	IdempotencyKey string
	Priority       outbound.Priority
	Options        bridge.SendOptions
}

// Router wires bindings, bridge configs and the gateway together.
type Router struct {
	store    storage.Store
	configs  *bridge.ConfigStore
	registry *bridge.Registry
	gateway  *outbound.Gateway

	mu       sync.RWMutex
	policies map[string]*model.RoutingPolicy // room_id cache over the store
}

// New creates a router.
func New(store storage.Store, configs *bridge.ConfigStore, registry *bridge.Registry, gateway *outbound.Gateway) *Router {
	return &Router{
		store:    store,
		configs:  configs,
		registry: registry,
		gateway:  gateway,
		policies: make(map[string]*model.RoutingPolicy),
	}
}

// ResolveRoutes lists the room's deliverable routes: bindings whose direction
// admits outbound flow, backed by an enabled bridge config, ordered by the
// policy's fallback_order then binding insertion order.
func (r *Router) ResolveRoutes(roomID string, policy *model.RoutingPolicy) ([]Route, error) {
	bindings, err := r.store.ListRoomBindings(roomID)
	if err != nil {
		return nil, err
	}

	var routes []Route
	for _, b := range bindings {
		if !b.Direction.Routable() {
			continue
		}
		bridgeID := b.EffectiveBridgeID()
		cfg, err := r.configs.Get(bridgeID)
		if err != nil || !cfg.Enabled {
			continue
		}
		routes = append(routes, Route{
			BridgeID:       bridgeID,
			AdapterModule:  cfg.AdapterModule,
			Channel:        b.Channel,
			ExternalRoomID: b.ExternalRoomID,
		})
	}

	if len(policy.FallbackOrder) > 0 {
		routes = orderByFallback(routes, policy.FallbackOrder)
	}
	return routes, nil
}

func orderByFallback(routes []Route, order []string) []Route {
	out := make([]Route, 0, len(routes))
	used := make(map[int]bool, len(routes))
	for _, id := range order {
		for i, rt := range routes {
			if !used[i] && rt.BridgeID == id {
				out = append(out, rt)
				used[i] = true
			}
		}
	}
	for i, rt := range routes {
		if !used[i] {
			out = append(out, rt)
		}
	}
	return out
}

// Policy returns the room's routing policy, defaulting when none is stored.
func (r *Router) Policy(roomID string) *model.RoutingPolicy {
	r.mu.RLock()
	if p, ok := r.policies[roomID]; ok {
		r.mu.RUnlock()
		return p
	}
	r.mu.RUnlock()

	p, err := r.store.GetRoutingPolicy(roomID)
	if err != nil {
		return model.DefaultRoutingPolicy(roomID)
	}
	r.mu.Lock()
	r.policies[roomID] = p
	r.mu.Unlock()
	return p
}

// PutPolicy validates and stores a routing policy. Every fallback_order
// entry must name a known bridge.
func (r *Router) PutPolicy(p *model.RoutingPolicy) error {
	for _, id := range p.FallbackOrder {
		if !r.configs.Known(id) {
			return errors.Newf(errors.ReasonUnknownBridge, "fallback_order references %s", id)
		}
	}
	if p.DeliveryMode == "" {
		p.DeliveryMode = model.DeliveryBestEffort
	}
	if p.FailoverPolicy == "" {
		p.FailoverPolicy = model.FailoverNextAvailable
	}
	if err := r.store.SaveRoutingPolicy(p); err != nil {
		return err
	}
	r.mu.Lock()
	r.policies[p.RoomID] = p
	r.mu.Unlock()
	return nil
}

// BridgeRoomAttrs describes a room provisioned for one external chat.
type BridgeRoomAttrs struct {
	Channel        string
	BridgeID       string
	ExternalRoomID string
	RoomType       model.RoomType
	Name           string
	Direction      model.BindingDirection
	Policy         *model.RoutingPolicy
}

// CreateBridgeRoom provisions a room, its binding and its routing policy.
// Idempotent: repeating the call with identical attrs converges on the same
// room, binding set and policy.
func (r *Router) CreateBridgeRoom(attrs BridgeRoomAttrs) (*model.Room, error) {
	if attrs.Direction == "" {
		attrs.Direction = model.DirectionBoth
	}
	if attrs.RoomType == "" {
		attrs.RoomType = model.RoomGroup
	}

	room, _, err := r.store.GetOrCreateRoomByExternalBinding(attrs.Channel, attrs.BridgeID, attrs.ExternalRoomID, storage.RoomAttrs{
		Type: attrs.RoomType,
		Name: attrs.Name,
	})
	if err != nil {
		return nil, err
	}

	if _, err := r.store.CreateRoomBinding(&model.RoomBinding{
		RoomID:         room.ID,
		Channel:        attrs.Channel,
		BridgeID:       attrs.BridgeID,
		ExternalRoomID: attrs.ExternalRoomID,
		Direction:      attrs.Direction,
	}); err != nil {
		return nil, err
	}

	if _, err := r.store.GetRoutingPolicy(room.ID); err != nil {
		policy := attrs.Policy
		if policy == nil {
			policy = model.DefaultRoutingPolicy(room.ID)
		}
		policy.RoomID = room.ID
		if err := r.PutPolicy(policy); err != nil {
			return nil, err
		}
	}
	return room, nil
}

// RouteOutbound delivers the payload to the room's routes per its delivery
// mode, persists the message with the outcome summary, and returns both.
func (r *Router) RouteOutbound(ctx context.Context, roomID string, payload *Payload) (*model.Message, *Outcome, error) {
	policy := r.Policy(roomID)
	routes, err := r.ResolveRoutes(roomID, policy)
	if err != nil {
		return nil, nil, err
	}
	if len(routes) == 0 {
		return nil, nil, errors.ErrNoRoutes
	}

	outcome := &Outcome{
		DeliveryMode:   policy.DeliveryMode,
		FailoverPolicy: policy.FailoverPolicy,
		Routes:         routes,
	}

	switch policy.DeliveryMode {
	case model.DeliveryBroadcast:
		r.broadcast(ctx, routes, payload, outcome)
	default:
		r.sequential(ctx, routes, payload, policy.FailoverPolicy, outcome)
	}

	msg := r.persistOutcome(roomID, payload, outcome)
	logging.Debug("Routed outbound payload",
		zap.String("room_id", roomID),
		zap.String("delivery_mode", string(policy.DeliveryMode)),
		zap.Int("attempted", outcome.Attempted),
		zap.Int("delivered", len(outcome.Delivered)),
	)
	return msg, outcome, nil
}

func (r *Router) sequential(ctx context.Context, routes []Route, payload *Payload, failover model.FailoverPolicy, outcome *Outcome) {
	for _, rt := range routes {
		res := r.attempt(ctx, rt, payload)
		outcome.Attempted++
		if res.Delivered {
			outcome.Delivered = append(outcome.Delivered, res)
			return
		}
		outcome.Failed = append(outcome.Failed, res)
		if failover != model.FailoverNextAvailable {
			return
		}
	}
}

func (r *Router) broadcast(ctx context.Context, routes []Route, payload *Payload, outcome *Outcome) {
	results := make([]RouteResult, len(routes))
	g, gctx := errgroup.WithContext(ctx)
	for i, rt := range routes {
		g.Go(func() error {
			results[i] = r.attempt(gctx, rt, payload)
			return nil
		})
	}
	g.Wait()

	outcome.Attempted = len(routes)
	for _, res := range results {
		if res.Delivered {
			outcome.Delivered = append(outcome.Delivered, res)
		} else {
			outcome.Failed = append(outcome.Failed, res)
		}
	}
}

func (r *Router) attempt(ctx context.Context, rt Route, payload *Payload) RouteResult {
	req := &outbound.Request{
		Channel:        rt.Channel,
		InstanceID:     rt.BridgeID,
		ExternalRoomID: rt.ExternalRoomID,
		Text:           payload.Text,
		FallbackText:   payload.FallbackText,
		Media:          payload.Media,
		Priority:       payload.Priority,
		Options:        payload.Options,
	}
	if payload.IdempotencyKey != "" {
		// Scope the caller key per route so broadcast legs do not collapse
		// into one sent-cache entry.
		req.IdempotencyKey = payload.IdempotencyKey + "|" + rt.BridgeID
	}

	var (
		res *outbound.Result
		err error
	)
	if len(payload.Media) > 0 {
		res, err = r.gateway.SendMedia(ctx, req)
	} else {
		res, err = r.gateway.SendMessage(ctx, req)
	}
	if err != nil {
		return RouteResult{Route: rt, Err: err}
	}
	return RouteResult{Route: rt, Delivered: true, ExternalMessageID: res.ExternalMessageID}
}

// persistOutcome stores the assistant-side message with the fan-out summary
// in metadata. The stored external id is the first delivered route's id.
func (r *Router) persistOutcome(roomID string, payload *Payload, outcome *Outcome) *model.Message {
	routeIDs := make([]string, len(outcome.Routes))
	for i, rt := range outcome.Routes {
		routeIDs[i] = rt.BridgeID
	}
	delivered := make([]string, len(outcome.Delivered))
	for i, res := range outcome.Delivered {
		delivered[i] = res.Route.BridgeID
	}
	failed := make([]string, len(outcome.Failed))
	for i, res := range outcome.Failed {
		failed[i] = res.Route.BridgeID
	}

	msg := &model.Message{
		ID:     uuid.NewString(),
		RoomID: roomID,
		Role:   model.RoleAssistant,
		Status: model.StatusSent,
		Metadata: map[string]any{
			"outbound_gateway": map[string]any{
				"attempted":       outcome.Attempted,
				"delivered":       delivered,
				"failed":          failed,
				"delivery_mode":   string(outcome.DeliveryMode),
				"failover_policy": string(outcome.FailoverPolicy),
				"routes":          routeIDs,
			},
		},
	}
	if payload.Text != "" {
		msg.Content = []model.ContentBlock{model.TextBlock(payload.Text)}
	}
	msg.Content = append(msg.Content, payload.Media...)
	if len(outcome.Delivered) > 0 {
		msg.ExternalID = outcome.Delivered[0].ExternalMessageID
	}
	if len(outcome.Delivered) == 0 {
		msg.Status = model.StatusFailed
	}
	if err := r.store.SaveMessage(msg); err != nil {
		logging.Warn("Failed to persist outbound message", zap.Error(err))
	}
	return msg
}
