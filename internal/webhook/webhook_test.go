package webhook

import (
	"bytes"
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wudi/fabric/internal/bridge"
	"github.com/wudi/fabric/internal/bridge/bridgetest"
	"github.com/wudi/fabric/internal/config"
	"github.com/wudi/fabric/internal/dedupe"
	"github.com/wudi/fabric/internal/errors"
	"github.com/wudi/fabric/internal/ingest"
	"github.com/wudi/fabric/internal/model"
	"github.com/wudi/fabric/internal/policy"
	"github.com/wudi/fabric/internal/security"
	"github.com/wudi/fabric/internal/signal"
	"github.com/wudi/fabric/internal/storage"
)

type fixture struct {
	entry    *Entry
	registry *bridge.Registry
	configs  *bridge.ConfigStore
	adapter  *bridgetest.FullAdapter
	rec      *signal.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := signal.NewBus()
	rec := signal.NewRecorder(bus)
	store := storage.NewMemoryStore()

	adapter := &bridgetest.FullAdapter{Adapter: bridgetest.Adapter{Channel: "telegram"}}
	registry := bridge.NewRegistry()
	if err := registry.Register(&bridge.Manifest{BridgeID: "b1", AdapterModule: "fake", Adapter: adapter}); err != nil {
		t.Fatal(err)
	}
	configs := bridge.NewConfigStore()
	if _, err := configs.Put(model.BridgeConfig{ID: "b1", AdapterModule: "fake", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := configs.Put(model.BridgeConfig{ID: "off", AdapterModule: "fake", Enabled: false}); err != nil {
		t.Fatal(err)
	}
	if _, err := configs.Put(model.BridgeConfig{ID: "orphan", AdapterModule: "fake", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	deduper := dedupe.NewMemoryDeduper(0)
	t.Cleanup(deduper.Close)

	ingestor := ingest.New(ingest.Options{
		Store:    store,
		Pipeline: policy.NewPipeline(policy.Options{Bus: bus}),
		Security: security.NewChecker(security.Options{Bus: bus}),
		Bus:      bus,
	})

	entry := NewEntry(Options{
		Registry:  registry,
		Configs:   configs,
		Deduper:   deduper,
		DedupeTTL: time.Minute,
		Ingestor:  ingestor,
		Bus:       bus,
	})
	return &fixture{entry: entry, registry: registry, configs: configs, adapter: adapter, rec: rec}
}

func payload(kind, id, text string) []byte {
	return []byte(`{"kind":"` + kind + `","room":"100","user":"u1","id":"` + id + `","text":"` + text + `","chat_type":"group"}`)
}

func TestRoutePayload_Message(t *testing.T) {
	f := newFixture(t)

	res, err := f.entry.RoutePayload(context.Background(), "b1", payload("message", "ext-1", "hello"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindMessage || res.Message == nil || res.Context == nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Message.Text() != "hello" {
		t.Errorf("unexpected message text %q", res.Message.Text())
	}
	if f.rec.Count(signal.EventMessageReceived) != 1 {
		t.Error("expected received signal")
	}
}

func TestRoutePayload_Duplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.entry.RoutePayload(ctx, "b1", payload("message", "ext-1", "hello"), nil); err != nil {
		t.Fatal(err)
	}
	res, err := f.entry.RoutePayload(ctx, "b1", payload("message", "ext-1", "hello"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindDuplicate {
		t.Fatalf("expected duplicate, got %+v", res)
	}
	if f.rec.Count(signal.EventMessageReceived) != 1 {
		t.Error("duplicate must not be ingested")
	}
}

func TestRoutePayload_NoopAndEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.entry.RoutePayload(ctx, "b1", []byte(`{"kind":"noop"}`), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindNoop {
		t.Fatalf("unexpected result %+v", res)
	}

	res, err = f.entry.RoutePayload(ctx, "b1", []byte(`{"kind":"presence"}`), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindEvent || res.Envelope["kind"] != "presence" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRoutePayload_BridgeGating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.entry.RoutePayload(ctx, "ghost", payload("message", "x", "hi"), nil)
	if reasonOf(err) != errors.ReasonBridgeNotFound {
		t.Errorf("expected bridge_not_found, got %v", err)
	}

	_, err = f.entry.RoutePayload(ctx, "off", payload("message", "x", "hi"), nil)
	if reasonOf(err) != errors.ReasonBridgeDisabled {
		t.Errorf("expected bridge_disabled, got %v", err)
	}

	// Config exists but no adapter was registered for it.
	_, err = f.entry.RoutePayload(ctx, "orphan", payload("message", "x", "hi"), nil)
	if reasonOf(err) != errors.ReasonMissingAdapter {
		t.Errorf("expected missing_instance_module, got %v", err)
	}
}

func TestRouteWebhook_InvalidSignature(t *testing.T) {
	f := newFixture(t)
	f.adapter.VerifyFn = func(*http.Request, []byte, map[string]any) error {
		return errors.ErrInvalidSignature
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/b1", nil)
	_, err := f.entry.RouteWebhook(context.Background(), "b1", &Request{HTTP: req, Body: payload("message", "x", "hi")}, nil)
	if !stderrors.Is(err, errors.ErrInvalidSignature) {
		t.Fatalf("verification failure must surface verbatim, got %v", err)
	}
}

func serve(t *testing.T, f *fixture, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	h := NewHandler(f.entry, config.WebhookConfig{
		MountPath:   "/webhooks",
		MaxBodySize: 1 << 10,
		ReadTimeout: time.Second,
	})
	mux := h.Mux()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/b1", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestHandler_OK(t *testing.T) {
	f := newFixture(t)
	w := serve(t, f, payload("message", "ext-1", "hello"))
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"ok":true`) {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}

func TestHandler_InvalidJSON(t *testing.T) {
	f := newFixture(t)
	w := serve(t, f, []byte(`{"kind":`))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), errors.ReasonInvalidJSON) {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}

func TestHandler_TooLarge(t *testing.T) {
	f := newFixture(t)
	big := append([]byte(`{"pad":"`), bytes.Repeat([]byte("x"), 2<<10)...)
	big = append(big, []byte(`"}`)...)
	w := serve(t, f, big)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("unexpected status %d", w.Code)
	}
}

func TestHandler_InvalidSignature(t *testing.T) {
	f := newFixture(t)
	f.adapter.VerifyFn = func(*http.Request, []byte, map[string]any) error {
		return errors.ErrInvalidSignature
	}
	w := serve(t, f, payload("message", "ext-1", "hello"))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status %d", w.Code)
	}
}

func TestHandler_UnknownBridge(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.entry, config.WebhookConfig{
		MountPath:   "/webhooks",
		MaxBodySize: 1 << 10,
		ReadTimeout: time.Second,
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/ghost", bytes.NewReader(payload("message", "x", "hi")))
	w := httptest.NewRecorder()
	h.Mux().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d", w.Code)
	}
}

func TestHandler_MissingAdapter(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.entry, config.WebhookConfig{
		MountPath:   "/webhooks",
		MaxBodySize: 1 << 10,
		ReadTimeout: time.Second,
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/orphan", bytes.NewReader(payload("message", "x", "hi")))
	w := httptest.NewRecorder()
	h.Mux().ServeHTTP(w, req)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), errors.ReasonMissingAdapter) {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}
