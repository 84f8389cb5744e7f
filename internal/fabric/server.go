// Package fabric assembles the messaging fabric from its components and
// runs the inbound HTTP surface.
package fabric

import (
	"context"
	"net/http"
	osignal "os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/fabric/internal/bridge"
	"github.com/wudi/fabric/internal/config"
	"github.com/wudi/fabric/internal/deadletter"
	"github.com/wudi/fabric/internal/dedupe"
	"github.com/wudi/fabric/internal/ingest"
	"github.com/wudi/fabric/internal/logging"
	"github.com/wudi/fabric/internal/model"
	"github.com/wudi/fabric/internal/outbound"
	"github.com/wudi/fabric/internal/policy"
	"github.com/wudi/fabric/internal/router"
	"github.com/wudi/fabric/internal/security"
	"github.com/wudi/fabric/internal/session"
	"github.com/wudi/fabric/internal/signal"
	"github.com/wudi/fabric/internal/storage"
	"github.com/wudi/fabric/internal/webhook"
)

// Server owns every fabric component and the webhook listener.
type Server struct {
	cfg *config.Config

	Bus      *signal.Bus
	Store    storage.Store
	Registry *bridge.Registry
	Configs  *bridge.ConfigStore
	Gateway  *outbound.Gateway
	Letters  *deadletter.Store
	Replayer *deadletter.Replayer
	Sessions *session.Manager
	Router   *router.Router
	Entry    *webhook.Entry

	deduper     dedupe.Deduper
	redisClient *redis.Client
	httpSrv     *http.Server
}

// NewServer wires the fabric from configuration. Bridge manifests are
// bootstrapped and every loaded bridge gets an enabled config record.
func NewServer(cfg *config.Config) (*Server, error) {
	bus := signal.NewBus()
	store := storage.NewMemoryStore()

	s := &Server{cfg: cfg, Bus: bus, Store: store}

	switch cfg.Dedupe.Backend {
	case "redis":
		s.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.deduper = dedupe.NewRedisDeduper(s.redisClient, cfg.Redis.Prefix)
	default:
		s.deduper = dedupe.NewMemoryDeduper(cfg.Dedupe.SweepInterval)
	}

	s.Registry = bridge.NewRegistry()
	s.Configs = bridge.NewConfigStore()

	report, err := bridge.Bootstrap(s.Registry, bridge.BootstrapOptions{
		Paths:           cfg.Bootstrap.ManifestPaths,
		CollisionPolicy: bridge.CollisionPolicy(cfg.Bootstrap.CollisionPolicy),
		RequiredBridges: cfg.Bootstrap.RequiredBridges,
		ClearExisting:   cfg.Bootstrap.ClearExisting,
	}, bus)
	if err != nil {
		return nil, err
	}
	for _, id := range report.Loaded {
		m, err := s.Registry.Get(id)
		if err != nil {
			continue
		}
		if _, err := s.Configs.Put(model.BridgeConfig{
			ID:            id,
			AdapterModule: m.AdapterModule,
			Enabled:       true,
			Label:         m.Label,
		}); err != nil {
			return nil, err
		}
	}

	checker := security.NewChecker(security.Options{
		Timeout:        cfg.Ingest.SecurityTimeout,
		VerifyPolicy:   cfg.Ingest.VerifyTimeoutPolicy,
		SanitizePolicy: cfg.Ingest.SanitizeTimeoutPolicy,
		Bus:            bus,
	})
	pipeline := policy.NewPipeline(policy.Options{
		GatingTimeout:     cfg.Ingest.GatingTimeout,
		ModerationTimeout: cfg.Ingest.ModerationTimeout,
		TimeoutFallback:   policy.TimeoutFallback(cfg.Ingest.PolicyTimeoutFallback),
		Bus:               bus,
	})

	s.Letters = deadletter.NewStore(store, cfg.DeadLetter.MaxRecords, bus)
	s.Gateway = outbound.NewGateway(outbound.Options{
		Config:      cfg.Outbound,
		Resolve:     func(_, instanceID string) (bridge.Adapter, error) { return s.Registry.Adapter(instanceID) },
		Security:    checker,
		DeadLetters: s.Letters,
		Bus:         bus,
	})
	s.Replayer = deadletter.NewReplayer(s.Letters, s.Gateway, cfg.DeadLetter.ReplayPartitions, bus)

	s.Sessions = session.NewManager(session.Options{
		PartitionCount:         cfg.Session.PartitionCount,
		TTL:                    cfg.Session.TTL,
		MaxEntriesPerPartition: cfg.Session.MaxEntriesPerPartition,
		PruneInterval:          cfg.Session.PruneInterval,
		Bus:                    bus,
	})
	s.Router = router.New(store, s.Configs, s.Registry, s.Gateway)

	ingestor := ingest.New(ingest.Options{
		Store:    store,
		Pipeline: pipeline,
		Security: checker,
		Bus:      bus,
	})
	s.Entry = webhook.NewEntry(webhook.Options{
		Registry:  s.Registry,
		Configs:   s.Configs,
		Deduper:   s.deduper,
		DedupeTTL: cfg.Dedupe.TTL,
		Ingestor:  ingestor,
		Bus:       bus,
	})

	handler := webhook.NewHandler(s.Entry, cfg.Webhook)
	s.httpSrv = &http.Server{
		Addr:              cfg.Webhook.Listen,
		Handler:           handler.Mux(),
		ReadHeaderTimeout: cfg.Webhook.ReadTimeout,
	}
	return s, nil
}

// Run serves the webhook surface until a shutdown signal arrives, then
// drains every component.
func (s *Server) Run() error {
	ctx, stop := osignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info("Webhook surface listening", zap.String("addr", s.cfg.Webhook.Listen))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	s.Close()
	return err
}

// Close drains and stops every component.
func (s *Server) Close() {
	s.Replayer.Close()
	s.Gateway.Close()
	s.Sessions.Close()
	if md, ok := s.deduper.(*dedupe.MemoryDeduper); ok {
		md.Close()
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			logging.Warn("Redis close failed", zap.Error(err))
		}
	}
	logging.Info("Fabric stopped")
}
