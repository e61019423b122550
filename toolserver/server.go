package toolserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/lujunbofan2019/LettaPlus-sub000/features/activity/pulse"
	"github.com/lujunbofan2019/LettaPlus-sub000/features/agentruntime/letta"
	agentmem "github.com/lujunbofan2019/LettaPlus-sub000/features/agentruntime/memory"
	docmem "github.com/lujunbofan2019/LettaPlus-sub000/features/docstore/memory"
	docmongo "github.com/lujunbofan2019/LettaPlus-sub000/features/docstore/mongo"
	docredis "github.com/lujunbofan2019/LettaPlus-sub000/features/docstore/redis"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/agentruntime"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/docstore"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/mcp"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/telemetry"
)

// Server is the assembled tool service: adapters, tool implementations and
// the HTTP transport.
type Server struct {
	cfg     Config
	service *Service
	rpc     *mcp.Server
	handler http.Handler
	log     telemetry.Logger

	closers []func(context.Context) error
}

// Build wires the configured adapters into a ready-to-run server. Adapter
// construction failures and missing required configuration fail here, at
// startup, so tool calls never discover a half-wired service.
func Build(ctx context.Context, cfg Config) (*Server, error) {
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	srv := &Server{cfg: cfg, log: logger}

	var pingers []health.Pinger

	var rdb *redis.Client
	if cfg.DocstoreBackend == BackendRedis || cfg.ActivityEnabled {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisURL, Password: cfg.RedisPassword})
		srv.closers = append(srv.closers, func(context.Context) error { return rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
	}

	var docs docstore.Store
	switch cfg.DocstoreBackend {
	case BackendMemory:
		docs = docmem.New()
	case BackendRedis:
		store := docredis.New(rdb, nil)
		docs = store
		pingers = append(pingers, store)
	case BackendMongo:
		client, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect to mongo: %w", err)
		}
		srv.closers = append(srv.closers, client.Disconnect)
		store, err := docmongo.New(docmongo.Options{
			Client:     client,
			Database:   cfg.MongoDatabase,
			Collection: cfg.MongoCollection,
		})
		if err != nil {
			return nil, fmt.Errorf("mongo docstore: %w", err)
		}
		docs = store
		pingers = append(pingers, store)
	}

	var platform agentruntime.Client
	if cfg.LettaBaseURL != "" {
		opts := []letta.Option{}
		if cfg.LettaToken != "" {
			opts = append(opts, letta.WithBearerToken(cfg.LettaToken))
		}
		if cfg.LettaRateLimit > 0 {
			opts = append(opts, letta.WithRateLimit(cfg.LettaRateLimit, cfg.LettaBurst))
		}
		client, err := letta.New(cfg.LettaBaseURL, opts...)
		if err != nil {
			return nil, fmt.Errorf("letta client: %w", err)
		}
		platform = client
		pingers = append(pingers, client)
	} else {
		// In-memory platform for local development and tests.
		platform = agentmem.New()
	}

	var feed *pulse.Feed
	if cfg.ActivityEnabled {
		client, err := pulse.NewClient(pulse.ClientOptions{
			Redis:        rdb,
			StreamMaxLen: cfg.ActivityStreamMaxLen,
		})
		if err != nil {
			return nil, fmt.Errorf("activity feed: %w", err)
		}
		feed = pulse.New(client, pulse.WithLogger(logger), pulse.WithMetrics(metrics))
		srv.closers = append(srv.closers, feed.Close)
	}

	service, err := New(Options{
		Docs:         docs,
		Platform:     platform,
		BaseDir:      cfg.BaseDir,
		SkillImports: cfg.SkillImports,
		ModelTiers:   cfg.Overlay.ModelTiers,
		Feed:         feed,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		return nil, err
	}
	srv.service = service

	guard := mcp.DefaultGuardConfig(cfg.ServerName)
	guard.Enabled = cfg.GuardEnabled
	guard.AllowedHosts = append(guard.AllowedHosts, cfg.AllowedHosts...)
	guard.AllowedOrigins = append(guard.AllowedOrigins, cfg.AllowedOrigins...)

	rpc := mcp.NewServer(cfg.ServerName, cfg.ServerVersion,
		mcp.WithGuard(guard),
		mcp.WithLogger(logger),
		mcp.WithMetrics(metrics),
	)
	if err := rpc.Register(service.Tools()...); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}
	srv.rpc = rpc
	srv.closers = append(srv.closers, func(context.Context) error { return rpc.Close() })

	mux := http.NewServeMux()
	mux.Handle(cfg.RPCPath, rpc)
	mux.Handle("/healthz", health.Handler(health.NewChecker(pingers...)))
	srv.handler = log.HTTP(ctx)(mux)

	return srv, nil
}

// Service exposes the assembled tool service, for tests and embedding.
func (s *Server) Service() *Service { return s.service }

// Handler exposes the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves HTTP until the context is cancelled, then drains connections
// within the configured grace period and releases the adapters.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info(ctx, "tool server listening",
			"addr", s.cfg.HTTPAddr, "rpc_path", s.cfg.RPCPath)
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		s.close(ctx)
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.log.Info(ctx, "shutting down tool server", "addr", s.cfg.HTTPAddr)
	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	err := httpServer.Shutdown(shutdownCtx)
	s.close(shutdownCtx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// close releases adapters in reverse construction order.
func (s *Server) close(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			s.log.Warn(ctx, "close resource", "err", err)
		}
	}
}
