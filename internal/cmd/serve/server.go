package serve

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-ledger/internal/attachment"
	"github.com/chirino/chat-ledger/internal/authz"
	"github.com/chirino/chat-ledger/internal/clock"
	"github.com/chirino/chat-ledger/internal/config"
	"github.com/chirino/chat-ledger/internal/conversation"
	"github.com/chirino/chat-ledger/internal/plugin/route/admin"
	"github.com/chirino/chat-ledger/internal/plugin/route/attachments"
	"github.com/chirino/chat-ledger/internal/plugin/route/conversations"
	routesystem "github.com/chirino/chat-ledger/internal/plugin/route/system"
	storemetrics "github.com/chirino/chat-ledger/internal/plugin/store/metrics"
	registryblob "github.com/chirino/chat-ledger/internal/registry/blob"
	registrycache "github.com/chirino/chat-ledger/internal/registry/cache"
	registrychatmodel "github.com/chirino/chat-ledger/internal/registry/chatmodel"
	registrymigrate "github.com/chirino/chat-ledger/internal/registry/migrate"
	registryroute "github.com/chirino/chat-ledger/internal/registry/route"
	registrystore "github.com/chirino/chat-ledger/internal/registry/store"
	"github.com/chirino/chat-ledger/internal/security"
	"github.com/gin-gonic/gin"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config          *config.Config
	Store           registrystore.Store
	Router          *gin.Engine
	Running         *RunningServer
	closeManagement func(context.Context) error
	closers         []func() error
	logger          *log.Logger
}

// Shutdown stops accepting requests, drains in-flight ones and releases the
// store, blob store, cache and controller pool.
func (s *Server) Shutdown(ctx context.Context) error {
	routesystem.MarkNotReady()
	var errs []error
	if s.closeManagement != nil {
		errs = append(errs, s.closeManagement(ctx))
	}
	errs = append(errs, s.Running.Close(ctx))
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// closerOf returns v's Close method when it has one.
func closerOf(v any) func() error {
	switch c := v.(type) {
	case io.Closer:
		return c.Close
	case interface{ Close() }:
		return func() error { c.Close(); return nil }
	}
	return nil
}

// StartServer initializes all subsystems and starts the HTTP listener.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.Default()
	}
	logger.Info("Starting chat ledger",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"blob", cfg.BlobType,
		"cache", cfg.CacheType,
		"model", cfg.ModelType,
		"anonymous", cfg.AnonymousPolicy,
	)
	srv := &Server{Config: cfg, logger: logger}
	fail := func(err error) (*Server, error) {
		for i := len(srv.closers) - 1; i >= 0; i-- {
			_ = srv.closers[i]()
		}
		return nil, err
	}
	track := func(v any) {
		if c := closerOf(v); c != nil {
			srv.closers = append(srv.closers, c)
		}
	}

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	// Run migrations
	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	// Initialize store
	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	track(store)
	store = storemetrics.Wrap(store)
	srv.Store = store

	// Initialize blob store and inject into context so model loaders can read attachments.
	blobLoader, err := registryblob.Select(cfg.BlobType)
	if err != nil {
		return fail(err)
	}
	blobs, err := blobLoader(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize blob store: %w", err))
	}
	track(blobs)
	ctx = registryblob.WithContext(ctx, blobs)

	// The toggle cache is optional: without it every gate check reads the store.
	var toggles registrycache.ToggleCache
	if cacheLoader, err := registrycache.Select(cfg.CacheType); err != nil {
		logger.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if toggles, err = cacheLoader(ctx); err != nil {
		logger.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
		toggles = nil
	} else {
		track(toggles)
	}

	modelLoader, err := registrychatmodel.Select(cfg.ModelType)
	if err != nil {
		return fail(err)
	}
	chatModel, err := modelLoader(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize chat model: %w", err))
	}

	// Authorization core
	clk := clock.Real()
	gate := authz.NewActionGate(store, toggles, cfg.CacheToggleTTL, logger)
	perms := authz.NewPermissionEngine(store, authz.PermissionOptions{
		AnonymousPolicy: cfg.AnonymousPolicy,
		AnonymousRole:   cfg.AnonymousRoleName,
		Logger:          logger,
	})
	quotas := authz.NewQuotaEngine(store, clk, logger)
	actions := authz.NewAuthorizedAction(gate, perms, quotas, logger)

	attachStore := attachment.New(blobs, attachment.Options{MaxSize: cfg.AttachmentMaxSize, Logger: logger})
	controllers, err := conversation.NewPool(conversation.Deps{
		Store:       store,
		Attachments: attachStore,
		Model:       chatModel,
		Clock:       clk,
		Logger:      logger,
	}, cfg.ControllerPoolSize)
	if err != nil {
		return fail(err)
	}
	track(controllers)

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware(logger))
	} else {
		router.Use(security.AccessLogMiddleware(logger, "/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}
	srv.Router = router

	// Mount main route plugins on the main router.
	for _, loader := range registryroute.MainRouteLoaders() {
		if err := loader(router); err != nil {
			return fail(fmt.Errorf("failed to load routes: %w", err))
		}
	}

	// Identity then throttling, shared by every API route.
	resolver := security.NewTokenResolver(cfg, logger)
	auth := gin.HandlersChain{
		security.IdentityMiddleware(resolver),
		security.RateLimitMiddleware(cfg.RateLimit, cfg.RateLimitBurst),
	}

	conversations.MountRoutes(router, controllers, actions, auth, logger)
	attachments.MountRoutes(router, attachStore, actions, auth, logger)
	admin.MountRoutes(router, store, gate, quotas, auth, logger)

	// Mount management route plugins. If a dedicated management port is configured,
	// run them on a bare gin engine served by the management server. Otherwise,
	// mount them on the main router.
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		if cfg.ManagementAccessLog {
			mgmtRouter.Use(security.AccessLogMiddleware(logger))
		}
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(mgmtRouter); err != nil {
				return fail(fmt.Errorf("failed to load management routes: %w", err))
			}
		}
		mgmt, err := startHTTPServer(cfg.ManagementListener, mgmtRouter, "management", logger)
		if err != nil {
			return fail(fmt.Errorf("failed to start management server: %w", err))
		}
		srv.closeManagement = mgmt.Close
		logger.Info("Management server listening", "addr", mgmt.Addr)
	} else {
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(router); err != nil {
				return fail(fmt.Errorf("failed to load management routes: %w", err))
			}
		}
	}

	running, err := startHTTPServer(cfg.Listener, router, "main", logger)
	if err != nil {
		if srv.closeManagement != nil {
			_ = srv.closeManagement(ctx)
		}
		return fail(err)
	}
	srv.Running = running

	logger.Info("Server listening",
		"port", running.Port,
		"h2c", cfg.Listener.EnableH2C,
	)

	routesystem.MarkReady()
	return srv, nil
}
