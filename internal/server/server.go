// Package server orchestrates the gateway's public server and admin server.
// The public server carries the media proxy and the service mode endpoint;
// the admin server exposes health checks, Prometheus metrics, and the
// feature-flag surface.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/platefinder/placegw/internal/breaker"
	"github.com/platefinder/placegw/internal/budget"
	"github.com/platefinder/placegw/internal/config"
	"github.com/platefinder/placegw/internal/events"
	"github.com/platefinder/placegw/internal/flags"
	"github.com/platefinder/placegw/internal/media"
	"github.com/platefinder/placegw/internal/mode"
	"github.com/platefinder/placegw/internal/observability"
	"github.com/platefinder/placegw/internal/provider"
	iredis "github.com/platefinder/placegw/internal/redis"
	"github.com/platefinder/placegw/internal/sign"
)

// Server is the gateway process: both HTTP servers plus the component stack
// behind them.
type Server struct {
	cfg             *config.Config
	logger          *slog.Logger
	version         string
	rdb             iredis.Client
	mainServer      *http.Server
	http3Server     *http3.Server // nil when HTTP/3 is disabled.
	adminServer     *http.Server
	health          *observability.HealthChecker
	metrics         *observability.Metrics
	emitter         *events.Emitter
	core            atomic.Pointer[core]
	tracingShutdown func(context.Context) error
	certs           *certHolder // non-nil when TLS is enabled; supports hot-reload.
}

// core is the reloadable component stack. Config reloads build a fresh core
// and swap it in atomically; in-flight requests finish on the old one.
type core struct {
	cfg      *config.Config
	flagSt   *flags.Store
	brk      *breaker.Breaker
	bdg      *budget.Tracker
	sampler  *mode.Sampler
	modeCtl  *mode.Controller
	client   *provider.Client
	uriCache *provider.URICache
	media    http.Handler
	cancel   context.CancelFunc // stops the mode recompute loop
}

// New creates the gateway server. It connects to Redis and seeds the
// default feature flags before returning.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	iredis.WarnInsecureRedis(cfg.Redis.TLS, logger)
	iredis.InitLogger(logger)

	// The client is created without a connectivity gate: a Redis outage at
	// boot must not keep the gateway down, since go-redis reconnects on its
	// own and the spend checks refuse calls until it returns. The ping only
	// surfaces the condition in the startup logs.
	rdb, err := iredis.NewClientWithoutPing(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("redis client: %w", err)
	}
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable at startup, media serving refuses until it returns", "error", err)
	}
	cancelPing()
	health.SetRedisPinger(pingAdapter{rdb})

	emitter := events.NewEmitter(cfg.Events, logger)

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		version: version,
		rdb:     rdb,
		health:  health,
		metrics: metrics,
		emitter: emitter,
	}

	c, err := s.buildCore(cfg)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	s.core.Store(c)

	if err := c.flagSt.InitDefaults(context.Background()); err != nil {
		// Flags fail open, so seeding failure is survivable.
		logger.Warn("seeding default flags failed", "error", err)
	}

	s.mainServer, s.http3Server = buildMainServer(cfg, s.publicHandler(), logger)
	s.adminServer = buildAdminServer(cfg, s, health, reg)

	return s, nil
}

// buildCore constructs the reloadable component stack from a config.
func (s *Server) buildCore(cfg *config.Config) (*core, error) {
	flagSt := flags.NewStore(s.rdb, s.logger)

	brk := breaker.New(s.rdb,
		cfg.Breaker.Threshold,
		config.MustParseDuration(cfg.Breaker.CoolDown, breaker.DefaultCoolDown),
		config.MustParseDuration(cfg.Breaker.MaxBackoff, breaker.DefaultMaxBackoff),
		s.logger)

	bdg := budget.New(s.rdb,
		cfg.Budget.Limit,
		config.MustParseDuration(cfg.Budget.Window, budget.DefaultWindow),
		s.logger)

	sampler := mode.NewSampler()
	modeCtl := mode.NewController(brk, bdg, sampler, mode.Options{
		Dwell:              config.MustParseDuration(cfg.Mode.Dwell, 30*time.Second),
		RecomputeInterval:  config.MustParseDuration(cfg.Mode.RecomputeInterval, 5*time.Second),
		LatencyThreshold:   config.MustParseDuration(cfg.Mode.LatencyThreshold, 2*time.Second),
		ErrorRateThreshold: cfg.Mode.ErrorRateThreshold,
		Classes:            []string{provider.EndpointClassMedia},
	}, s.logger)

	uriCache := provider.NewURICache(s.rdb,
		config.MustParseDuration(cfg.Provider.URICacheTTL, 10*time.Minute), s.logger)

	client, err := provider.New(provider.Options{
		BaseURL:         cfg.Provider.BaseURL,
		Credential:      cfg.Provider.Credential.Value(),
		ResolveTimeout:  config.MustParseDuration(cfg.Provider.ResolveTimeout, 10*time.Second),
		FetchTimeout:    config.MustParseDuration(cfg.Provider.FetchTimeout, 15*time.Second),
		MaxIdleConns:    cfg.Provider.MaxIdleConns,
		IdleConnTimeout: config.MustParseDuration(cfg.Provider.IdleConnTimeout, 90*time.Second),
		Transport:       cfg.Provider.Transport,
		URLPolicy:       cfg.Provider.URLPolicy,
	}, uriCache, provider.Hooks{
		Observe: sampler.Observe,
		OnSpend: func(ctx context.Context, units int64) {
			st, err := bdg.RecordSpend(ctx, units)
			if err != nil {
				s.metrics.IncRedisErrors()
				s.logger.Warn("recording provider spend failed", "error", err)
				return
			}
			s.metrics.SetBudgetSpent(st.Spent)
		},
	}, s.logger)
	if err != nil {
		uriCache.Close()
		return nil, fmt.Errorf("create provider client: %w", err)
	}

	var signer *sign.Signer
	if secret := cfg.Media.SigningSecret.Value(); secret != "" {
		signer = sign.New(secret)
	}
	if !cfg.Environment.ProductionLike() {
		s.logger.Warn("signed URL verification is DISABLED in this environment",
			"environment", cfg.Environment)
	}

	mediaHandler := media.NewHandler(media.Options{
		Environment:          cfg.Environment,
		BrowserTTL:           config.MustParseDuration(cfg.Media.BrowserTTL, time.Hour),
		CDNTTL:               config.MustParseDuration(cfg.Media.CDNTTL, 24*time.Hour),
		StaleWhileRevalidate: config.MustParseDuration(cfg.Media.StaleWhileRevalidate, 168*time.Hour),
		RetryAfter:           config.MustParseDuration(cfg.Media.RetryAfter, time.Minute),
	}, flagSt, signer, brk, bdg, client, recomputeAdapter{modeCtl}, s.metrics, s.emitter, s.logger)

	runCtx, cancel := context.WithCancel(context.Background())
	go modeCtl.Run(runCtx)
	go s.watchMode(runCtx, modeCtl)

	return &core{
		cfg:      cfg,
		flagSt:   flagSt,
		brk:      brk,
		bdg:      bdg,
		sampler:  sampler,
		modeCtl:  modeCtl,
		client:   client,
		uriCache: uriCache,
		media:    media.Instrument(mediaHandler, s.metrics, s.logger),
		cancel:   cancel,
	}, nil
}

// watchMode mirrors mode changes into metrics and events.
func (s *Server) watchMode(ctx context.Context, ctl *mode.Controller) {
	allModes := []string{string(mode.Nominal), string(mode.Watch), string(mode.Degraded), string(mode.Outage)}
	last := ctl.Current().Mode
	s.metrics.SetMode(string(last), allModes)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := ctl.Current()
			if snap.Mode != last {
				s.metrics.SetMode(string(snap.Mode), allModes)
				s.emitter.Emit(events.Event{Kind: events.KindModeChanged, Mode: string(snap.Mode), Reason: joinReasons(snap.Reasons)})
				last = snap.Mode
			}
		}
	}
}

func joinReasons(reasons []string) string {
	out := ""
	for i, r := range reasons {
		if i > 0 {
			out += ","
		}
		out += r
	}
	return out
}

// publicHandler routes the public surface. The handler indirects through
// the current core so reloads take effect without listener churn.
func (s *Server) publicHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /media/{resourceID}/{variantRef}", func(w http.ResponseWriter, r *http.Request) {
		s.core.Load().media.ServeHTTP(w, r)
	})
	mux.HandleFunc("GET /mode", s.handleMode)
	return mux
}

func buildMainServer(cfg *config.Config, handler http.Handler, logger *slog.Logger) (*http.Server, *http3.Server) {
	readTimeout, _ := config.ParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout, _ := config.ParseDuration(cfg.Server.WriteTimeout, 60*time.Second)
	idleTimeout, _ := config.ParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	h2s := &http2.Server{}
	mainHandler := h2c.NewHandler(handler, h2s)

	var h3srv *http3.Server
	if cfg.Server.TLS.HTTP3Enabled {
		h3srv = &http3.Server{
			Addr:           cfg.Server.Address,
			Handler:        handler,
			MaxHeaderBytes: 1 << 20, // 1 MiB — same as the TCP server.
			IdleTimeout:    idleTimeout,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      false, // Disable 0-RTT to prevent replay attacks.
			},
		}

		tcpHandler := mainHandler
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor < 3 {
				if setErr := h3srv.SetQUICHeaders(w.Header()); setErr != nil {
					logger.Debug("failed to set Alt-Svc header", "error", setErr)
				}
			}
			tcpHandler.ServeHTTP(w, r)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mainHandler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default to prevent large-header DoS.
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}

	return srv, h3srv
}

func buildAdminServer(cfg *config.Config, s *Server, health *observability.HealthChecker, reg *prometheus.Registry) *http.Server {
	adminReadTimeout, _ := config.ParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	adminWriteTimeout, _ := config.ParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	adminIdleTimeout, _ := config.ParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	adminMux := http.NewServeMux()
	adminMux.Handle("/startz", health.StartzHandler())
	adminMux.Handle("/healthz", health.HealthzHandler())
	adminMux.Handle("/readyz", health.ReadyzHandler())
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	adminMux.HandleFunc("GET /flags", s.handleListFlags)
	adminMux.HandleFunc("GET /flags/{key}", s.handleGetFlag)
	adminMux.HandleFunc("PUT /flags/{key}", s.handleSetFlag)

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       adminReadTimeout,
		WriteTimeout:      adminWriteTimeout,
		IdleTimeout:       adminIdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default.
	}
}

// certHolder provides atomic TLS certificate hot-reload via GetCertificate.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

// Reload loads a new certificate from disk and atomically swaps it.
func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

// GetCertificate implements the tls.Config.GetCertificate callback.
func (ch *certHolder) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

func tlsMinVersion(cfg *config.Config) uint16 {
	if cfg.Server.TLS.MinVersion == config.TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// Run starts both servers and blocks until the context is canceled, then
// performs a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	errCh := make(chan error, 3)

	// readyCh is closed after the main listener has successfully bound,
	// preventing SetReady from being called before the server can accept
	// connections.
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServerWithReady(errCh, readyCh)

	if s.http3Server != nil {
		go s.startHTTP3Server(errCh)
	}

	s.health.SetStarted()

	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("placegw is ready", "version", s.version, "environment", s.cfg.Environment)
	case srvErr := <-errCh:
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		return srvErr
	}

	return s.shutdown()
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.cfg.Admin.Address)
	if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServerWithReady(errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("gateway server starting",
		"address", s.cfg.Server.Address,
		"provider", s.cfg.Provider.BaseURL,
		"tls", s.cfg.Server.TLS.Enabled,
		"http3", s.cfg.Server.TLS.HTTP3Enabled)

	// Separate Listen from Serve so we can signal readiness after bind.
	ln, listenErr := net.Listen("tcp", s.cfg.Server.Address)
	if listenErr != nil {
		errCh <- fmt.Errorf("gateway server listen: %w", listenErr)
		return
	}
	close(readyCh) // signal that the listener has bound

	var err error
	if s.cfg.Server.TLS.Enabled {
		ch, certErr := newCertHolder(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		if certErr != nil {
			errCh <- certErr
			return
		}
		s.certs = ch

		minVer := max(tlsMinVersion(s.cfg), tls.VersionTLS12)
		tlsCfg := &tls.Config{
			MinVersion:     minVer,
			GetCertificate: ch.GetCertificate,
		}
		s.mainServer.TLSConfig = tlsCfg

		// Serve on a hand-built TLS listener skips net/http's automatic
		// HTTP/2 setup, so wire ALPN and the h2 handler explicitly.
		if err := http2.ConfigureServer(s.mainServer, nil); err != nil {
			errCh <- fmt.Errorf("configuring HTTP/2: %w", err)
			return
		}

		// Share the same TLS config with the HTTP/3 server so both
		// listeners enforce identical MinVersion and ciphers.
		if s.http3Server != nil {
			s.http3Server.TLSConfig = tlsCfg
		}

		tlsLn := tls.NewListener(ln, s.mainServer.TLSConfig)
		err = s.mainServer.Serve(tlsLn)
	} else {
		err = s.mainServer.Serve(ln)
	}

	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("gateway server: %w", err)
	}
}

func (s *Server) startHTTP3Server(errCh chan<- error) {
	s.logger.Info("HTTP/3 (QUIC) server starting", "address", s.cfg.Server.Address)
	err := s.http3Server.ListenAndServeTLS(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("HTTP/3 server: %w", err)
	}
}

// Reload hot-swaps the component stack and TLS certificates without
// restarting the listeners. Fields that require a restart are logged and
// left at their old values.
func (s *Server) Reload(newCfg *config.Config) error {
	if restart := newCfg.RequiresRestart(s.cfg); len(restart) > 0 {
		s.logger.Warn("config fields changed that require a restart, ignoring them", "fields", restart)
	}

	newCore, err := s.buildCore(newCfg)
	if err != nil {
		return fmt.Errorf("rebuilding components: %w", err)
	}

	old := s.core.Swap(newCore)
	if old != nil {
		old.cancel()
		old.uriCache.Close()
	}

	if s.certs != nil && newCfg.Server.TLS.CertFile != "" && newCfg.Server.TLS.KeyFile != "" {
		if err := s.certs.Reload(newCfg.Server.TLS.CertFile, newCfg.Server.TLS.KeyFile); err != nil {
			s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		} else {
			s.logger.Info("TLS certificates reloaded")
		}
	}

	s.cfg = newCfg
	s.logger.Info("configuration reloaded")
	return nil
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout, _ := config.ParseDuration(s.cfg.Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if s.http3Server != nil {
		if err := s.http3Server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP/3 server shutdown error", "error", err)
		}
	}

	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("main server shutdown error", "error", err)
	}

	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	if c := s.core.Load(); c != nil {
		c.cancel()
		c.uriCache.Close()
	}

	if err := s.emitter.Close(); err != nil {
		s.logger.Error("event emitter close error", "error", err)
	}

	if err := s.rdb.Close(); err != nil {
		s.logger.Error("redis close error", "error", err)
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

// pingAdapter narrows a redis client to the health checker's Pinger.
type pingAdapter struct {
	rdb iredis.Client
}

func (p pingAdapter) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// recomputeAdapter narrows the mode controller to the media handler's
// Recomputer, dropping the snapshot return value.
type recomputeAdapter struct {
	ctl *mode.Controller
}

func (r recomputeAdapter) Recompute(ctx context.Context) {
	r.ctl.Recompute(ctx)
}
