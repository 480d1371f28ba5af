// Package orchestrator implements the Lifecycle Orchestrator (component H):
// it wires every other component together per the startup order of
// SPEC_FULL.md §4.H, binds the configured transport(s), and drives the
// five-step graceful shutdown sequence on the first termination signal.
package orchestrator

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/dbgate/dbgate/auththrottle"
	"github.com/dbgate/dbgate/config"
	"github.com/dbgate/dbgate/dbpool"
	"github.com/dbgate/dbgate/dbpool/sqlite"
	"github.com/dbgate/dbgate/httpapi"
	"github.com/dbgate/dbgate/internal/jsonrpc"
	"github.com/dbgate/dbgate/mcpsession"
	"github.com/dbgate/dbgate/protocol"
	"github.com/dbgate/dbgate/protocol/reference"
	"github.com/dbgate/dbgate/ratelimit"
	"github.com/dbgate/dbgate/router"
	"github.com/dbgate/dbgate/stdio"
	"github.com/dbgate/dbgate/streaminghttp"
	"github.com/dbgate/dbgate/token"
)

// Orchestrator owns every long-lived collaborator and the HTTP listener.
type Orchestrator struct {
	cfg *config.Config
	log *slog.Logger

	pools    *dbpool.Registry
	tokens   *token.Manager
	sessions *mcpsession.Manager
	api      *httpapi.Server
	factory  *reference.Factory

	httpServer *http.Server
	stdioSrv   *stdio.Server
}

// New wires every component against cfg: config is already resolved by the
// caller; the pool registry, token and session managers are built first,
// then (in required auth mode) the pool-registry cleanup callback is
// registered on the token manager, then the query-tool factory, the router,
// the HTTP API, its rate limiter and its auth throttle. Nothing is bound
// until Run.
func New(cfg *config.Config, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}

	db := sqlite.Database{}
	pools := dbpool.New(db, log)
	tokens := token.New(token.Config{MaxSessions: cfg.MaxSessions, DefaultTTL: cfg.TokenExpiry}, log)
	sessions := mcpsession.New(mcpsession.Config{}, log)

	if cfg.AuthMode == config.AuthModeRequired {
		tokens.SetCleanupCallback(func(tok string) {
			sessions.CloseByPoolKey(tok)
			pools.Close(tok)
		})
	}

	factory := reference.NewFactory(reference.Limits{
		DefaultLimit: cfg.QueryDefaultLimit,
		MaxLimit:     cfg.QueryMaxLimit,
	}, log)

	rt := &router.Router{
		Pools:    pools,
		Sessions: sessions,
		Tokens:   tokens,
		Factory:  factory,
		NewTransport: func(d router.Dispatcher, sessionID string, stateful bool) protocol.Transport {
			return streaminghttp.New(d, sessionID, stateful)
		},
		EnvConfig: dbpool.DatabaseConfig{
			Host:          cfg.DB.Host,
			Port:          cfg.DB.Port,
			Username:      cfg.DB.User,
			Password:      cfg.DB.Password,
			Database:      cfg.DB.Database,
			Schema:        cfg.DB.Schema,
			DriverOptions: cfg.DriverOptions(),
		},
		Stateful: cfg.SessionMode == config.SessionModeStateful,
		Log:      log,
	}

	api := httpapi.New(cfg, log)
	api.Pools = pools
	api.Tokens = tokens
	api.Sessions = sessions
	api.Router = rt
	api.RateLimiter = ratelimit.New(ratelimit.Config{
		Window:      cfg.RateLimitWindow(),
		MaxRequests: cfg.RateLimitMaxRequests,
		Enabled:     cfg.RateLimitEnabled,
	})
	api.AuthThrottle = auththrottle.New(auththrottle.Config{})
	api.BaseURL = baseURL(cfg)

	return &Orchestrator{
		cfg:      cfg,
		log:      log,
		pools:    pools,
		tokens:   tokens,
		sessions: sessions,
		api:      api,
		factory:  factory,
	}
}

func baseURL(cfg *config.Config) string {
	scheme := "http"
	if cfg.TLSEnabled {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.HTTPHost, cfg.HTTPPort)
}

// Run starts every sweeper and the configured transport(s), then blocks
// until ctx is canceled, running the shutdown sequence before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	go o.sessions.Run(ctx)
	go o.tokens.Run(ctx)
	go o.api.RateLimiter.Run(ctx)

	errCh := make(chan error, 2)

	if o.cfg.Transport == config.TransportHTTP || o.cfg.Transport == config.TransportBoth {
		if err := o.startHTTP(errCh); err != nil {
			return err
		}
	}

	if o.cfg.Transport == config.TransportStdio || o.cfg.Transport == config.TransportBoth {
		o.startStdio(ctx, errCh)
	}

	select {
	case <-ctx.Done():
		o.log.Info("orchestrator.shutdown.signal")
	case err := <-errCh:
		o.log.Error("orchestrator.transport.fail", slog.String("err", err.Error()))
	}

	o.shutdown()
	return nil
}

func (o *Orchestrator) startHTTP(errCh chan error) error {
	addr := net.JoinHostPort(o.cfg.HTTPHost, strconv.Itoa(o.cfg.HTTPPort))
	o.httpServer = &http.Server{
		Addr:    addr,
		Handler: o.api.Mux(),
	}

	if !o.cfg.TLSEnabled && o.cfg.HTTPHost != "127.0.0.1" && o.cfg.HTTPHost != "localhost" && o.cfg.HTTPHost != "::1" {
		o.log.Warn("orchestrator.http.insecure_bind", slog.String("host", o.cfg.HTTPHost))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("orchestrator: listen on %s: %w", addr, err)
	}

	if o.cfg.TLSEnabled {
		cert, err := tls.LoadX509KeyPair(o.cfg.TLSCertPath, o.cfg.TLSKeyPath)
		if err != nil {
			ln.Close()
			return fmt.Errorf("orchestrator: load TLS keypair: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
	}

	go func() {
		o.log.Info("orchestrator.http.listen", slog.String("addr", addr), slog.Bool("tls", o.cfg.TLSEnabled))
		if err := o.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	return nil
}

func (o *Orchestrator) startStdio(ctx context.Context, errCh chan error) {
	envCfg := dbpool.DatabaseConfig{
		Host:          o.cfg.DB.Host,
		Port:          o.cfg.DB.Port,
		Username:      o.cfg.DB.User,
		Password:      o.cfg.DB.Password,
		Database:      o.cfg.DB.Database,
		Schema:        o.cfg.DB.Schema,
		DriverOptions: o.cfg.DriverOptions(),
	}

	if err := o.pools.Ensure(ctx, dbpool.GlobalKey, envCfg); err != nil {
		errCh <- fmt.Errorf("orchestrator: stdio pool: %w", err)
		return
	}
	pool := o.pools.Get(dbpool.GlobalKey)

	server, err := o.factory.Create(ctx, envCfg, dbpool.GlobalKey, pool)
	if err != nil {
		errCh <- fmt.Errorf("orchestrator: stdio server: %w", err)
		return
	}

	dispatcher, ok := server.(router.Dispatcher)
	if !ok {
		errCh <- fmt.Errorf("orchestrator: stdio protocol server does not support dispatch")
		return
	}

	o.stdioSrv = stdio.New(dispatcher, os.Stdin, os.Stdout, o.log)
	if err := server.Connect(&stdioTransportAdapter{o.stdioSrv}); err != nil {
		errCh <- fmt.Errorf("orchestrator: stdio connect: %w", err)
		return
	}

	go func() {
		if err := o.stdioSrv.Run(ctx); err != nil {
			errCh <- err
		}
	}()
}

// stdioTransportAdapter satisfies protocol.Transport so the reference
// server's Connect can bind to it, but HandleRequest is never called: the
// stdio.Server drives dispatch itself from its own read loop, not through
// the HTTP-shaped Transport contract.
type stdioTransportAdapter struct {
	s *stdio.Server
}

func (a *stdioTransportAdapter) HandleRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, body *jsonrpc.AnyMessage) error {
	return fmt.Errorf("orchestrator: stdio transport does not serve HTTP exchanges")
}

func (a *stdioTransportAdapter) Close() error      { return a.s.Close() }
func (a *stdioTransportAdapter) OnClose(fn func()) {}

// shutdown runs the five-step sequence of §4.H.
func (o *Orchestrator) shutdown() {
	if o.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.httpServer.Shutdown(shutdownCtx); err != nil {
			o.log.Warn("orchestrator.http.shutdown.fail", slog.String("err", err.Error()))
		}
	}
	if o.stdioSrv != nil {
		o.stdioSrv.Close()
	}

	o.sessions.Shutdown()
	o.tokens.Shutdown()
	o.pools.CloseAll()

	o.log.Info("orchestrator.shutdown.complete")
}
