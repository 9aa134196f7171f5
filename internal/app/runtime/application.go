// Package runtime turns a Config into a running marketplace process:
// persistence, settlement gateway, signer, locks, the application services
// and the HTTP server.
package runtime

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	app "github.com/R3E-Network/marketplace_layer/internal/app"
	"github.com/R3E-Network/marketplace_layer/internal/app/domain/money"
	"github.com/R3E-Network/marketplace_layer/internal/app/httpapi"
	"github.com/R3E-Network/marketplace_layer/internal/app/metrics"
	"github.com/R3E-Network/marketplace_layer/internal/app/storage/postgres"
	"github.com/R3E-Network/marketplace_layer/internal/config"
	"github.com/R3E-Network/marketplace_layer/internal/locks"
	"github.com/R3E-Network/marketplace_layer/internal/middleware"
	"github.com/R3E-Network/marketplace_layer/internal/platform/migrations"
	"github.com/R3E-Network/marketplace_layer/internal/resilience"
	"github.com/R3E-Network/marketplace_layer/internal/settlement"
	"github.com/R3E-Network/marketplace_layer/internal/signer"
	"github.com/R3E-Network/marketplace_layer/pkg/logger"
)

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg     *config.Config
	log     *logger.Logger
	app     *app.Application
	handler http.Handler
	server  *http.Server
	limiter *middleware.RateLimiter
	db      *sql.DB
	redis   *redis.Client
	audit   *httpapi.FileAuditSink
	stopBg  context.CancelFunc
}

// NewApplication builds every dependency described by cfg. Nothing is
// started until Run.
func NewApplication(cfg *config.Config, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("marketplace")
	}
	a := &Application{cfg: cfg, log: log}
	if err := a.build(); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *Application) build() error {
	cfg := a.cfg
	opts := app.Options{
		SettlementTimeout: cfg.Settlement.Timeout,
		CheckOrigin:       originChecker(cfg.Server.AllowedOrigins),
		Observer:          metrics.Observer{},
	}
	if cfg.Reconciler.Enabled {
		opts.ReconcileSchedule = cfg.Reconciler.Schedule
	}

	if cfg.Database.DSN != "" {
		if cfg.Database.Migrate {
			if err := migrations.Up(cfg.Database.DSN); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			a.log.Info("database migrations applied")
		}
		db, err := openDatabase(cfg.Database)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		a.db = db
		store := postgres.New(db)
		opts.Stores = app.Stores{Jobs: store, Applications: store, Escrows: store, Reputation: store}
	} else {
		a.log.Warn("database.dsn not set; marketplace state is kept in memory")
	}

	gateway, err := buildGateway(cfg.Settlement)
	if err != nil {
		return fmt.Errorf("configure settlement gateway: %w", err)
	}
	opts.Gateway = gateway

	masterKey, err := parseMasterKey(cfg.Signer.MasterKey)
	if err != nil {
		return fmt.Errorf("signer master key: %w", err)
	}
	keys, err := signer.NewKeyring(signer.KeyringConfig{MasterKey: masterKey, DeriveUnknown: cfg.Signer.DeriveUnknown})
	if err != nil {
		return fmt.Errorf("configure signer: %w", err)
	}
	opts.Signer = keys

	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		ttl := cfg.Redis.LockTTL
		if floor := 2 * cfg.Settlement.Timeout; ttl < floor {
			ttl = floor
		}
		opts.Locker = locks.NewRedis(a.redis, locks.RedisConfig{TTL: ttl, Log: a.log.Named("locks")})
	}

	a.app, err = app.New(opts, a.log.Named("app"))
	if err != nil {
		return err
	}

	verifyKey, err := authKey(cfg.Auth)
	if err != nil {
		return fmt.Errorf("configure auth: %w", err)
	}
	authOpts := []middleware.AuthOption{middleware.WithUpgradeTokenParam("access_token")}
	if cfg.Auth.AnonymousReads {
		authOpts = append(authOpts, middleware.WithAnonymousReads())
	}
	if cfg.Auth.Issuer != "" {
		authOpts = append(authOpts, middleware.WithIssuer(cfg.Auth.Issuer))
	}

	a.audit, err = httpapi.NewFileAuditSink(cfg.Server.AuditFile)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	var sink httpapi.AuditSink
	if a.audit != nil {
		sink = a.audit
	}

	if cfg.RateLimit.Enabled {
		a.limiter = middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, a.log.Named("ratelimit"))
	}

	a.handler = httpapi.NewHandler(httpapi.Options{
		API:        a.app.API,
		Events:     a.app.Hub,
		Metrics:    metrics.Handler(),
		Auth:       middleware.NewAuthMiddleware(verifyKey, a.log.Named("auth"), nil, authOpts...),
		RateLimit:  a.limiter,
		CORS:       middleware.NewCORSMiddleware(cfg.Server.AllowedOrigins),
		Audit:      httpapi.NewAuditLog(500, sink, a.log.Named("audit")),
		Health:     a.health,
		Instrument: metrics.InstrumentHandler,
		Log:        a.log.Named("http"),
	})
	a.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
	return nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *Application) Handler() http.Handler { return a.handler }

// Run starts the background services and the HTTP server, and blocks until
// ctx is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.stopBg = cancel
	if a.limiter != nil {
		a.limiter.StartCleanup(bgCtx, time.Minute)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", a.cfg.Server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown drains the HTTP server, stops the services and releases
// connections.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http: %w", err))
		}
	}
	if a.app != nil {
		if err := a.app.Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.stopBg != nil {
		a.stopBg()
	}
	a.closeResources()
	return errors.Join(errs...)
}

func (a *Application) closeResources() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("error closing redis connection")
		}
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.log.WithError(err).Warn("error closing audit file")
		}
	}
}

func (a *Application) health(ctx context.Context) error {
	if a.db != nil {
		if err := a.db.PingContext(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func buildGateway(cfg config.SettlementConfig) (settlement.Gateway, error) {
	if cfg.URL != "" {
		return settlement.NewHTTPGateway(settlement.HTTPConfig{
			BaseURL: cfg.URL,
			APIKey:  cfg.APIKey,
			Timeout: cfg.Timeout,
			Breaker: resilience.DefaultCircuitBreakerConfig(),
		})
	}
	sandbox := settlement.NewSandbox()
	for _, entry := range cfg.SandboxFunds {
		address, currency, amount, err := parseFunding(entry)
		if err != nil {
			return nil, err
		}
		sandbox.Fund(address, currency, amount)
	}
	return sandbox, nil
}

// parseFunding reads "address:CURRENCY:amount".
func parseFunding(entry string) (string, money.Currency, decimal.Decimal, error) {
	parts := strings.Split(strings.TrimSpace(entry), ":")
	if len(parts) != 3 || parts[0] == "" {
		return "", "", decimal.Decimal{}, fmt.Errorf("sandbox funding %q: want address:CURRENCY:amount", entry)
	}
	currency, ok := money.ParseCurrency(parts[1])
	if !ok {
		return "", "", decimal.Decimal{}, fmt.Errorf("sandbox funding %q: unsupported currency", entry)
	}
	amount, err := decimal.NewFromString(parts[2])
	if err != nil || !amount.IsPositive() {
		return "", "", decimal.Decimal{}, fmt.Errorf("sandbox funding %q: invalid amount", entry)
	}
	return parts[0], currency, amount, nil
}

// parseMasterKey accepts the key as hex, base64 or raw bytes, in that order.
// The decoded key must be at least 32 bytes.
func parseMasterKey(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("missing master key")
	}

	if decoded, err := hex.DecodeString(value); err == nil && len(decoded) >= 32 {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil && len(decoded) >= 32 {
		return decoded, nil
	}
	if len(value) >= 32 {
		return []byte(value), nil
	}
	return nil, errors.New("master key must decode to at least 32 bytes")
}

func authKey(cfg config.AuthConfig) (interface{}, error) {
	if cfg.PublicKeyFile != "" {
		pem, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, err
		}
		return jwt.ParseRSAPublicKeyFromPEM(pem)
	}
	if len(cfg.JWTSecret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 characters")
	}
	return []byte(cfg.JWTSecret), nil
}

// originChecker guards websocket upgrades with the CORS origin list.
// Requests without an Origin header come from non-browser clients.
func originChecker(allowed []string) func(*http.Request) bool {
	cors := middleware.NewCORSMiddleware(allowed)
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || cors.Allowed(origin)
	}
}
