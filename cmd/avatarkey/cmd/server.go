package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/jmcleod/avatarkey/api"
	"github.com/jmcleod/avatarkey/grant"
	"github.com/jmcleod/avatarkey/internal/config"
	"github.com/jmcleod/avatarkey/internal/ratelimit"
	"github.com/jmcleod/avatarkey/internal/util"
	"github.com/jmcleod/avatarkey/media"
	"github.com/jmcleod/avatarkey/provider"
	"github.com/jmcleod/avatarkey/room"
	"github.com/jmcleod/avatarkey/session"
	"github.com/jmcleod/avatarkey/storage"
	bboltstorage "github.com/jmcleod/avatarkey/storage/bbolt"
	"github.com/jmcleod/avatarkey/storage/memory"
	"github.com/jmcleod/avatarkey/storage/postgres"
	"github.com/jmcleod/avatarkey/unlock"
	"github.com/jmcleod/avatarkey/vault"
)

var (
	listenAddr string
	dataDir    string
	tlsCert    string
	tlsKey     string
	logLevel   string
)

const (
	shutdownTimeout      = 15 * time.Second
	sweepInterval        = 5 * time.Minute
	sessionSweepInterval = time.Minute
	redisKeyPrefix       = "avatarkey:unlock:"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath, os.Getenv)
		if err != nil {
			return err
		}
		applyServerFlags(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, cfg, cmd)
	},
}

func applyServerFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.ListenAddr = listenAddr
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if flags.Changed("tls-cert") {
		cfg.TLSCert = tlsCert
	}
	if flags.Changed("tls-key") {
		cfg.TLSKey = tlsKey
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
}

func runServer(ctx context.Context, cfg config.Config, cmd *cobra.Command) error {
	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
	logger.Info("starting", slog.Any("config", cfg.Redacted()))

	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()

	signer, err := newSigner(cfg)
	if err != nil {
		return err
	}

	limiter, closeLimiter, err := newUnlockLimiter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	gate, err := unlock.NewGate([]byte(cfg.Secrets.UnlockPassword), signer,
		unlock.WithTTL(cfg.Unlock.GrantTTL),
		unlock.WithLimiter(limiter),
	)
	if err != nil {
		return fmt.Errorf("creating unlock gate: %w", err)
	}
	cfg.Secrets.UnlockPassword = ""

	kind := provider.Kind(cfg.Provider.Kind)
	clientOpts := providerOptions(cfg)
	validator, err := provider.NewValidator(kind, cfg.Provider.BaseURL, clientOpts...)
	if err != nil {
		return err
	}

	encKey, err := cfg.EncryptionKey()
	if err != nil {
		return err
	}
	v, err := vault.New(repo, signer, validator, encKey, vault.WithLogger(logger))
	util.WipeBytes(encKey)
	if err != nil {
		return fmt.Errorf("opening credential vault: %w", err)
	}

	var a *api.API
	mgr := session.NewManager(ctx, sessionConfig(cfg), session.Deps{
		Credentials: v,
		Providers: func(apiKey, clientID string) session.Provider {
			opts := slices.Concat(clientOpts, []provider.ClientOption{
				provider.WithClientID(clientID),
				provider.WithAuthScheme(provider.AuthSchemeFor(kind)),
			})
			return provider.NewClient(cfg.Provider.BaseURL, apiKey, opts...)
		},
		Rooms:    session.RoomDialer(&room.Dialer{Logger: logger}),
		Logger:   logger.With("component", "session"),
		Observer: func(ev session.Event) { a.ObserveSession(ev) },
	})

	if evict := cfg.Session.EvictAfter; evict > 0 {
		go runEvery(ctx, clockwork.NewRealClock(), min(evict, sessionSweepInterval), func() {
			if n := mgr.Sweep(evict); n > 0 {
				logger.Debug("evicted idle session controllers", slog.Int("count", n))
			}
		})
	}

	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return err
	}
	a = api.New(gate, v, mgr,
		api.WithLogger(logger),
		api.WithAllowedOrigins(cfg.WSAllowedOrigins),
		api.WithTrustedProxies(proxies),
	)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(api.SecurityHeaders)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Mount("/api/v1", a.Router())

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: session starts wait on the provider and the
		// snapshot stream is long-lived.
		IdleTimeout: 60 * time.Second,
	}
	if cfg.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	done := make(chan error, 1)
	go func() {
		var err error
		if server.TLSConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			logger.Warn("TLS is not configured; serving plain HTTP")
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	printBanner(cmd.OutOrStdout())
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s (storage: %s)\n", cfg.ListenAddr, cfg.Storage.Backend)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-done:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown failed: %w", err))
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("session shutdown failed: %w", err))
	}
	return errors.Join(errs...)
}

func openRepository(ctx context.Context, cfg config.Config) (storage.Repository, func(), error) {
	switch cfg.Storage.Backend {
	case "memory":
		return memory.NewRepository(), func() {}, nil
	case "postgres":
		store, err := postgres.NewRepositoryFromDSN(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.DataDir, "avatarkey.db"), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open storage: %w", err)
		}
		return store, func() { store.Close() }, nil
	}
}

func newSigner(cfg config.Config) (*grant.Signer, error) {
	key, err := cfg.SigningKey()
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(key)
	return grant.NewSigner(key)
}

// newUnlockLimiter shares attempt counters through Redis when configured and
// otherwise keeps them in memory with a periodic sweep.
func newUnlockLimiter(ctx context.Context, cfg config.Config, logger *slog.Logger) (ratelimit.Limiter, func(), error) {
	policy := ratelimit.DefaultPolicy()
	policy.MaxFailures = cfg.Unlock.MaxFailures

	if cfg.Unlock.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Unlock.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}
		logger.Info("unlock attempts tracked in redis", slog.String("addr", cfg.Unlock.RedisAddr))
		return ratelimit.NewRedis(client, policy, redisKeyPrefix), func() { client.Close() }, nil
	}

	clock := clockwork.NewRealClock()
	mem := ratelimit.NewMemory(policy, clock)
	sweepCtx, cancel := context.WithCancel(ctx)
	go runEvery(sweepCtx, clock, sweepInterval, mem.Sweep)
	return mem, cancel, nil
}

// runEvery calls fn every interval until ctx is done.
func runEvery(ctx context.Context, clock clockwork.Clock, interval time.Duration, fn func()) {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			fn()
		}
	}
}

func providerOptions(cfg config.Config) []provider.ClientOption {
	opts := []provider.ClientOption{
		provider.WithHTTPClient(&http.Client{Timeout: cfg.Provider.Timeout}),
	}
	if rps := cfg.Provider.RequestsPerSecond; rps > 0 {
		burst := max(1, int(rps))
		opts = append(opts, provider.WithLimiter(rate.NewLimiter(rate.Limit(rps), burst)))
	}
	return slices.Clip(opts)
}

func sessionConfig(cfg config.Config) session.Config {
	return session.Config{
		Duration:      cfg.SessionDuration(),
		WarnThreshold: time.Duration(cfg.Session.WarnSeconds) * time.Second,
		ExtendMinutes: cfg.Session.ExtendMinutes,
		Cooldown:      cfg.Session.Cooldown,
		IdleTimeout:   cfg.Session.IdleTimeout,
		CallTimeout:   cfg.Provider.Timeout,
		MaxAudioBytes: media.DefaultMaxBytes,
	}
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&listenAddr, "listen", "l", ":8443", "Address to listen on")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	serverCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
}
