package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	oauth "github.com/haileyok/atproto-session-broker"
	"github.com/haileyok/atproto-session-broker/internal/ratelimit"
	"github.com/haileyok/atproto-session-broker/redisstore"
	"github.com/haileyok/atproto-session-broker/userdb"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:    "authd",
		Usage:   "atproto oauth login and session service",
		Version: versioninfo.Short(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "bind",
				Value:   ":7070",
				EnvVars: []string{"AUTHD_BIND"},
			},
			&cli.StringFlag{
				Name:     "hostname",
				Usage:    "public hostname the client metadata and callback are served from",
				Required: true,
				EnvVars:  []string{"AUTHD_HOSTNAME"},
			},
			&cli.StringFlag{
				Name:    "client-secret-jwk",
				Usage:   "ES256 private JWK, enables private_key_jwt client authentication",
				EnvVars: []string{"AUTHD_CLIENT_SECRET_JWK"},
			},
			&cli.StringFlag{
				Name:    "scope",
				Value:   oauth.DefaultScope,
				EnvVars: []string{"AUTHD_SCOPE"},
			},
			&cli.StringFlag{
				Name:    "default-handle-suffix",
				Value:   oauth.DefaultHandleSuffix,
				EnvVars: []string{"AUTHD_DEFAULT_HANDLE_SUFFIX"},
			},
			&cli.StringFlag{
				Name:    "plc-url",
				Value:   oauth.DefaultPlcUrl,
				EnvVars: []string{"AUTHD_PLC_URL"},
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "redis:// url for the session store, in-memory when empty",
				EnvVars: []string{"AUTHD_REDIS_URL"},
			},
			&cli.StringFlag{
				Name:    "db-driver",
				Value:   "sqlite",
				Usage:   "sqlite or postgres",
				EnvVars: []string{"AUTHD_DB_DRIVER"},
			},
			&cli.StringFlag{
				Name:    "db-dsn",
				Value:   "authd.db",
				EnvVars: []string{"AUTHD_DB_DSN"},
			},
			&cli.StringFlag{
				Name:    "session-secret",
				Usage:   "key for the login cookie, random per process when empty",
				EnvVars: []string{"AUTHD_SESSION_SECRET"},
			},
			&cli.DurationFlag{
				Name:    "refresh-threshold",
				Value:   5 * time.Minute,
				EnvVars: []string{"AUTHD_REFRESH_THRESHOLD"},
			},
			&cli.DurationFlag{
				Name:    "refresh-backoff-base",
				Value:   5 * time.Second,
				EnvVars: []string{"AUTHD_REFRESH_BACKOFF_BASE"},
			},
			&cli.DurationFlag{
				Name:    "refresh-backoff-cap",
				Value:   10 * time.Minute,
				EnvVars: []string{"AUTHD_REFRESH_BACKOFF_CAP"},
			},
			&cli.IntFlag{
				Name:    "refresh-max-failures",
				Value:   5,
				EnvVars: []string{"AUTHD_REFRESH_MAX_FAILURES"},
			},
			&cli.DurationFlag{
				Name:    "sweep-interval",
				Value:   5 * time.Minute,
				EnvVars: []string{"AUTHD_SWEEP_INTERVAL"},
			},
			&cli.Float64Flag{
				Name:    "rate-limit",
				Usage:   "authenticated requests per second per account and route",
				Value:   5,
				EnvVars: []string{"AUTHD_RATE_LIMIT"},
			},
			&cli.IntFlag{
				Name:    "rate-burst",
				Value:   20,
				EnvVars: []string{"AUTHD_RATE_BURST"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				EnvVars: []string{"AUTHD_LOG_LEVEL"},
			},
		},
		Action: run,
	}

	app.RunAndExitOnError()
}

func run(cctx *cli.Context) error {
	ctx, cancel := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var level slog.Level
	if err := level.UnmarshalText([]byte(cctx.String("log-level"))); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	hostname := strings.TrimSuffix(cctx.String("hostname"), "/")
	baseUrl := "https://" + hostname

	clientJwk := cctx.String("client-secret-jwk")
	args := oauth.ClientArgs{
		ClientId:    baseUrl + "/oauth/client-metadata.json",
		RedirectUri: baseUrl + "/oauth/callback",
		Scope:       cctx.String("scope"),
		Logger:      logger,
	}
	if clientJwk != "" {
		key, err := oauth.ParseJWKFromBytes([]byte(clientJwk))
		if err != nil {
			return fmt.Errorf("could not parse client secret jwk: %w", err)
		}
		args.ClientJwk = key
	}

	client, err := oauth.NewClient(args)
	if err != nil {
		return err
	}

	resolver := oauth.NewResolver(oauth.ResolverArgs{
		PlcUrl:              cctx.String("plc-url"),
		DefaultHandleSuffix: cctx.String("default-handle-suffix"),
		Confidential:        client.IsConfidential(),
		Logger:              logger,
	})

	var store oauth.SessionStore
	if u := cctx.String("redis-url"); u != "" {
		rs, err := redisstore.NewFromURL(ctx, u, "")
		if err != nil {
			return err
		}
		defer rs.Close()
		store = rs
	} else {
		logger.Warn("no redis url configured, sessions are kept in memory")
		store = oauth.NewMemStore()
	}

	users, err := userdb.Open(cctx.String("db-driver"), cctx.String("db-dsn"), logger)
	if err != nil {
		return fmt.Errorf("could not open user database: %w", err)
	}
	defer users.Close()

	policy := oauth.DefaultSessionPolicy()
	policy.RefreshThreshold = cctx.Duration("refresh-threshold")
	policy.BackoffBase = cctx.Duration("refresh-backoff-base")
	policy.BackoffCap = cctx.Duration("refresh-backoff-cap")
	policy.MaxRefreshFailures = cctx.Int("refresh-max-failures")

	capp, err := oauth.NewClientApp(oauth.ClientAppArgs{
		Client:   client,
		Resolver: resolver,
		Store:    store,
		Users:    users,
		Policy:   &policy,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	secret := cctx.String("session-secret")
	if secret == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return err
		}
		secret = hex.EncodeToString(b)
		logger.Warn("no session secret configured, login cookies will not survive a restart")
	}

	limiter := ratelimit.New(cctx.Float64("rate-limit"), cctx.Int("rate-burst"), 10*time.Minute)

	s := NewServer(ServerArgs{
		App:           capp,
		Limiter:       limiter,
		BaseUrl:       baseUrl,
		SessionSecret: []byte(secret),
		Logger:        logger,
	})

	go capp.Run(ctx, cctx.Duration("sweep-interval"))
	go s.pruneLimiter(ctx, cctx.Duration("sweep-interval"))

	httpd := http.Server{
		Addr:              cctx.String("bind"),
		Handler:           s.e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("starting http server", "bind", httpd.Addr, "clientId", client.ClientId(), "version", versioninfo.Short())
		if err := httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting down")

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()

	return httpd.Shutdown(sctx)
}
