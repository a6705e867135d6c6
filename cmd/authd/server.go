package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/sessions"
	oauth "github.com/haileyok/atproto-session-broker"
	"github.com/haileyok/atproto-session-broker/internal/ratelimit"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
)

const loginCookieName = "oauth-login"

type Server struct {
	e       *echo.Echo
	app     *oauth.ClientApp
	limiter *ratelimit.Limiter
	baseUrl string
	logger  *slog.Logger
}

type ServerArgs struct {
	App           *oauth.ClientApp
	Limiter       *ratelimit.Limiter
	BaseUrl       string
	SessionSecret []byte
	Logger        *slog.Logger
}

func NewServer(args ServerArgs) *Server {
	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		e:       e,
		app:     args.App,
		limiter: args.Limiter,
		baseUrl: args.BaseUrl,
		logger:  args.Logger,
	}

	e.HTTPErrorHandler = s.errorHandler

	e.Use(slogecho.New(args.Logger))

	cookies := sessions.NewCookieStore(args.SessionSecret)
	cookies.Options = &sessions.Options{
		Path:     "/oauth",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   true,
	}

	oauthGroup := e.Group("/oauth")
	oauthGroup.GET("/client-metadata.json", s.handleClientMetadata)
	oauthGroup.GET("/jwks.json", s.handleJwks)
	oauthGroup.POST("/login", s.handleLogin, session.Middleware(cookies))
	oauthGroup.GET("/callback", s.handleCallback, session.Middleware(cookies))
	oauthGroup.POST("/logout", s.handleLogout)

	api := e.Group("/api", s.requireSession)
	api.GET("/me", s.handleMe)
	api.GET("/profile", s.handleProfile)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return s
}

func (s *Server) pruneLimiter(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.limiter.Prune(); n > 0 {
				s.logger.Debug("pruned idle rate limiters", "count", n)
			}
		}
	}
}
