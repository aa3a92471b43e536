package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ollama-gateway/internal/apierr"
	"ollama-gateway/internal/auth"
	"ollama-gateway/internal/config"
	"ollama-gateway/internal/metrics"
	"ollama-gateway/internal/router"
	"ollama-gateway/internal/translator"
)

const (
	serviceName         = "ollama-gateway"
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	writeGrace          = 15 * time.Second
	idleTimeout         = 120 * time.Second
)

// Version is reported by the info endpoint. It is overridden at build time.
var Version = "dev"

type Server struct {
	cfg     config.Config
	router  *router.Router
	gate    *auth.Gate
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, rt *router.Router, gate *auth.Gate) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}
	if gate == nil {
		return nil, errors.New("auth gate must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = openAIErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"request_id", v.RequestID,
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			slog.Info("request", attrs...)
			return nil
		},
	}))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.Server.CORSAllowOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, auth.HeaderName},
	}))
	e.Use(gate.Middleware("/health", "/"))

	srv := &Server{
		cfg:     cfg,
		router:  rt,
		gate:    gate,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the fully wired HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port, s.gate.Open())
	slog.Info("starting server", "addr", s.address, "backend", s.cfg.Backend.BaseURL)

	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		// streamed generations may legitimately run for the whole backend
		// request budget
		WriteTimeout: s.cfg.Backend.RequestTimeout + writeGrace,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/", s.handleInfo)
	s.app.GET("/health", s.handleHealth)
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)
	s.app.POST("/v1/completions", s.handleCompletions)
	s.app.GET("/v1/models", s.handleModels)
	s.app.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"name":          serviceName,
		"version":       Version,
		"default_model": s.cfg.Defaults.Model,
		"health":        "/health",
		"endpoints": map[string]string{
			"chat":        "/v1/chat/completions",
			"completions": "/v1/completions",
			"models":      "/v1/models",
			"metrics":     "/metrics",
		},
	})
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req translator.ChatCompletionRequest
	if err := s.decodeRequestBody(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	if req.Stream {
		stream, err := s.router.ChatStream(ctx, req)
		if err != nil {
			return err
		}
		return relayStream(c, "chat", stream)
	}

	resp, err := s.router.Chat(ctx, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCompletions(c echo.Context) error {
	var req translator.CompletionRequest
	if err := s.decodeRequestBody(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	if req.Stream {
		stream, err := s.router.CompletionStream(ctx, req)
		if err != nil {
			return err
		}
		return relayStream(c, "completions", stream)
	}

	resp, err := s.router.Completion(ctx, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleModels(c echo.Context) error {
	list, err := s.router.Models(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) decodeRequestBody(c echo.Context, target any) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, s.cfg.Server.MaxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		var apiErr *apierr.Error
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &apiErr):
			return apiErr
		case errors.As(err, &tooLarge):
			return apierr.Newf(apierr.KindInvalidRequest, "request body exceeds %d bytes", tooLarge.Limit).
				WithCode("request_too_large").
				WithStatus(http.StatusRequestEntityTooLarge)
		case errors.Is(err, io.EOF):
			return apierr.InvalidRequest("", "request body is required")
		default:
			return apierr.Wrap(apierr.KindInvalidRequest, err, fmt.Sprintf("invalid JSON payload: %v", err))
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return apierr.InvalidRequest("", "request body must contain a single JSON object")
	}
	return nil
}

// openAIErrorHandler is the single point where handler errors become the
// error envelope.
func openAIErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		err = fromHTTPError(he)
	}

	status, body := translator.Envelope(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			"path", c.Path(),
			"status", status,
			"err", err,
		)
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, body)
}

// fromHTTPError maps echo's own routing and middleware errors onto the
// taxonomy.
func fromHTTPError(he *echo.HTTPError) error {
	msg := http.StatusText(he.Code)
	if m, ok := he.Message.(string); ok && m != "" {
		msg = m
	}

	switch {
	case he.Code == http.StatusNotFound:
		return apierr.New(apierr.KindInvalidRequest, "route not found").WithCode("not_found").WithStatus(he.Code)
	case he.Code == http.StatusMethodNotAllowed:
		return apierr.New(apierr.KindInvalidRequest, "method not allowed").WithCode("method_not_allowed").WithStatus(he.Code)
	case he.Code == http.StatusRequestEntityTooLarge:
		return apierr.New(apierr.KindInvalidRequest, "request body too large").WithCode("request_too_large").WithStatus(he.Code)
	case he.Code >= http.StatusBadRequest && he.Code < http.StatusInternalServerError:
		return apierr.New(apierr.KindInvalidRequest, msg).WithStatus(he.Code)
	default:
		return apierr.Wrap(apierr.KindInternal, he, msg)
	}
}

func printStartupBanner(port int, open bool) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println(serviceName + " ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  POST /v1/chat/completions")
	fmt.Println("  POST /v1/completions")
	fmt.Println("  GET  /metrics")
	keyHeader := fmt.Sprintf(" -H '%s: <key>'", auth.HeaderName)
	if open {
		fmt.Println("Authentication is DISABLED (auth.open: true).")
		keyHeader = ""
	}
	fmt.Printf("Example:\n  curl http://%s:%d/v1/chat/completions -H 'Content-Type: application/json'%s -d '{\"model\":\"mistral\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, port, keyHeader)
}
