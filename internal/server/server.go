package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mohammad-safakhou/deepresearch/internal/audit"
	"github.com/mohammad-safakhou/deepresearch/internal/detector"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version is reported by /health.
const Version = "0.1.0"

// Pinger is implemented by dependencies /health can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the HTTP surface to the running service.
type Deps struct {
	Tasks       TaskStore
	Orch        Submitter
	Audit       AuditSink
	AuditPath   string
	Stream      Snapshotter // optional redis mirror for diagnostics
	Detector    detector.Options
	JWTSecret   []byte
	IngestToken string
	Logger      *log.Logger
	Debug       bool // log every request
}

// New builds the echo instance with every route registered.
func New(d Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	baseLogger := d.Logger
	if baseLogger == nil {
		baseLogger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	if d.Debug {
		e.Debug = true
		e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
			Format: "${method} ${uri} ${status} ${latency_human}\n",
			Output: baseLogger.Writer(),
		}))
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, "X-Research-ID"},
	}))

	e.GET("/health", healthHandler(d.Tasks))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")
	rh := &ResearchHandler{Tasks: d.Tasks, Orch: d.Orch, Logger: baseLogger}
	rh.Register(api.Group("/research"), d.JWTSecret)
	// unprefixed paths used by the original web client
	rh.Register(e.Group("/research"), d.JWTSecret)

	dh := &DiagnosticsHandler{Path: d.AuditPath, Stream: d.Stream, Options: d.Detector}
	dh.Register(api.Group("/diagnostics"))

	ih := &IngestHandler{Sink: d.Audit}
	ih.Register(api.Group("/audit"), d.IngestToken)

	return e
}

func healthHandler(tasks TaskStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		if p, ok := tasks.(Pinger); ok {
			ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{
					"status":  "degraded",
					"version": Version,
					"error":   err.Error(),
				})
			}
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy", "version": Version})
	}
}

// Run serves e on addr until ctx is cancelled, then drains in-flight requests.
func Run(ctx context.Context, addr string, e *echo.Echo) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", addr)
		errCh <- e.Start(addr)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// AuditSink receives ingested audit records.
type AuditSink interface {
	Append(ctx context.Context, e audit.Event)
}
