package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/deepresearch/internal/audit"
	"github.com/mohammad-safakhou/deepresearch/internal/detector"
)

const defaultDiagnosticsTail = 500

// Snapshotter reads recent audit records from the redis mirror.
type Snapshotter interface {
	Snapshot(ctx context.Context, n int64) ([]audit.Event, error)
}

// DiagnosticsHandler runs the anomaly detector over the audit trail.
type DiagnosticsHandler struct {
	Path    string
	Stream  Snapshotter
	Options detector.Options
}

func (h *DiagnosticsHandler) Register(g *echo.Group) {
	g.GET("", h.report)
}

func (h *DiagnosticsHandler) report(c echo.Context) error {
	tail := defaultDiagnosticsTail
	if v := c.QueryParam("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "tail must be a non-negative integer")
		}
		tail = n
	}
	opts := h.Options
	opts.ResearchID = c.QueryParam("research_id")
	if v := c.QueryParam("threshold"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "threshold must be a positive integer")
		}
		opts.IterationThreshold = n
	}

	var (
		events []audit.Event
		err    error
	)
	switch c.QueryParam("source") {
	case "", "file":
		events, err = audit.Tail(h.Path, tail)
	case "redis":
		if h.Stream == nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "redis audit mirror not configured")
		}
		events, err = h.Stream.Snapshot(c.Request().Context(), int64(tail))
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "source must be file or redis")
	}
	if err != nil && !errors.Is(err, audit.ErrNoLogs) {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	rep := detector.Analyze(events, opts)
	if c.QueryParam("format") == "text" {
		return c.String(http.StatusOK, detector.Detailed(rep))
	}
	return c.JSON(http.StatusOK, rep)
}
