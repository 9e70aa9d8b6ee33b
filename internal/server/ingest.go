package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/deepresearch/internal/audit"
	"github.com/mohammad-safakhou/deepresearch/internal/helpers"
	"github.com/mohammad-safakhou/deepresearch/internal/runtime"
)

const maxIngestBody = 10 << 20

// IngestHandler accepts audit records from a research engine running in another process.
type IngestHandler struct {
	Sink AuditSink
}

func (h *IngestHandler) Register(g *echo.Group, token string) {
	g.GET("/schema", h.schema)
	g.POST("/events", h.ingest, runtime.StaticTokenMiddleware(token))
}

func (h *IngestHandler) schema(c echo.Context) error {
	return c.JSONBlob(http.StatusOK, audit.RecordSchema())
}

func (h *IngestHandler) ingest(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxIngestBody+1))
	if err != nil || len(body) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if len(body) > maxIngestBody {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "body too large")
	}

	// single object or array
	var raws []json.RawMessage
	var single map[string]json.RawMessage
	if err := json.Unmarshal(body, &single); err == nil {
		raws = []json.RawMessage{body}
	} else if err := json.Unmarshal(body, &raws); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}

	events := make([]audit.Event, 0, len(raws))
	for i, raw := range raws {
		if err := audit.ValidateDocument(raw); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("record %d: %v", i, err))
		}
		var e audit.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("record %d: %v", i, err))
		}
		if e.Category == audit.CategoryTask {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("record %d: task records are written by the orchestrator", i))
		}
		if err := e.Validate(); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("record %d: %v", i, err))
		}
		// search titles often arrive with highlight markup
		e.FirstResult = helpers.StripTags(e.FirstResult)
		events = append(events, e)
	}

	ctx := c.Request().Context()
	if id := strings.TrimSpace(c.Request().Header.Get("X-Research-ID")); id != "" {
		ctx = audit.WithResearchID(ctx, id)
	}
	for _, e := range events {
		// the file is ordered by arrival, not by the sender's clock
		e.Timestamp = time.Now().UTC()
		h.Sink.Append(ctx, e)
	}
	return c.JSON(http.StatusAccepted, map[string]int{"accepted": len(events)})
}
