package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/deepresearch/internal/orchestrator"
	"github.com/mohammad-safakhou/deepresearch/internal/runtime"
	"github.com/mohammad-safakhou/deepresearch/internal/store"
)

// TaskStore is the read side of the task store used by the research endpoints.
type TaskStore interface {
	Get(ctx context.Context, researchID string) (store.Task, bool, error)
	List(ctx context.Context, opts store.ListOptions) ([]store.Task, error)
	Delete(ctx context.Context, researchID string) (bool, error)
}

// Submitter schedules new research tasks.
type Submitter interface {
	Submit(ctx context.Context, query string, kind store.Kind) (store.Task, error)
	SubmitWithID(ctx context.Context, researchID, query string, kind store.Kind) (store.Task, error)
}

type ResearchHandler struct {
	Tasks  TaskStore
	Orch   Submitter
	Logger *log.Logger
}

func (h *ResearchHandler) Register(g *echo.Group, secret []byte) {
	g.POST("", h.submit)
	g.GET("", h.list)
	g.GET("/:research_id", h.get)
	g.GET("/:research_id/report", h.report)
	g.DELETE("/:research_id", h.delete, runtime.EchoAuthMiddleware(secret), runtime.RequireScopes(runtime.ScopeAdmin))
}

type submitRequest struct {
	Query        string `json:"query"`
	Kind         string `json:"kind"`
	ResearchType string `json:"research_type"`
	ResearchID   string `json:"research_id"`
}

func (h *ResearchHandler) submit(c echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	rawKind := req.Kind
	if rawKind == "" {
		rawKind = req.ResearchType
	}
	kind, err := store.ParseKind(rawKind)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	var task store.Task
	if id := strings.TrimSpace(req.ResearchID); id != "" {
		task, err = h.Orch.SubmitWithID(ctx, id, req.Query, kind)
	} else {
		task, err = h.Orch.Submit(ctx, req.Query, kind)
	}
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, task)
	case errors.Is(err, store.ErrDuplicateKey):
		return echo.NewHTTPError(http.StatusConflict, "research_id already exists")
	case errors.Is(err, orchestrator.ErrEmptyQuery):
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	case errors.Is(err, orchestrator.ErrOverloaded), errors.Is(err, orchestrator.ErrClosed):
		c.Response().Header().Set("Retry-After", "30")
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *ResearchHandler) list(c echo.Context) error {
	var opts store.ListOptions
	var err error
	if v := c.QueryParam("limit"); v != "" {
		if opts.Limit, err = strconv.Atoi(v); err != nil || opts.Limit < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if opts.Offset, err = strconv.Atoi(v); err != nil || opts.Offset < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "offset must be a non-negative integer")
		}
	}
	if v := c.QueryParam("status"); v != "" {
		if opts.Status, err = store.ParseStatus(v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	items, err := h.Tasks.List(c.Request().Context(), opts)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []store.Task{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *ResearchHandler) get(c echo.Context) error {
	t, err := h.lookup(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *ResearchHandler) report(c echo.Context) error {
	t, err := h.lookup(c)
	if err != nil {
		return err
	}
	if t.Status != store.StatusCompleted || t.Result == nil {
		return echo.NewHTTPError(http.StatusConflict, "research "+t.ResearchID+" is "+string(t.Status))
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `inline; filename="`+t.ResearchID+`.md"`)
	return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", []byte(Markdown(t)))
}

func (h *ResearchHandler) delete(c echo.Context) error {
	id := c.Param("research_id")
	ok, err := h.Tasks.Delete(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "research not found")
	}
	if h.Logger != nil {
		subject, _ := runtime.SubjectFromContext(c.Request().Context())
		h.Logger.Printf("research %s deleted by %q", id, subject)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *ResearchHandler) lookup(c echo.Context) (store.Task, error) {
	id := c.Param("research_id")
	t, ok, err := h.Tasks.Get(c.Request().Context(), id)
	if err != nil {
		return store.Task{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return store.Task{}, echo.NewHTTPError(http.StatusNotFound, "research not found")
	}
	return t, nil
}
