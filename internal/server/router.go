package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/scanflow/internal/coordinator"
	"github.com/loykin/scanflow/internal/history"
	"github.com/loykin/scanflow/internal/record"
	"github.com/loykin/scanflow/internal/state"
)

// Router provides embeddable HTTP handlers for the scan engine.
// Endpoints:
//   POST {basePath}/scan        body: raw scan JSON
//   GET  {basePath}/history     query: limit=...&q=... (both optional)
//   GET  {basePath}/history/export   CSV download
//   GET  {basePath}/stats
//   GET  {basePath}/state
//   POST {basePath}/rotate
//   POST {basePath}/reset
//   GET  {basePath}/healthz
// basePath may be empty or start with '/'; no trailing slash.

type Router struct {
	coord    *coordinator.Coordinator
	store    *history.Store
	basePath string
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/scan, /api/history, /api/stats.
func NewRouter(coord *coordinator.Coordinator, store *history.Store, basePath string) *Router {
	return &Router{coord: coord, store: store, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/scan", r.handleScan)
	group.GET("/history", r.handleHistory)
	group.GET("/history/export", r.handleExport)
	group.GET("/stats", r.handleStats)
	group.GET("/state", r.handleState)
	group.POST("/rotate", r.handleRotate)
	group.POST("/reset", r.handleReset)
	group.GET("/healthz", r.handleHealthz)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, coord *coordinator.Coordinator, store *history.Store) (*http.Server, error) {
	r := NewRouter(coord, store, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type scanResp struct {
	Status string        `json:"status"`
	Record record.Record `json:"record,omitempty"`
	Error  string        `json:"error,omitempty"`
}

func (r *Router) handleScan(c *gin.Context) {
	var raw coordinator.RawEvent
	if err := c.ShouldBindJSON(&raw); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	out := r.coord.Submit(raw)
	resp := scanResp{Status: string(out.Status), Record: out.Record}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}
	switch out.Status {
	case coordinator.StatusAccepted:
		writeJSON(c, http.StatusAccepted, resp)
	case coordinator.StatusDuplicate:
		writeJSON(c, http.StatusConflict, resp)
	default:
		writeJSON(c, http.StatusBadRequest, resp)
	}
}

func (r *Router) handleHistory(c *gin.Context) {
	if q := c.Query("q"); q != "" {
		writeJSON(c, http.StatusOK, r.store.Search(q))
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	writeJSON(c, http.StatusOK, r.store.Recent(limit))
}

func (r *Router) handleExport(c *gin.Context) {
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", `attachment; filename="scan_history.csv"`)
	c.Status(http.StatusOK)
	if err := r.store.ExportCSV(c.Writer); err != nil {
		// headers are already out; nothing to do but log through gin
		_ = c.Error(err)
	}
}

func (r *Router) handleStats(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.store.Stats())
}

type stateResp struct {
	State       string             `json:"state"`
	Transitions []state.Transition `json:"transitions,omitempty"`
}

func (r *Router) handleState(c *gin.Context) {
	writeJSON(c, http.StatusOK, stateResp{
		State:       r.coord.State().String(),
		Transitions: r.coord.Transitions(),
	})
}

func (r *Router) handleRotate(c *gin.Context) {
	if err := r.store.Rotate(); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true, "archives": r.store.Archives()})
}

func (r *Router) handleReset(c *gin.Context) {
	if err := r.coord.Reset(); err != nil {
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"ok": true, "state": r.coord.State().String()})
}
