// Package admin serves the read-through JSON admin surface over the state
// store's documents, plus the two writer endpoints (force-close and
// bot-control) and the performance-refresh trigger. It is deliberately
// thin: every GET except the alerts feed (read straight from the file) is
// a locked read of the corresponding document, so a
// separate admin process pointed at the same data directory would behave
// identically.
package admin

import (
	"bufio"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nof1ai/perpengine/internal/logger"
	"github.com/nof1ai/perpengine/internal/metrics"
	"github.com/nof1ai/perpengine/internal/performance"
	"github.com/nof1ai/perpengine/internal/portfolio"
	"github.com/nof1ai/perpengine/internal/store"
)

// Server is the admin HTTP surface.
type Server struct {
	store    *store.Store
	perf     *performance.Analyzer
	snapshot func() portfolio.Portfolio
	dataDir  string
	router   *gin.Engine
}

// New builds the server. snapshot supplies the live portfolio for
// performance refreshes; reads always go through the document store.
func New(st *store.Store, perf *performance.Analyzer, dataDir string, snapshot func() portfolio.Portfolio) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		store:    st,
		perf:     perf,
		snapshot: snapshot,
		dataDir:  dataDir,
		router:   gin.New(),
	}
	s.router.Use(gin.Recovery())
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.router.Group("/api")
	api.GET("/portfolio", s.handleGetDocument(store.PortfolioState, gin.H{}))
	api.GET("/trades", s.handleGetDocument(store.TradeHistory, []interface{}{}))
	api.GET("/cycles", s.handleGetDocument(store.CycleHistory, []interface{}{}))
	api.GET("/performance", s.handleGetDocument(store.PerformanceReport, []interface{}{}))
	api.GET("/alerts", s.handleGetAlerts)
	api.GET("/bot-control", s.handleGetBotControl)
	api.POST("/bot-control", s.handlePostBotControl)
	api.POST("/force-close", s.handleForceClose)
	api.POST("/performance/refresh", s.handlePerformanceRefresh)

	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
}

// Run blocks serving on addr.
func (s *Server) Run(addr string) error {
	logger.Infof("admin server listening on %s", addr)
	return s.router.Run(addr)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// handleGetDocument returns the raw document, or def when it is absent.
func (s *Server) handleGetDocument(name string, def interface{}) gin.HandlerFunc {
	return func(c *gin.Context) {
		var doc json.RawMessage
		if err := s.store.Read(name, &doc); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read " + name + ": " + err.Error()})
			return
		}
		if len(doc) == 0 {
			c.JSON(http.StatusOK, def)
			return
		}
		c.Data(http.StatusOK, "application/json", doc)
	}
}

// handleGetAlerts reads the newline-delimited alerts file into an array.
func (s *Server) handleGetAlerts(c *gin.Context) {
	f, err := os.Open(filepath.Join(s.dataDir, store.Alerts))
	if os.IsNotExist(err) {
		c.JSON(http.StatusOK, []interface{}{})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read alerts: " + err.Error()})
		return
	}
	defer f.Close()

	alerts := make([]json.RawMessage, 0)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		alerts = append(alerts, append(json.RawMessage(nil), line...))
	}
	c.JSON(http.StatusOK, alerts)
}

func (s *Server) handleGetBotControl(c *gin.Context) {
	var ctrl store.BotControlDoc
	if err := s.store.Read(store.BotControl, &ctrl); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read bot control: " + err.Error()})
		return
	}
	if ctrl.Status == "" {
		ctrl.Status = store.StatusRunning
	}
	c.JSON(http.StatusOK, ctrl)
}

type botControlRequest struct {
	Action string `json:"action" binding:"required"`
}

func (s *Server) handlePostBotControl(c *gin.Context) {
	var req botControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	var status string
	switch req.Action {
	case "pause":
		status = store.StatusPaused
	case "resume":
		status = store.StatusRunning
	case "stop":
		status = store.StatusStopped
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown action: " + req.Action})
		return
	}

	doc := store.BotControlDoc{Status: status, LastUpdated: time.Now(), Action: req.Action}
	if err := s.store.Write(store.BotControl, doc); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to write bot control: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

type forceCloseRequest struct {
	Coin string `json:"coin" binding:"required"`
}

// handleForceClose writes a manual-override document requesting the close;
// the engine picks it up at the start of its next cycle.
func (s *Server) handleForceClose(c *gin.Context) {
	var req forceCloseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	doc := store.ManualOverrideDoc{
		Timestamp: time.Now(),
		Decisions: map[string]store.OverrideAction{
			req.Coin: {Signal: "close_position"},
		},
	}
	if err := s.store.Write(store.ManualOverride, doc); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to write manual override: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requested": req.Coin})
}

func (s *Server) handlePerformanceRefresh(c *gin.Context) {
	report, err := s.perf.Analyze(s.snapshot())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Performance analysis failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}
