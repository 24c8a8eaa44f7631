// Package api exposes the navigation engine over HTTP: a participant
// surface for session flow and a token-guarded admin surface for
// distribution and quota monitoring.
package api

import (
	"errors"
	"log"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/openbehavior/pathway/internal/counters"
	"github.com/openbehavior/pathway/internal/navigator"
	"github.com/openbehavior/pathway/internal/session"
)

// #region server

// Server routes requests to per-experiment navigation engines.
type Server struct {
	engines    map[string]*navigator.Engine
	counters   *counters.Store
	adminToken string
}

// NewServer wires the handler set. An empty adminToken disables the
// admin surface entirely.
func NewServer(engines map[string]*navigator.Engine, cs *counters.Store, adminToken string) *Server {
	return &Server{engines: engines, counters: cs, adminToken: adminToken}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/api/experiments", s.listExperiments)

	exp := r.Group("/api/experiments/:experiment")
	{
		exp.POST("/sessions", s.startSession)
		exp.GET("/sessions/:id", s.getSession)
		exp.POST("/sessions/:id/submit", s.submit)
		exp.POST("/sessions/:id/jump", s.jump)
		exp.POST("/sessions/:id/return", s.returnFromJump)
	}

	admin := r.Group("/admin/experiments/:experiment", s.requireAdmin)
	{
		admin.GET("/sessions", s.listSessions)
		admin.GET("/distribution", s.distribution)
		admin.POST("/distribution/:decision/reset", s.resetDecision)
		admin.GET("/quotas/:unit", s.quotaStatus)
		admin.GET("/units/:unit/dependents", s.dependents)
	}
	return r
}

func (s *Server) engine(c *gin.Context) (*navigator.Engine, bool) {
	id := c.Param("experiment")
	e, ok := s.engines[id]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown experiment: " + id})
		return nil, false
	}
	return e, true
}

func (s *Server) requireAdmin(c *gin.Context) {
	if s.adminToken == "" || c.GetHeader("X-Admin-Token") != s.adminToken {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin token required"})
	}
}

// #endregion server

// #region participant

type startRequest struct {
	SessionID   string         `json:"session_id"`
	UserID      string         `json:"user_id"`
	Participant map[string]any `json:"participant"`
	URLParams   map[string]any `json:"url_params"`
	ScreenSize  string         `json:"screen_size"`
}

func (s *Server) listExperiments(c *gin.Context) {
	ids := make([]string, 0, len(s.engines))
	for id := range s.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	c.JSON(http.StatusOK, gin.H{"experiments": ids})
}

func (s *Server) startSession(c *gin.Context) {
	e, ok := s.engine(c)
	if !ok {
		return
	}
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	ns, err := e.Start(navigator.StartParams{
		SessionID:   req.SessionID,
		UserID:      req.UserID,
		Participant: req.Participant,
		URLParams:   req.URLParams,
		UserAgent:   c.GetHeader("User-Agent"),
		ScreenSize:  req.ScreenSize,
	})
	if err != nil {
		writeNavError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ns)
}

func (s *Server) getSession(c *gin.Context) {
	e, ok := s.engine(c)
	if !ok {
		return
	}
	ns, err := e.State(c.Param("id"))
	if err != nil {
		writeNavError(c, err)
		return
	}
	c.JSON(http.StatusOK, ns)
}

type submitRequest struct {
	UnitID string         `json:"unit_id" binding:"required"`
	Data   map[string]any `json:"data"`
}

func (s *Server) submit(c *gin.Context) {
	e, ok := s.engine(c)
	if !ok {
		return
	}
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	ns, err := e.Submit(c.Param("id"), req.UnitID, req.Data)
	if err != nil {
		writeNavError(c, err)
		return
	}
	c.JSON(http.StatusOK, ns)
}

type jumpRequest struct {
	UnitID string `json:"unit_id" binding:"required"`
}

func (s *Server) jump(c *gin.Context) {
	e, ok := s.engine(c)
	if !ok {
		return
	}
	var req jumpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	ns, err := e.Jump(c.Param("id"), req.UnitID)
	if err != nil {
		writeNavError(c, err)
		return
	}
	c.JSON(http.StatusOK, ns)
}

func (s *Server) returnFromJump(c *gin.Context) {
	e, ok := s.engine(c)
	if !ok {
		return
	}
	ns, err := e.Return(c.Param("id"))
	if err != nil {
		writeNavError(c, err)
		return
	}
	c.JSON(http.StatusOK, ns)
}

// writeNavError maps engine sentinels onto status codes. Validation
// details ride along so clients can annotate their forms.
func writeNavError(c *gin.Context, err error) {
	var verr *navigator.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation failed", "problems": verr.Problems})
	case errors.Is(err, session.ErrNotFound), errors.Is(err, navigator.ErrUnknownUnit):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, navigator.ErrStaleSubmission), errors.Is(err, navigator.ErrSessionClosed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, navigator.ErrJumpNotAllowed):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		log.Printf("[API] internal error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// #endregion participant

// #region admin

func (s *Server) listSessions(c *gin.Context) {
	e, ok := s.engine(c)
	if !ok {
		return
	}
	states, err := e.Sessions(100)
	if err != nil {
		writeNavError(c, err)
		return
	}
	type row struct {
		SessionID string           `json:"session_id"`
		Status    string           `json:"status"`
		Current   string           `json:"current_unit_id,omitempty"`
		Progress  session.Progress `json:"progress"`
	}
	rows := make([]row, 0, len(states))
	for _, st := range states {
		rows = append(rows, row{st.SessionID, st.Status, st.CurrentUnitID, st.Progress})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": rows})
}

func (s *Server) distribution(c *gin.Context) {
	if _, ok := s.engine(c); !ok {
		return
	}
	records, err := s.counters.SnapshotExperiment(c.Param("experiment"))
	if err != nil {
		writeNavError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"counters": records})
}

func (s *Server) resetDecision(c *gin.Context) {
	if _, ok := s.engine(c); !ok {
		return
	}
	exp, decision := c.Param("experiment"), c.Param("decision")
	if err := s.counters.ResetDecision(exp, decision); err != nil {
		writeNavError(c, err)
		return
	}
	log.Printf("[API] reset distribution %s/%s", exp, decision)
	c.JSON(http.StatusOK, gin.H{"status": "reset", "decision": decision})
}

func (s *Server) quotaStatus(c *gin.Context) {
	e, ok := s.engine(c)
	if !ok {
		return
	}
	status, err := e.QuotaStatus(c.Param("unit"))
	if err != nil {
		if errors.Is(err, navigator.ErrUnknownUnit) {
			writeNavError(c, err)
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) dependents(c *gin.Context) {
	e, ok := s.engine(c)
	if !ok {
		return
	}
	deps, err := e.Dependents(c.Param("unit"))
	if err != nil {
		writeNavError(c, err)
		return
	}
	if deps == nil {
		deps = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"unit": c.Param("unit"), "dependents": deps})
}

// #endregion admin
