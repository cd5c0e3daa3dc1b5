package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"spot-execution-bot/internal/auth"
	"spot-execution-bot/internal/execution"
	"spot-execution-bot/internal/runner"
	"spot-execution-bot/internal/safestart"
)

const defaultHistoryLimit = 50

func (s *Server) handleStatus(c *gin.Context) {
	successResponse(c, s.deps.Bot.Status())
}

// safeStartView is the gate record plus the phrase an operator must type
type safeStartView struct {
	safestart.Record
	Pending        *safestart.Request `json:"pending,omitempty"`
	ExpectedPhrase string             `json:"expected_phrase,omitempty"`
}

func (s *Server) gate(c *gin.Context) (*safestart.Gate, bool) {
	if s.deps.Gate == nil {
		errorResponse(c, http.StatusNotFound, "safe start gate is disabled")
		return nil, false
	}
	return s.deps.Gate, true
}

func (s *Server) safeStartView(g *safestart.Gate) safeStartView {
	view := safeStartView{Record: g.Read()}
	if req, phrase, ok := g.Pending(); ok {
		view.Pending = &req
		view.ExpectedPhrase = phrase
	}
	return view
}

func (s *Server) publishPhase(rec safestart.Record) {
	if s.deps.Bus != nil {
		s.deps.Bus.PublishSafeStartPhase(string(rec.Phase), rec.Details.Message)
	}
}

func (s *Server) handleSafeStartState(c *gin.Context) {
	g, ok := s.gate(c)
	if !ok {
		return
	}
	successResponse(c, s.safeStartView(g))
}

// handleSafeStartBegin re-arms the gate for the runner's current request
func (s *Server) handleSafeStartBegin(c *gin.Context) {
	g, ok := s.gate(c)
	if !ok {
		return
	}
	rec, err := g.Begin(s.deps.Bot.SafeStartRequest())
	if err != nil {
		errorResponse(c, http.StatusConflict, err.Error())
		return
	}
	s.publishPhase(rec)
	s.publishPhase(g.SyncCheck())
	successResponse(c, s.safeStartView(g))
}

type confirmRequest struct {
	Phrase string `json:"phrase" binding:"required"`
}

func (s *Server) handleSafeStartConfirm(c *gin.Context) {
	g, ok := s.gate(c)
	if !ok {
		return
	}
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "phrase is required")
		return
	}

	confirmed, err := g.Confirm(req.Phrase)
	switch {
	case errors.Is(err, safestart.ErrBadPhrase):
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, safestart.ErrNotWaiting), errors.Is(err, safestart.ErrNoPending):
		errorResponse(c, http.StatusConflict, err.Error())
		return
	case err != nil:
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info().
		Str("operator", auth.GetOperator(c)).
		Str("mode", confirmed.Mode).
		Str("exchange", confirmed.Exchange).
		Msg("Safe start confirmed")
	s.publishPhase(g.Read())
	successResponse(c, s.safeStartView(g))
}

type stopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleSafeStartStop(c *gin.Context) {
	g, ok := s.gate(c)
	if !ok {
		return
	}
	var req stopRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "operator_stop"
	}
	rec := g.Stop(req.Reason)
	s.logger.Warn().Str("operator", auth.GetOperator(c)).Str("reason", req.Reason).Msg("Safe start stopped")
	s.publishPhase(rec)
	successResponse(c, s.safeStartView(g))
}

// submitStatus maps queueing errors to HTTP codes
func submitStatus(err error) int {
	switch {
	case errors.Is(err, execution.ErrInvalidSignal):
		return http.StatusBadRequest
	case errors.Is(err, runner.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, runner.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleSignal(c *gin.Context) {
	var sig execution.Signal
	if err := c.ShouldBindJSON(&sig); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid signal body: "+err.Error())
		return
	}
	if err := s.deps.Bot.SubmitSignal(sig); err != nil {
		errorResponse(c, submitStatus(err), err.Error())
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "data": gin.H{"queued": true}})
}

func (s *Server) handleBar(c *gin.Context) {
	var bar runner.BarUpdate
	if err := c.ShouldBindJSON(&bar); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid bar body: "+err.Error())
		return
	}
	if err := s.deps.Bot.SubmitBar(bar); err != nil {
		errorResponse(c, submitStatus(err), err.Error())
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "data": gin.H{"queued": true}})
}

func historyLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", ""))
	if err != nil || limit <= 0 {
		return defaultHistoryLimit
	}
	return limit
}

// history runs one journal query with a short deadline
func (s *Server) history(c *gin.Context, query func(ctx context.Context, limit int) (interface{}, error)) {
	if s.deps.History == nil {
		successResponse(c, []interface{}{})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	rows, err := query(ctx, historyLimit(c))
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, rows)
}

func (s *Server) handleExecutions(c *gin.Context) {
	s.history(c, func(ctx context.Context, limit int) (interface{}, error) {
		return s.deps.History.RecentExecutions(ctx, limit)
	})
}

func (s *Server) handleShadow(c *gin.Context) {
	s.history(c, func(ctx context.Context, limit int) (interface{}, error) {
		return s.deps.History.RecentShadow(ctx, limit)
	})
}

func (s *Server) handleTransitions(c *gin.Context) {
	s.history(c, func(ctx context.Context, limit int) (interface{}, error) {
		return s.deps.History.RecentTransitions(ctx, limit)
	})
}
