package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/khryptorgraphics/tokenallocator/internal/config"
	"github.com/khryptorgraphics/tokenallocator/pkg/apierr"
)

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type allocRequest struct {
	RequestID  string `json:"request_id"`
	TokenCount int64  `json:"token_count"`
}

// allocHandler implements POST /alloc (spec.md §6, §4.6).
func (s *Server) allocHandler(c *gin.Context) {
	var req allocRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.BadRequest(apierr.FieldError{Field: "body", Reason: "malformed JSON"}))
		return
	}

	var fields []apierr.FieldError
	if req.RequestID == "" {
		fields = append(fields, apierr.FieldError{Field: "request_id", Reason: "must be non-empty"})
	}
	if req.TokenCount <= 0 {
		fields = append(fields, apierr.FieldError{Field: "token_count", Reason: "must be > 0"})
	}
	if len(fields) > 0 {
		writeError(c, apierr.BadRequest(fields...))
		return
	}

	result, err := s.engine.Alloc(c.Request.Context(), req.RequestID, req.TokenCount)
	if err != nil {
		s.logger.Info("alloc failed",
			"request_id", req.RequestID, "token_count", req.TokenCount, "error", err)
		if apierr.Is(err, apierr.KindOverloaded) {
			c.Header("Retry-After", strconv.Itoa(s.cfg.OverloadRetryAfter))
		}
		writeError(c, err)
		return
	}

	s.logger.Info("alloc succeeded",
		"request_id", req.RequestID, "token_count", req.TokenCount,
		"node_id", result.NodeID, "remaining_quota", result.RemainingQuota)
	c.JSON(http.StatusOK, gin.H{"node_id": result.NodeID, "remaining_quota": result.RemainingQuota})
}

type freeRequest struct {
	RequestID string `json:"request_id"`
}

// freeHandler implements POST /free (spec.md §6, §4.6).
func (s *Server) freeHandler(c *gin.Context) {
	var req freeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.BadRequest(apierr.FieldError{Field: "body", Reason: "malformed JSON"}))
		return
	}
	if req.RequestID == "" {
		writeError(c, apierr.BadRequest(apierr.FieldError{Field: "request_id", Reason: "must be non-empty"}))
		return
	}

	result, err := s.engine.Free(c.Request.Context(), req.RequestID)
	if err != nil {
		s.logger.Info("free failed", "request_id", req.RequestID, "error", err)
		writeError(c, err)
		return
	}

	s.logger.Info("free succeeded", "request_id", req.RequestID, "node_id", result.NodeID)
	c.JSON(http.StatusOK, gin.H{"node_id": result.NodeID})
}

// metricsHandler implements GET /metrics (spec.md §4.4, §6).
func (s *Server) metricsHandler(c *gin.Context) {
	snap, err := s.engine.Snapshot(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	perNode := make([]gin.H, 0, len(snap.PerNode))
	for _, n := range snap.PerNode {
		util := 0.0
		if n.Capacity > 0 {
			util = float64(n.Used) / float64(n.Capacity)
		}
		perNode = append(perNode, gin.H{
			"id":             n.NodeID,
			"capacity_m":     n.Capacity,
			"used_quota":     n.Used,
			"remaining":      n.Remaining,
			"utilization_i":  util,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"total_capacity":  snap.TotalCapacity,
		"used_total":      snap.UsedTotal,
		"remaining_total": snap.RemainingTotal,
		"utilization":     snap.Utilization,
		"per_node":        perNode,
		"imbalance_gini":  snap.ImbalanceGini,
	})
}

// getStrategyHandler implements GET /strategy (spec.md §4.5, §6).
func (s *Server) getStrategyHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategy": s.policy.Strategy()})
}

type strategyRequest struct {
	Strategy string `json:"strategy"`
}

// setStrategyHandler implements POST /strategy (spec.md §4.5, §6).
func (s *Server) setStrategyHandler(c *gin.Context) {
	var req strategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.BadRequest(apierr.FieldError{Field: "body", Reason: "malformed JSON"}))
		return
	}

	strategy := config.Strategy(req.Strategy)
	if err := s.policy.SetStrategy(strategy); err != nil {
		writeError(c, apierr.BadRequest(apierr.FieldError{Field: "strategy", Reason: `must be "best" or "largest"`}))
		return
	}

	c.JSON(http.StatusOK, gin.H{"strategy": strategy})
}

// writeError maps an engine/apierr error kind to its transport status
// code exactly once (spec.md §7's propagation policy).
func writeError(c *gin.Context, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": string(apierr.KindInternal)})
		return
	}

	body := gin.H{"error": string(apiErr.Kind)}
	if len(apiErr.Fields) > 0 {
		body["detail"] = apiErr.Fields
	}

	switch apiErr.Kind {
	case apierr.KindBadRequest:
		c.JSON(http.StatusBadRequest, body)
	case apierr.KindRateLimited:
		c.JSON(http.StatusTooManyRequests, body)
	case apierr.KindOverloaded:
		c.JSON(http.StatusTooManyRequests, body)
	case apierr.KindNotFound:
		c.JSON(http.StatusNotFound, body)
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": string(apierr.KindInternal)})
	}
}
