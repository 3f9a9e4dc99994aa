package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"routebrain/internal/risk"
	"routebrain/internal/types"
)

func (s *Server) handleListPolicies(c *gin.Context) {
	policies := s.policies.ListPolicies()
	c.JSON(http.StatusOK, gin.H{
		"count":    len(policies),
		"policies": policies,
	})
}

func (s *Server) handleReloadPolicies(c *gin.Context) {
	if err := s.policies.Reload(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"message": fmt.Sprintf("reload failed: %v", err),
				"type":    "reload_error",
				"code":    "reload_error",
			},
		})
		return
	}
	s.logger.Info("policies reloaded via admin endpoint")
	c.JSON(http.StatusOK, gin.H{
		"status": "reloaded",
		"count":  len(s.policies.ListPolicies()),
	})
}

// simulateRequest is a synthetic classification plus risk level and budget
// usage; the simulator runs policy matching without dispatching anything.
type simulateRequest struct {
	TaskType   string  `json:"task_type"`
	Complexity string  `json:"complexity"`
	Department string  `json:"department"`
	RiskLevel  string  `json:"risk_level"`
	BudgetPct  float64 `json:"budget_pct"`
	TenantID   string  `json:"tenant_id"`
}

func (s *Server) handleSimulate(c *gin.Context) {
	var req simulateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"message": fmt.Sprintf("invalid body: %v", err),
				"type":    "invalid_request_error",
				"code":    "invalid_request_error",
			},
		})
		return
	}
	if req.TaskType == "" {
		req.TaskType = string(types.TaskGeneral)
	}
	if req.Complexity == "" {
		req.Complexity = string(types.ComplexityMedium)
	}
	if req.Department == "" {
		req.Department = string(types.DeptGeneral)
	}

	classification := types.ClassificationResult{
		TaskType:   types.TaskType(req.TaskType),
		Complexity: types.Complexity(req.Complexity),
		Department: types.Department(req.Department),
	}
	riskA := risk.ForLevel(risk.RiskLevel(req.RiskLevel))

	rule, trace, constraints := s.policies.Match(classification, &riskA, req.BudgetPct, req.TenantID)
	c.JSON(http.StatusOK, gin.H{
		"rule":                rule,
		"policy_version":      s.policies.PolicyVersion(req.Department, req.TenantID),
		"policy_trace":        trace,
		"constraints_applied": constraints,
		"risk_level":          string(riskA.RiskLevel),
	})
}

func (s *Server) handleBudget(c *gin.Context) {
	if s.tracker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": gin.H{
				"message": "budget tracking disabled (no redis)",
				"type":    "budget_unavailable",
				"code":    "budget_unavailable",
			},
		})
		return
	}
	spend := s.tracker.GetSpend(c.Request.Context(), c.Param("tenant"), c.Param("user"))
	c.JSON(http.StatusOK, gin.H{
		"tenant_id":        c.Param("tenant"),
		"user_id":          c.Param("user"),
		"date":             spend.DateKey,
		"tenant_spend_usd": spend.TenantSpendUSD,
		"user_spend_usd":   spend.UserSpendUSD,
	})
}
