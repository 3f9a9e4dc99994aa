package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	gatewayerrors "routebrain/internal/errors"
	"routebrain/internal/providers"
	"routebrain/internal/types"
)

// handleChatCompletions is the OpenAI-compatible entrypoint. The routing
// pipeline decides the upstream; this handler shapes the response and writes
// exactly one audit record per terminated request.
func (s *Server) handleChatCompletions(c *gin.Context) {
	var req types.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"message": fmt.Sprintf("invalid request body: %v", err),
				"type":    "invalid_request_error",
				"code":    "invalid_request_error",
			},
		})
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"message": "messages must not be empty",
				"type":    "invalid_request_error",
				"code":    "invalid_request_error",
			},
		})
		return
	}

	// Ambient context comes from middleware, never from the body.
	req.RequestID = c.GetString(ctxRequestID)
	req.TenantID = c.GetString(ctxTenantID)
	req.UserID = c.GetString(ctxUserID)
	req.Department = c.GetString(ctxDepartment)

	result, err := s.routing.Route(c.Request.Context(), &req)
	if err != nil {
		s.logRoutingFailure(&req, err)
		renderError(c, err)
		return
	}

	outcome := result.Outcome
	setRoutingHeaders(c, outcome)

	if result.Stream != nil {
		s.streamResponse(c, result.Stream, outcome)
		return
	}

	resp := result.Response
	resp.XRoutingDecision = decisionPayload(outcome)
	c.JSON(http.StatusOK, resp)
	s.audit.Log(s.audit.BuildRecord(outcome))
}

// streamResponse forwards provider SSE frames, prefixed by a synthetic
// routing_decision event so clients learn the decision before any content.
// The audit record is written when the stream ends, including on client
// disconnect.
func (s *Server) streamResponse(c *gin.Context, stream <-chan providers.StreamChunk, outcome *types.RoutingOutcome) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	// Build the record after the stream finishes so mid-stream errors stamped
	// on the outcome make it into the audit line.
	defer func() { s.audit.Log(s.audit.BuildRecord(outcome)) }()

	w := c.Writer
	if payload, err := json.Marshal(decisionPayload(outcome)); err == nil {
		fmt.Fprintf(w, "event: routing_decision\ndata: %s\n\n", payload)
		w.Flush()
	}

	clientGone := c.Request.Context().Done()
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				return
			}
			if chunk.Err != nil {
				s.logger.Warn("stream error from provider",
					"request_id", outcome.RequestID, "error", chunk.Err)
				outcome.Error = chunk.Err.Error()
				return
			}
			if _, err := w.Write([]byte(chunk.Data)); err != nil {
				return
			}
			w.Flush()
		case <-clientGone:
			s.logger.Info("client disconnected mid-stream", "request_id", outcome.RequestID)
			return
		}
	}
}

func setRoutingHeaders(c *gin.Context, outcome *types.RoutingOutcome) {
	c.Header("X-Routing-Model", outcome.ActualModelUsed)
	c.Header("X-Routing-Provider", outcome.ActualProvider)
	c.Header("X-Task-Type", string(outcome.Classification.TaskType))
	c.Header("X-Complexity", string(outcome.Classification.Complexity))
	c.Header("X-Risk-Level", outcome.RiskLevel)
	c.Header("X-Audit-Required", strconv.FormatBool(outcome.AuditRequired))
}

// decisionPayload is the x_routing_decision body embedded in non-streaming
// responses and the routing_decision SSE frame.
func decisionPayload(outcome *types.RoutingOutcome) map[string]any {
	return map[string]any{
		"request_id":          outcome.RequestID,
		"model":               outcome.ActualModelUsed,
		"provider":            outcome.ActualProvider,
		"model_tier":          string(outcome.RoutingDecision.ModelTier),
		"fallback_models":     outcome.RoutingDecision.FallbackModels,
		"fallback_used":       outcome.FallbackUsed,
		"rule_matched":        outcome.RoutingDecision.RuleMatched,
		"policy_name":         outcome.RoutingDecision.PolicyName,
		"policy_version":      outcome.PolicyVersion,
		"cost_budget_applied": outcome.RoutingDecision.CostBudgetApplied,
		"task_type":           string(outcome.Classification.TaskType),
		"complexity":          string(outcome.Classification.Complexity),
		"department":          string(outcome.Classification.Department),
		"confidence":          outcome.Classification.Confidence,
		"classified_by":       string(outcome.Classification.ClassifiedBy),
		"risk_level":          outcome.RiskLevel,
		"audit_required":      outcome.AuditRequired,
		"constraints_applied": outcome.ConstraintsApplied,
		"policy_trace":        outcome.PolicyTrace,
	}
}

// logRoutingFailure writes the audit failure record for a request that never
// produced an outcome.
func (s *Server) logRoutingFailure(req *types.ChatRequest, err error) {
	code := "internal_error"
	if ge, ok := gatewayerrors.AsGateway(err); ok {
		code = ge.ErrorCode()
	}
	var re *gatewayerrors.RoutingError
	governanceBlocked := errors.As(err, &re) && re.GovernanceBlocked

	s.audit.Log(s.audit.BuildFailureRecord(
		req.RequestID, req.TenantID, req.UserID, req.Department,
		code, err.Error(), governanceBlocked))
}

// handleModels enumerates routable model identifiers: "auto", the virtual
// ids, and every priced concrete model.
func (s *Server) handleModels(c *gin.Context) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	entries := []modelEntry{{ID: "auto", Object: "model", OwnedBy: "routebrain"}}

	for id, resolved := range s.virtual.AllVirtual() {
		entries = append(entries, modelEntry{ID: id, Object: "model", OwnedBy: resolved.Provider})
	}
	for _, m := range s.virtual.AllModels() {
		entries = append(entries, modelEntry{ID: m.ModelID, Object: "model", OwnedBy: m.Provider})
	}
	sort.Slice(entries[1:], func(i, j int) bool {
		return entries[i+1].ID < entries[j+1].ID
	})

	c.JSON(http.StatusOK, gin.H{"object": "list", "data": entries})
}
