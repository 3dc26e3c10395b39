// Package introspect exposes Backstop's runtime state as read-only MCP
// tools served over stdio, so any MCP-capable client can ask the middleware
// what it is doing: which models are cooling down, how sessions have
// retried, and what the journal recorded.
package introspect

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/backstoplabs/backstop/pkg/core"
	"github.com/backstoplabs/backstop/pkg/engine"
)

// History is the journal query surface backing the backstop_history tool.
// A nil History leaves the tool registered but answering with an
// explanatory error, so clients see a stable tool list either way.
type History interface {
	Recent(ctx context.Context, limit int) ([]engine.JournalEntry, error)
	BySession(ctx context.Context, session core.SessionID, limit int) ([]engine.JournalEntry, error)
}

// Server wraps the mcp-go server with Backstop's introspection tools.
type Server struct {
	mcpServer *server.MCPServer
	engine    *engine.Engine
	history   History
}

// NewServer builds the MCP server and registers the tool set:
// backstop_status, backstop_cooldowns, backstop_session_stats and
// backstop_history.
func NewServer(e *engine.Engine, history History, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer("backstop", version),
		engine:    e,
		history:   history,
	}
	s.registerTool("backstop_status",
		"Fallback chain, selection mode, retry policy and per-subsystem state counts.",
		s.statusHandler)
	s.registerTool("backstop_cooldowns",
		"Models currently rate-limited with their remaining cooldown.",
		s.cooldownsHandler)
	s.registerTool("backstop_session_stats",
		"Aggregated retry statistics for one session. Arguments: session (required).",
		s.sessionStatsHandler)
	s.registerTool("backstop_history",
		"Recorded fallback events, newest first. Arguments: session (optional), limit (optional, default 20).",
		s.historyHandler)
	return s
}

// ServeStdio serves MCP on stdin/stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) registerTool(name, description string, handler func(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error)) {
	tool := mcp.NewTool(name, mcp.WithDescription(description))

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]interface{})
		return handler(ctx, args)
	})
}

type statusPayload struct {
	Chain            []string      `json:"chain"`
	Mode             string        `json:"mode"`
	Cooldown         string        `json:"cooldown"`
	SubagentFallback bool          `json:"subagent_fallback"`
	Retry            retryPayload  `json:"retry"`
	Stats            statsPayload  `json:"stats"`
	Circuits         []circuitInfo `json:"circuits,omitempty"`
	Health           []healthInfo  `json:"health,omitempty"`
}

type retryPayload struct {
	MaxRetries int    `json:"max_retries"`
	Strategy   string `json:"strategy"`
	BaseDelay  string `json:"base_delay"`
	MaxDelay   string `json:"max_delay"`
}

type statsPayload struct {
	Sessions        int `json:"sessions"`
	Agents          int `json:"agents"`
	RetryRuns       int `json:"retry_runs"`
	EventLocks      int `json:"event_locks"`
	FallbackMarks   int `json:"fallback_marks"`
	SessionLocks    int `json:"session_locks"`
	Hierarchies     int `json:"hierarchies"`
	ActiveCooldowns int `json:"active_cooldowns"`
	OpenCircuits    int `json:"open_circuits"`
}

type circuitInfo struct {
	Model               string `json:"model"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

type healthInfo struct {
	Model     string  `json:"model"`
	Successes int     `json:"successes"`
	Failures  int     `json:"failures"`
	AvgRTTMS  int64   `json:"avg_rtt_ms"`
	Score     float64 `json:"score"`
}

func (s *Server) statusHandler(_ context.Context, _ map[string]interface{}) (*mcp.CallToolResult, error) {
	cfg := s.engine.Config()
	st := s.engine.Stats()

	payload := statusPayload{
		Chain:            make([]string, 0, len(cfg.Models)),
		Mode:             string(cfg.Mode),
		Cooldown:         cfg.Cooldown.String(),
		SubagentFallback: cfg.EnableSubagentFallback,
		Retry: retryPayload{
			MaxRetries: cfg.RetryPolicy.MaxRetries,
			Strategy:   string(cfg.RetryPolicy.Strategy),
			BaseDelay:  cfg.RetryPolicy.BaseDelay.String(),
			MaxDelay:   cfg.RetryPolicy.MaxDelay.String(),
		},
		Stats: statsPayload{
			Sessions:        st.Sessions,
			Agents:          st.Agents,
			RetryRuns:       st.RetryRuns,
			EventLocks:      st.EventLocks,
			FallbackMarks:   st.FallbackMarks,
			SessionLocks:    st.SessionLocks,
			Hierarchies:     st.Hierarchies,
			ActiveCooldowns: st.ActiveCooldowns,
			OpenCircuits:    st.OpenCircuits,
		},
	}
	for _, m := range cfg.Models {
		payload.Chain = append(payload.Chain, m.Key())
	}
	for ref, snap := range s.engine.CircuitSnapshot() {
		payload.Circuits = append(payload.Circuits, circuitInfo{
			Model:               ref.Key(),
			State:               string(snap.State),
			ConsecutiveFailures: snap.ConsecutiveFailures,
		})
	}
	sort.Slice(payload.Circuits, func(i, j int) bool {
		return payload.Circuits[i].Model < payload.Circuits[j].Model
	})
	for ref, snap := range s.engine.HealthSnapshot() {
		payload.Health = append(payload.Health, healthInfo{
			Model:     ref.Key(),
			Successes: snap.Successes,
			Failures:  snap.Failures,
			AvgRTTMS:  snap.AvgRTT.Milliseconds(),
			Score:     snap.Score,
		})
	}
	sort.Slice(payload.Health, func(i, j int) bool {
		return payload.Health[i].Model < payload.Health[j].Model
	})

	return jsonResult(payload)
}

type cooldownInfo struct {
	Model       string `json:"model"`
	Remaining   string `json:"remaining"`
	RemainingMS int64  `json:"remaining_ms"`
}

func (s *Server) cooldownsHandler(_ context.Context, _ map[string]interface{}) (*mcp.CallToolResult, error) {
	active := s.engine.ActiveCooldowns()
	out := make([]cooldownInfo, 0, len(active))
	for ref, remaining := range active {
		out = append(out, cooldownInfo{
			Model:       ref.Key(),
			Remaining:   remaining.Round(time.Millisecond).String(),
			RemainingMS: remaining.Milliseconds(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return jsonResult(out)
}

type sessionStatsPayload struct {
	Session      string                `json:"session"`
	TotalRetries int                   `json:"total_retries"`
	AverageDelay string                `json:"average_delay"`
	Successes    int                   `json:"successes"`
	Failures     int                   `json:"failures"`
	PerModel     map[string]modelStats `json:"per_model,omitempty"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

type modelStats struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
}

func (s *Server) sessionStatsHandler(_ context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	session := stringArg(args, "session")
	if session == "" {
		return errorResult("missing required argument: session"), nil
	}

	stats, ok := s.engine.SessionRetryStats(core.SessionID(session))
	if !ok {
		return errorResult(fmt.Sprintf("no retry activity recorded for session %q", session)), nil
	}

	payload := sessionStatsPayload{
		Session:      session,
		TotalRetries: stats.TotalRetries,
		AverageDelay: stats.AverageDelay.Round(time.Millisecond).String(),
		Successes:    stats.Successes,
		Failures:     stats.Failures,
		UpdatedAt:    stats.UpdatedAt,
	}
	if len(stats.PerModel) > 0 {
		payload.PerModel = make(map[string]modelStats, len(stats.PerModel))
		for key, ms := range stats.PerModel {
			payload.PerModel[key] = modelStats{Attempts: ms.Attempts, Successes: ms.Successes}
		}
	}
	return jsonResult(payload)
}

type historyEntry struct {
	At        time.Time `json:"at"`
	Kind      string    `json:"kind"`
	RunID     string    `json:"run_id"`
	Session   string    `json:"session"`
	Message   string    `json:"message"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	FromState string    `json:"from_state,omitempty"`
	ToState   string    `json:"to_state,omitempty"`
	Attempt   int       `json:"attempt"`
	Detail    string    `json:"detail,omitempty"`
}

func (s *Server) historyHandler(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	if s.history == nil {
		return errorResult("history persistence is disabled"), nil
	}

	limit := intArg(args, "limit", 20)
	session := stringArg(args, "session")

	var (
		entries []engine.JournalEntry
		err     error
	)
	if session != "" {
		entries, err = s.history.BySession(ctx, core.SessionID(session), limit)
	} else {
		entries, err = s.history.Recent(ctx, limit)
	}
	if err != nil {
		return errorResult(fmt.Sprintf("history query failed: %v", err)), nil
	}

	out := make([]historyEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyEntry{
			At:        e.At,
			Kind:      e.Kind,
			RunID:     e.RunID,
			Session:   string(e.Session),
			Message:   string(e.Message),
			Provider:  e.Provider,
			Model:     e.Model,
			FromState: e.FromState,
			ToState:   e.ToState,
			Attempt:   e.Attempt,
			Detail:    e.Detail,
		})
	}
	return jsonResult(out)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(data)}},
	}, nil
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: msg}},
		IsError: true,
	}
}

func stringArg(args map[string]interface{}, key string) string {
	if args == nil {
		return ""
	}
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]interface{}, key string, def int) int {
	if args == nil {
		return def
	}
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}
