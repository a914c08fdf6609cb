package agentexec

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/smithers-run/smithers/pkg/store"
	"github.com/smithers-run/smithers/pkg/toolregistry"
)

// HTTPExecutor is the demonstration real AgentExecutor: it POSTs the
// AgentRun's prompt to a configurable endpoint and parses a
// text/event-stream response line by line, writing progress back onto
// the same AgentRun row as the stream arrives (spec.md §6 "Executor
// writes streaming text and tool calls back via Store updates"). This
// is the HTTP/SSE boundary spec.md §1 explicitly scopes out of the
// core's own responsibility; this adapter is one concrete collaborator
// satisfying it, not part of the core.
//
// When Tools is set, a "tool_call" frame is dispatched to it
// synchronously and the result is recorded on the same ToolCall row
// (spec.md §6 "Tool-registry contract": `execute(name, inputJson, ctx)
// → { content, errorMessage?, metadata }`) before the run continues —
// the core still never implements a tool itself, it only calls the
// Registry the caller wired in. When Tools is nil, tool calls are
// recorded but left pending, on the assumption the provider dispatches
// them server-side (e.g. a hosted tool-use model).
type HTTPExecutor struct {
	Endpoint   string
	Client     *http.Client
	StreamLogs func(executionID string) *StreamLog
	Tools      toolregistry.Registry
}

type httpHandle struct {
	cancel context.CancelFunc
}

func (h *httpHandle) Cancel() { h.cancel() }

// sseEvent is one `event: .../data: ...` frame of the provider's
// stream, decoded loosely since providers vary in which fields they
// send.
type sseEvent struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Tool    string `json:"tool"`
	Input   string `json:"input"`
	Message string `json:"message"`
}

// Start issues the HTTP request on its own goroutine and returns
// immediately with a cancellable Handle, per the non-blocking contract
// of agentexec.Executor.
func (e *HTTPExecutor) Start(ctx context.Context, s *store.Store, run *store.AgentRun) (Handle, error) {
	runCtx, cancel := context.WithCancel(ctx)

	body, err := json.Marshal(map[string]any{
		"prompt":        run.Prompt,
		"model":         run.Model,
		"allowed_tools": run.AllowedTools,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("agentexec: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(runCtx, http.MethodPost, e.Endpoint, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("agentexec: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	client := e.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}

	if err := s.UpdateAgentRunStatus(ctx, run.ID, store.AgentRunStreaming, ""); err != nil {
		cancel()
		return nil, err
	}

	go e.stream(runCtx, client, req, s, run)

	return &httpHandle{cancel: cancel}, nil
}

func (e *HTTPExecutor) stream(ctx context.Context, client *http.Client, req *http.Request, s *store.Store, run *store.AgentRun) {
	var log *StreamLog
	if e.StreamLogs != nil {
		log = e.StreamLogs(run.ExecutionID)
	}

	resp, err := client.Do(req)
	if err != nil {
		e.fail(ctx, s, run, log, err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e.fail(ctx, s, run, log, fmt.Sprintf("provider returned status %d", resp.StatusCode))
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var textBuilder strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var ev sseEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			slog.Warn("agentexec: unparsable SSE frame", "agent_run_id", run.ID, "error", err)
			continue
		}

		switch ev.Type {
		case "text":
			textBuilder.WriteString(ev.Text)
		case "tool_call":
			if err := s.UpdateAgentRunStatus(ctx, run.ID, store.AgentRunTools, ""); err != nil {
				slog.Error("agentexec: transition to tools failed", "agent_run_id", run.ID, "error", err)
			}
			call, err := s.CreateToolCall(ctx, run.ID, ev.Tool, ev.Input)
			if err != nil {
				slog.Error("agentexec: create tool call failed", "agent_run_id", run.ID, "error", err)
				continue
			}
			if log != nil {
				_ = log.Write(StreamEvent{Kind: EventToolCall, AgentRun: run.ID, ToolName: ev.Tool})
			}
			if e.Tools != nil {
				e.dispatchTool(ctx, s, run, call, ev, log)
			}
		case "error":
			e.fail(ctx, s, run, log, ev.Message)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		e.fail(ctx, s, run, log, err.Error())
		return
	}

	if log != nil {
		_ = log.Write(StreamEvent{Kind: EventTextEnd, AgentRun: run.ID, Text: textBuilder.String()})
	}
	if err := s.UpdateAgentRunStatus(ctx, run.ID, store.AgentRunCompleted, ""); err != nil {
		slog.Error("agentexec: complete run failed", "agent_run_id", run.ID, "error", err)
	}
}

// dispatchTool runs a tool call synchronously against e.Tools and
// records its outcome on the ToolCall row, per spec.md §6's
// `execute(name, inputJson, ctx) → { content, errorMessage?, metadata }`
// contract. Output truncation, if configured, happens inside the
// Registry the caller wired in (toolregistry.Truncating wraps it).
func (e *HTTPExecutor) dispatchTool(ctx context.Context, s *store.Store, run *store.AgentRun, call *store.ToolCall, ev sseEvent, log *StreamLog) {
	res, err := e.Tools.Execute(ctx, ev.Tool, ev.Input)
	errMsg := res.ErrorMessage
	if err != nil {
		errMsg = err.Error()
	}
	if cErr := s.CompleteToolCall(ctx, call.ID, res.Content, errMsg); cErr != nil {
		slog.Error("agentexec: complete tool call failed", "tool_call_id", call.ID, "error", cErr)
	}
	if log != nil {
		_ = log.Write(StreamEvent{Kind: EventToolResult, AgentRun: run.ID, ToolName: ev.Tool})
	}
	if uErr := s.UpdateAgentRunStatus(ctx, run.ID, store.AgentRunContinuing, ""); uErr != nil {
		slog.Error("agentexec: transition to continuing failed", "agent_run_id", run.ID, "error", uErr)
	}
}

func (e *HTTPExecutor) fail(ctx context.Context, s *store.Store, run *store.AgentRun, log *StreamLog, msg string) {
	if log != nil {
		_ = log.Write(StreamEvent{Kind: EventError, AgentRun: run.ID, Error: msg})
	}
	if err := s.UpdateAgentRunStatus(ctx, run.ID, store.AgentRunFailed, msg); err != nil {
		slog.Error("agentexec: mark failed failed", "agent_run_id", run.ID, "error", err)
	}
}
