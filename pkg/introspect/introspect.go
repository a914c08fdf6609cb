// Package introspect is a small read-only HTTP server exposing an
// Execution's state for humans and monitoring tools (SPEC_FULL.md
// §11/§12.9): a health check plus two execution-scoped endpoints,
// backed entirely by pkg/store queries. It owns no execution state of
// its own and never mutates the store.
//
// Grounded on the teacher's own health endpoint in
// codeready-toolchain/tarsy's cmd/tarsy/main.go: same gin.Engine, same
// gin.H{...} response shape, generalized from "database + config stats"
// to "ralphCount, active phase, in-flight agent runs".
package introspect

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/smithers-run/smithers/pkg/store"
)

// Server is the introspection HTTP server. It is a thin wrapper around
// a *gin.Engine; callers own the listener lifecycle via ListenAndServe
// or by mounting Engine() into their own router.
type Server struct {
	store  *store.Store
	engine *gin.Engine
}

// New builds a Server reading from s. ginMode is passed to gin.SetMode
// ("debug"/"release"/"test"); empty leaves gin's current mode alone,
// the same deference to an externally-set GIN_MODE the teacher's own
// main.go shows.
func New(s *store.Store, ginMode string) *Server {
	if ginMode != "" {
		gin.SetMode(ginMode)
	}
	srv := &Server{store: s, engine: gin.Default()}
	srv.routes()
	return srv
}

// Engine returns the underlying gin.Engine, for callers that want to
// mount additional routes or embed it in a larger process.
func (s *Server) Engine() *gin.Engine { return s.engine }

// ListenAndServe blocks serving on addr until the process exits or the
// listener errors, mirroring the teacher's own router.Run(":"+port)
// call in cmd/tarsy/main.go.
func (s *Server) ListenAndServe(addr string) error {
	return s.engine.Run(addr)
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/executions/:id", s.handleExecution)
	s.engine.GET("/executions/:id/frames", s.handleFrames)
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.store.IsClosed() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "store": "closed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"store":  "open",
	})
}

func (s *Server) handleExecution(c *gin.Context) {
	id := c.Param("id")
	ctx, cancel := withTimeout(c)
	defer cancel()

	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "execution not found", "id": id})
		return
	}

	var ralphCount int
	_, _ = s.store.State(id).Get(ctx, "ralphCount", &ralphCount)

	phases, err := s.store.ListPhases(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	activePhase := ""
	completed, skipped := 0, 0
	for _, p := range phases {
		switch p.Status {
		case store.PhaseActive:
			activePhase = p.Name
		case store.PhaseCompleted:
			completed++
		case store.PhaseSkipped:
			skipped++
		}
	}

	runs, err := s.store.ListAgentRuns(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	inFlight, completedRuns, failedRuns := 0, 0, 0
	for _, r := range runs {
		switch r.Status {
		case store.AgentRunCompleted:
			completedRuns++
		case store.AgentRunFailed, store.AgentRunCancelled:
			failedRuns++
		default:
			inFlight++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"execution_id": exec.ID,
		"name":         exec.Name,
		"script_path":  exec.ScriptPath,
		"status":       exec.Status,
		"scope_rev":    exec.ScopeRev,
		"ralph_count":  ralphCount,
		"started_at":   exec.StartedAt,
		"ended_at":     exec.EndedAt,
		"phases": gin.H{
			"active":    activePhase,
			"completed": completed,
			"skipped":   skipped,
			"total":     len(phases),
		},
		"agent_runs": gin.H{
			"in_flight": inFlight,
			"completed": completedRuns,
			"failed":    failedRuns,
			"total":     len(runs),
		},
	})
}

func (s *Server) handleFrames(c *gin.Context) {
	id := c.Param("id")
	ctx, cancel := withTimeout(c)
	defer cancel()

	frames, err := s.store.ListRenderFrames(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution_id": id, "frames": frames})
}

func withTimeout(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), 5*time.Second)
}
