// Command smithers boots the engine against one workflow script and
// runs it to completion, resuming an interrupted Execution if one is
// found. It mirrors codeready-toolchain/tarsy's cmd/tarsy/main.go: flag
// parsing, a .env load, a log.Printf bootstrap banner before any
// structured logger exists, then handing off to the real components.
//
// The workflow tree itself is authored in Go against pkg/component —
// this command's builtin plan is the "baseline module" a real author
// would replace with their own, kept here as a runnable demonstration
// (spec.md §8 scenario S1's shape: two sequential phases, one Agent
// each) rather than as a feature of the engine.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/smithers-run/smithers/pkg/agentexec"
	"github.com/smithers-run/smithers/pkg/component"
	"github.com/smithers-run/smithers/pkg/config"
	"github.com/smithers-run/smithers/pkg/introspect"
	"github.com/smithers-run/smithers/pkg/phase"
	"github.com/smithers-run/smithers/pkg/ralph"
	"github.com/smithers-run/smithers/pkg/reconciler"
	"github.com/smithers-run/smithers/pkg/serrors"
	"github.com/smithers-run/smithers/pkg/store"
	"github.com/smithers-run/smithers/pkg/supersmithers"
	"github.com/smithers-run/smithers/pkg/supersmithers/overlay"
	"github.com/smithers-run/smithers/pkg/toolregistry"
	"github.com/smithers-run/smithers/pkg/vcs"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	workspaceDir := flag.String("workspace", getEnv("SMITHERS_WORKSPACE", "."), "Workspace root (holds .smithers/)")
	scriptPath := flag.String("script", getEnv("SMITHERS_SCRIPT", "workflow.smithers.go"), "Identifying path for the workflow script being run")
	agentEndpoint := flag.String("agent-endpoint", getEnv("SMITHERS_AGENT_ENDPOINT", ""), "SSE agent-provider endpoint; empty uses the in-process stub executor")
	enableRewrite := flag.Bool("enable-supersmithers", false, "Wrap the demo plan's build phase in a SuperSmithers rewritable scope")
	introspectAddr := flag.String("introspect-addr", getEnv("SMITHERS_INTROSPECT_ADDR", ""), "Address for the read-only introspection server, empty disables it")
	flag.Parse()

	absWorkspace, err := filepath.Abs(*workspaceDir)
	if err != nil {
		log.Fatalf("smithers: resolve workspace: %v", err)
	}

	log.Printf("Starting Smithers")
	log.Printf("Workspace: %s", absWorkspace)
	log.Printf("Script: %s", *scriptPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(absWorkspace)
	if err != nil {
		log.Fatalf("smithers: load config: %v", err)
	}
	if *introspectAddr != "" {
		cfg.IntrospectAddr = *introspectAddr
	}

	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0o755); err != nil {
		log.Fatalf("smithers: prepare store dir: %v", err)
	}
	if err := os.MkdirAll(cfg.LogsDir(), 0o755); err != nil {
		log.Fatalf("smithers: prepare logs dir: %v", err)
	}

	st, err := store.Open(ctx, cfg.StorePath)
	if err != nil {
		log.Fatalf("smithers: open store: %v", err)
	}
	defer func() {
		if cErr := st.Close(); cErr != nil {
			log.Printf("smithers: error closing store: %v", cErr)
		}
	}()

	absScript := filepath.Join(absWorkspace, *scriptPath)
	watcher, err := config.WatchScript(absScript)
	if err != nil {
		log.Printf("smithers: could not start script watcher: %v (continuing without it)", err)
	} else {
		defer watcher.Close()
	}

	execution, err := resolveExecution(ctx, st, "smithers-demo", *scriptPath)
	if err != nil {
		log.Fatalf("smithers: resolve execution: %v", err)
	}

	logger := slog.With("execution_id", execution.ID)
	slog.Info("smithers: execution resolved", "status", execution.Status, "scope_rev", execution.ScopeRev)

	if watcher != nil {
		go watcher.Run(execution.ID)
	}

	// Prime the per-execution stream log directory/file so it exists
	// even for a run that never reaches agentexec.HTTPExecutor's own
	// lazy open (spec.md §6 "Storage layout").
	primingLog, err := agentexec.OpenStreamLog(absWorkspace, execution.ID)
	if err != nil {
		log.Fatalf("smithers: open stream log: %v", err)
	}
	_ = primingLog.Close()

	executor := buildExecutor(*agentEndpoint, absWorkspace, cfg.ToolOutputCeilingBytes)

	overlayRegistry := overlay.NewRegistry()
	rec := reconciler.New(st, execution.ID, overlayRegistry)
	phases := phase.New(st, execution.ID)

	tree := buildDemoPlan(execution.ID, cfg, *enableRewrite)

	var observer ralph.Observer
	if *enableRewrite {
		repo, vErr := vcs.Open(ctx, cfg.OverlayRepoDir())
		if vErr != nil {
			log.Fatalf("smithers: open overlay vcs repo: %v", vErr)
		}
		observer = supersmithers.NewObserver(st, repo, overlayRegistry,
			&supersmithers.StubAnalyser{
				Summary: "build phase has stalled across the configured stall window",
				Goals:   []string{"stop the stalled build phase"},
				Risk:    "low",
			},
			&supersmithers.StubRewriter{
				Summary:   "replace the stalled build phase with a Stop node",
				Rationale: "identical renders with nothing in flight indicate the agent is looping without progress",
				Risk:      "low",
				Code:      demoRewriteCode,
				Factory:   func() reconciler.Node { return component.Stop("build phase stalled; supersmithers rewrote it to stop") },
			},
			supersmithers.Config{
				Trigger: supersmithers.TriggerConfig{
					StallEnabled: true,
					StallWindow:  cfg.StallWindow,
				},
				RewriteCooldown: time.Duration(cfg.RewriteCooldownMs) * time.Millisecond,
				MaxRewrites:     cfg.MaxRewrites,
				OnError: func(scope, moduleHash string, err error) {
					logger.Error("smithers: supersmithers rewrite exhausted", "scope", scope, "module_hash", moduleHash, "error", err)
				},
			})
	}

	loopCfg := ralph.Config{
		MaxIterations:   cfg.DefaultMaxIterations,
		GlobalTimeoutMs: cfg.DefaultGlobalTimeoutMs,
		StallWindow:     cfg.StallWindow,
		Observer:        observer,
		OnIteration: func(n int) {
			logger.Info("smithers: iteration", "n", n)
		},
	}

	loop := ralph.New(st, rec, phases, execution.ID, tree, executor, loopCfg)

	var introspectSrv *introspect.Server
	if cfg.IntrospectAddr != "" {
		introspectSrv = introspect.New(st, getEnv("GIN_MODE", "release"))
		go func() {
			log.Printf("Introspection server listening on %s", cfg.IntrospectAddr)
			if sErr := introspectSrv.ListenAndServe(cfg.IntrospectAddr); sErr != nil && !errors.Is(sErr, http.ErrServerClosed) {
				log.Printf("smithers: introspection server stopped: %v", sErr)
			}
		}()
	}

	result, err := loop.Run(ctx)
	var interrupted *serrors.Interrupted
	switch {
	case errors.As(err, &interrupted):
		result.Summary.LogAndPrint(log.Printf)
		log.Printf("Execution interrupted; re-run with the same -script to resume")
		os.Exit(1)
	case err != nil:
		var usage *serrors.UsageError
		if errors.As(err, &usage) {
			log.Printf("smithers: usage error: %v", err)
			os.Exit(2)
		}
		log.Fatalf("smithers: run: %v", err)
	default:
		result.Summary.LogAndPrint(log.Printf)
	}
}

// resolveExecution implements the process-lifecycle rule of spec.md §6:
// locate-or-create the Execution row for scriptPath, resuming if one is
// already running.
func resolveExecution(ctx context.Context, st *store.Store, name, scriptPath string) (*store.Execution, error) {
	existing, err := st.FindRunningExecution(ctx, scriptPath)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	return st.CreateExecution(ctx, name, scriptPath)
}

// buildExecutor wires agentexec.HTTPExecutor against a real SSE
// endpoint when one is configured, otherwise the synchronous in-process
// Stub used by every engine test and the spec's E2E scenarios.
func buildExecutor(endpoint, workspace string, toolCeilingBytes int) agentexec.Executor {
	if endpoint == "" {
		return &agentexec.Stub{}
	}
	tools := toolregistry.NewTruncating(&toolregistry.Static{
		Tools: map[string]toolregistry.Result{
			"read_file": {Content: "(demo tool output)"},
		},
	}, toolCeilingBytes)
	return &agentexec.HTTPExecutor{
		Endpoint: endpoint,
		Tools:    tools,
		StreamLogs: func(executionID string) *agentexec.StreamLog {
			log, err := agentexec.OpenStreamLog(workspace, executionID)
			if err != nil {
				slog.Error("smithers: open per-execution stream log", "execution_id", executionID, "error", err)
				return nil
			}
			return log
		},
	}
}

// demoBuildPhaseSource is the baseline source handed to the rewriter as
// context (spec.md §4.6 step 1 "the baseline source of the target
// module") when -enable-supersmithers wraps the build phase. It is
// never parsed or executed here — pkg/supersmithers/overlay resolves
// overlays through registered factories, not compiled source (spec.md
// §9) — it only has to be real enough text to show an analyser/rewriter
// what the baseline looks like.
const demoBuildPhaseSource = `package plan

func BuildPhase() Node {
	return Phase("build", Claude("review the build output and continue"))
}
`

// buildDemoPlan is the builtin two-phase plan described at the top of
// this file. withRewrite wraps the build phase in a SuperSmithers
// scope so -enable-supersmithers has something to rewrite.
func buildDemoPlan(executionID string, cfg *config.Config, withRewrite bool) reconciler.Node {
	var buildPhase reconciler.Node = component.Phase("build", component.PhaseOpts{},
		component.Claude("review the build output and continue", nil))

	if withRewrite {
		meta := supersmithers.Meta{
			Scope:         "build",
			ModuleAbsPath: "cmd/smithers/demo_build_phase",
			ExportName:    "BuildPhase",
		}
		proxy := supersmithers.CreateProxy(meta, demoBuildPhaseSource, buildPhase)
		buildPhase = component.SuperSmithers(proxy)
	}

	return component.CreateRoot(component.RootConfig{
		ExecutionID:     executionID,
		MaxIterations:   cfg.DefaultMaxIterations,
		GlobalTimeoutMs: cfg.DefaultGlobalTimeoutMs,
		Child: component.RalphLoop(
			component.Phase("plan", component.PhaseOpts{}, component.Claude("draft a short plan", nil)),
			buildPhase,
		),
	})
}

// demoRewriteCode is the overlay source SuperSmithers commits to the
// VCS-tracked repository when -enable-supersmithers triggers a rewrite
// (spec.md §4.6 step 5). It must pass the overlay-code constraints of
// spec.md §6: no relative imports, parses as valid Go. Its accompanying
// Factory (wired where StubRewriter is constructed) is what the
// reconciler actually mounts (spec.md §9 registry-of-factories).
const demoRewriteCode = `package plan

func BuildPhase() Node {
	return Stop("build phase stalled; supersmithers rewrote it to stop")
}
`
