package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/remote-agent-terminal/relayhub/internal/agent"
	"github.com/remote-agent-terminal/relayhub/internal/cli"
	"github.com/remote-agent-terminal/relayhub/internal/client"
	"github.com/remote-agent-terminal/relayhub/internal/config"
	"github.com/remote-agent-terminal/relayhub/internal/logger"
	"github.com/remote-agent-terminal/relayhub/pkg/envelope"
)

func main() {
	cmd := &cobra.Command{
		Use:           "relayhub-agent",
		Short:         "Connect to the relay hub and answer dashboard commands",
		Version:       cli.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := cli.BindClientFlags(cmd, true)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := flags.Load(cmd)
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ClientConfig) error {
	log := logger.New(cfg.Env, cfg.LogLevel)

	opts := client.OptionsFromConfig(cfg, envelope.RoleAgent, log)
	opts.OnStateChange = func(s client.State) {
		log.Debug().Str("state", s.String()).Msg("connection state changed")
	}

	a, err := agent.New(opts)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	tasks := &taskRunner{}
	a.Handle("run_taskset", tasks.run)
	a.Handle("stop_taskset", tasks.stop)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}
	log.Info().
		Str("hub", cfg.HubURL).
		Strs("actions", a.Actions()).
		Msg("agent started")

	<-ctx.Done()

	log.Info().Msg("shutting down agent...")
	return a.Close()
}

// taskRunner tracks the task set the agent is currently running. Execution
// of task sets is outside the hub's concern; the runner only records which
// one is active so dashboards can start and stop it.
type taskRunner struct {
	mu      sync.Mutex
	current string
	since   time.Time
}

type taskSetArgs struct {
	TaskSet string `json:"taskSet"`
}

func (r *taskRunner) run(ctx context.Context, cmd agent.Command) (agent.Reply, error) {
	var args taskSetArgs
	if err := cmd.DecodeArgs(&args); err != nil {
		return agent.Reply{}, err
	}
	if args.TaskSet == "" {
		return agent.Reply{}, errors.New("taskSet is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != "" {
		return agent.Reply{}, fmt.Errorf("task set %s is already running", r.current)
	}
	r.current, r.since = args.TaskSet, time.Now()

	return agent.Reply{
		Type:    "taskset_started",
		Payload: map[string]any{"ok": true, "taskSet": args.TaskSet, "startedAt": r.since.UnixMilli()},
	}, nil
}

func (r *taskRunner) stop(ctx context.Context, cmd agent.Command) (agent.Reply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == "" {
		return agent.Reply{}, errors.New("no task set running")
	}
	stopped := r.current
	ranFor := time.Since(r.since)
	r.current = ""

	return agent.Reply{
		Type: "taskset_stopped",
		Payload: map[string]any{
			"ok":       true,
			"taskSet":  stopped,
			"ranForMs": ranFor.Milliseconds(),
		},
	}, nil
}
