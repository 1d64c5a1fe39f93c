package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/remote-agent-terminal/relayhub/internal/cli"
	"github.com/remote-agent-terminal/relayhub/internal/client"
	"github.com/remote-agent-terminal/relayhub/internal/config"
	"github.com/remote-agent-terminal/relayhub/internal/dashboard"
	"github.com/remote-agent-terminal/relayhub/internal/logger"
	"github.com/remote-agent-terminal/relayhub/pkg/envelope"
)

func main() {
	root := &cobra.Command{
		Use:           "relayhub-dashboard",
		Short:         "Operate agents connected to the relay hub",
		Long:          "Without a subcommand an interactive console is started. Type help at the prompt.",
		Version:       cli.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := cli.BindClientFlags(root, false)

	root.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := flags.Load(cmd)
		if err != nil {
			return err
		}
		return interactive(cmd.Context(), cfg)
	}

	var timeout time.Duration
	peers := &cobra.Command{
		Use:   "peers",
		Short: "List connected agents and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.Load(cmd)
			if err != nil {
				return err
			}
			return oneShot(cmd.Context(), cfg, timeout, func(s *session) error {
				return s.console.Exec("peers")
			})
		},
	}
	peers.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the hub")

	send := &cobra.Command{
		Use:   "send <action> [target] [args-json]",
		Short: "Send one command and print the first reply",
		Long:  "Target is a device id, client id or agent name; omit it or use \"all\" for every agent.",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.Load(cmd)
			if err != nil {
				return err
			}
			return oneShot(cmd.Context(), cfg, timeout, func(s *session) error {
				return s.request(cmd.Context(), args, timeout)
			})
		},
	}
	send.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the hub and the reply")

	root.AddCommand(peers, send)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// session is a dashboard wired to a console on stdout.
type session struct {
	d       *dashboard.Dashboard
	console *dashboard.Console

	welcomed chan struct{}
	replies  chan *envelope.Envelope
}

func newSession(cfg *config.ClientConfig, out io.Writer, echo bool) (*session, error) {
	// The console owns stdout, so logs go to stderr.
	log := logger.NewWithWriter(os.Stderr, cfg.Env, cfg.LogLevel)

	s := &session{
		welcomed: make(chan struct{}, 1),
		replies:  make(chan *envelope.Envelope, 16),
	}
	d, err := dashboard.New(dashboard.Options{
		Client:      client.OptionsFromConfig(cfg, envelope.RoleDashboard, log),
		LogCapacity: cfg.LogCapacity,
		OnEnvelope: func(env *envelope.Envelope) {
			switch {
			case env.Type == envelope.TypeHubWelcome:
				select {
				case s.welcomed <- struct{}{}:
				default:
				}
			case env.FromRole() == envelope.RoleAgent:
				select {
				case s.replies <- env:
				default:
				}
			}
			if echo {
				s.console.PrintEnvelope(env)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	s.d = d
	s.console = dashboard.NewConsole(d, out)
	return s, nil
}

func interactive(ctx context.Context, cfg *config.ClientConfig) error {
	s, err := newSession(cfg, os.Stdout, true)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.d.Start(ctx); err != nil {
		return err
	}
	defer s.d.Close()

	return s.console.Run(ctx, os.Stdin)
}

// oneShot connects, waits for the hub's welcome, runs fn and disconnects.
func oneShot(ctx context.Context, cfg *config.ClientConfig, timeout time.Duration, fn func(*session) error) error {
	s, err := newSession(cfg, os.Stdout, false)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.d.Start(ctx); err != nil {
		return err
	}
	defer s.d.Close()

	select {
	case <-s.welcomed:
	case <-time.After(timeout):
		return fmt.Errorf("hub did not answer within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	return fn(s)
}

// request sends args[0] to the optional target with optional JSON args and
// prints the first agent envelope that answers it.
func (s *session) request(ctx context.Context, args []string, timeout time.Duration) error {
	action, target := args[0], ""
	if len(args) > 1 && args[1] != "all" && args[1] != "*" {
		target = args[1]
		if p, ok := s.d.Lookup(target); ok && p.DeviceID != "" {
			target = p.DeviceID
		}
	}
	var payload any
	if len(args) > 2 {
		if !json.Valid([]byte(args[2])) {
			return errors.New("args must be valid JSON")
		}
		payload = json.RawMessage(args[2])
	}

	id, err := s.d.SendCommand(action, target, payload)
	if err != nil {
		return err
	}

	deadline := time.After(timeout)
	for {
		select {
		case env := <-s.replies:
			var reply struct {
				ReplyTo string `json:"replyTo"`
			}
			if env.Decode(&reply) != nil || reply.ReplyTo != id {
				continue
			}
			fmt.Printf("%s %s\n", env.Type, env.Payload)
			return nil
		case <-deadline:
			return fmt.Errorf("no reply to %s within %s", action, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
