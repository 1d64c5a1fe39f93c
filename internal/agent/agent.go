// Package agent runs the worker side of the hub: it answers dashboard
// commands and reports its own status.
package agent

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/relayhub/internal/client"
	"github.com/remote-agent-terminal/relayhub/pkg/envelope"
)

// HandlerFunc answers one command. Handlers run on the connection's read
// goroutine, so long work must be started in the background.
type HandlerFunc func(ctx context.Context, cmd Command) (Reply, error)

// Agent is a hub client with the agent role.
type Agent struct {
	client    *client.Client
	deviceID  string
	name      string
	hostname  string
	startedAt time.Time
	log       zerolog.Logger

	// send is the reply path; tests replace it.
	send func(*envelope.Envelope) error

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	ctx      context.Context
}

// New creates an agent. Role, status reporting and inbound dispatch in opts
// are set by the agent.
func New(opts client.Options) (*Agent, error) {
	hostname, _ := os.Hostname()

	a := &Agent{
		deviceID:  opts.DeviceID,
		name:      opts.Name,
		hostname:  hostname,
		startedAt: time.Now(),
		log:       opts.Logger.With().Str("component", "agent").Logger(),
		handlers:  make(map[string]HandlerFunc),
		ctx:       context.Background(),
	}
	a.handlers[ActionPing] = a.handlePing
	a.handlers[ActionStatus] = a.handleStatus
	a.handlers[ActionEcho] = a.handleEcho

	opts.Role = envelope.RoleAgent
	opts.StatusType = TypeStatus
	opts.Status = func() any { return a.Status("") }
	opts.OnEnvelope = a.onEnvelope

	c, err := client.New(opts)
	if err != nil {
		return nil, err
	}
	a.client = c
	a.send = c.Send
	return a, nil
}

// Handle registers fn for action, replacing any existing handler.
func (a *Agent) Handle(action string, fn HandlerFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[action] = fn
}

// Actions lists the registered command actions.
func (a *Agent) Actions() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	actions := make([]string, 0, len(a.handlers))
	for action := range a.handlers {
		actions = append(actions, action)
	}
	sort.Strings(actions)
	return actions
}

// Start connects to the hub and keeps reconnecting until Close.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()
	return a.client.Start(ctx)
}

// Close disconnects permanently.
func (a *Agent) Close() error {
	return a.client.Close()
}

// Client returns the underlying hub connection.
func (a *Agent) Client() *client.Client {
	return a.client
}

// DeviceID returns the configured device id, or the one the hub assigned
// when none was configured.
func (a *Agent) DeviceID() string {
	if a.deviceID != "" {
		return a.deviceID
	}
	if w := a.client.Welcome(); w != nil {
		return w.DeviceID
	}
	return ""
}

// Name returns the configured display name, or the hub default.
func (a *Agent) Name() string {
	if a.name != "" {
		return a.name
	}
	if w := a.client.Welcome(); w != nil {
		return w.Name
	}
	return ""
}

// Status returns the current self-status.
func (a *Agent) Status(replyTo string) Status {
	return Status{
		ReplyTo:    replyTo,
		DeviceID:   a.DeviceID(),
		Name:       a.Name(),
		Hostname:   a.hostname,
		UptimeSec:  int64(time.Since(a.startedAt).Seconds()),
		Goroutines: runtime.NumGoroutine(),
		StartedAt:  a.startedAt.UnixMilli(),
	}
}

func (a *Agent) onEnvelope(env *envelope.Envelope) {
	if env.Type != TypeCommand || env.FromRole() != envelope.RoleDashboard {
		return
	}

	cmd := Command{ID: env.ID, From: *env.Meta}
	if err := env.Decode(&cmd.CommandPayload); err != nil {
		a.reply(cmd, Reply{Type: TypeError, Payload: errorPayload(cmd.Action, "invalid command payload")})
		return
	}
	if cmd.Target != "" && !a.isTarget(cmd.Target) {
		return
	}

	a.log.Info().
		Str("action", cmd.Action).
		Str("id", cmd.ID).
		Str("from", cmd.From.FromClientID).
		Msg("command received")

	a.mu.RLock()
	fn, ok := a.handlers[cmd.Action]
	ctx := a.ctx
	a.mu.RUnlock()

	if !ok {
		a.reply(cmd, Reply{Type: TypeError, Payload: errorPayload(cmd.Action, "unknown action: "+cmd.Action)})
		return
	}

	reply, err := fn(ctx, cmd)
	if err != nil {
		a.reply(cmd, Reply{Type: TypeError, Payload: errorPayload(cmd.Action, err.Error())})
		return
	}
	if reply.Type == "" {
		return
	}
	a.reply(cmd, reply)
}

func (a *Agent) isTarget(target string) bool {
	if target == a.DeviceID() {
		return true
	}
	w := a.client.Welcome()
	return w != nil && target == w.ClientID
}

func (a *Agent) reply(cmd Command, reply Reply) {
	payload, err := withReplyTo(reply.Payload, cmd.ID)
	if err != nil {
		a.log.Error().Err(err).Str("action", cmd.Action).Msg("failed to build reply")
		return
	}
	env, err := envelope.New(reply.Type, payload)
	if err != nil {
		a.log.Error().Err(err).Str("action", cmd.Action).Msg("failed to build reply")
		return
	}
	if err := a.send(env); err != nil {
		a.log.Warn().Err(err).Str("type", reply.Type).Msg("failed to send reply")
	}
}

func (a *Agent) handlePing(ctx context.Context, cmd Command) (Reply, error) {
	return Reply{Type: TypePong, Payload: map[string]any{
		"ok":       true,
		"deviceId": a.DeviceID(),
	}}, nil
}

func (a *Agent) handleStatus(ctx context.Context, cmd Command) (Reply, error) {
	return Reply{Type: TypeStatus, Payload: a.Status(cmd.ID)}, nil
}

func (a *Agent) handleEcho(ctx context.Context, cmd Command) (Reply, error) {
	data := cmd.Data
	if len(data) == 0 {
		data = cmd.Args
	}
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return Reply{Type: TypeEcho, Payload: map[string]any{"data": data}}, nil
}

func errorPayload(action, message string) map[string]any {
	return map[string]any{
		"ok":     false,
		"error":  message,
		"action": action,
	}
}
