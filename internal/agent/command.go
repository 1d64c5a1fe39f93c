package agent

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/remote-agent-terminal/relayhub/pkg/envelope"
)

// Application envelope types exchanged between dashboards and agents.
const (
	TypeCommand = "dashboard_cmd"

	TypePong   = "agent_pong"
	TypeStatus = "agent_status"
	TypeEcho   = "agent_echo"
	TypeError  = "agent_error"
)

// Built-in command actions.
const (
	ActionPing   = "ping"
	ActionStatus = "status"
	ActionEcho   = "echo"
)

// CommandPayload is the payload of a dashboard_cmd envelope.
type CommandPayload struct {
	Action string          `json:"action"`
	Target string          `json:"target,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// Command is a dashboard_cmd received by an agent.
type Command struct {
	ID string
	CommandPayload
	From envelope.Meta
}

// DecodeArgs unmarshals the command arguments into v.
func (c Command) DecodeArgs(v any) error {
	if len(c.Args) == 0 {
		return errors.New("command has no args")
	}
	return json.Unmarshal(c.Args, v)
}

// Reply is a handler's answer to a command.
type Reply struct {
	Type    string
	Payload any
}

// Status is the agent self-status payload.
type Status struct {
	ReplyTo    string `json:"replyTo,omitempty"`
	DeviceID   string `json:"deviceId"`
	Name       string `json:"name"`
	Hostname   string `json:"hostname"`
	UptimeSec  int64  `json:"uptimeSec"`
	Goroutines int    `json:"goroutines"`
	StartedAt  int64  `json:"startedAt"`
}

// withReplyTo adds replyTo to a JSON object payload. Payloads that do not
// encode as an object are wrapped under data.
func withReplyTo(payload any, replyTo string) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode reply: %w", err)
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		fields = map[string]json.RawMessage{"data": raw}
	}
	id, _ := json.Marshal(replyTo)
	fields["replyTo"] = id
	return json.Marshal(fields)
}
