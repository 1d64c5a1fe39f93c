package dashboard

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/remote-agent-terminal/relayhub/internal/agent"
	"github.com/remote-agent-terminal/relayhub/pkg/envelope"
)

// ErrQuit is returned by Exec for the quit command.
var ErrQuit = errors.New("quit")

const (
	defaultLogLines = 20
	maxPayloadWidth = 120
)

// Console is the interactive operator prompt.
type Console struct {
	d   *Dashboard
	out io.Writer
	mu  sync.Mutex

	green  *color.Color
	cyan   *color.Color
	yellow *color.Color
	red    *color.Color
	dim    *color.Color
}

// NewConsole returns a console writing to out.
func NewConsole(d *Dashboard, out io.Writer) *Console {
	return &Console{
		d:      d,
		out:    out,
		green:  color.New(color.FgGreen),
		cyan:   color.New(color.FgCyan),
		yellow: color.New(color.FgYellow),
		red:    color.New(color.FgRed),
		dim:    color.New(color.Faint),
	}
}

// Run reads commands from in until quit, EOF or ctx is done.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	c.prompt()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			return err
		case line := <-lines:
			if err := c.Exec(line); err != nil {
				if errors.Is(err, ErrQuit) {
					return nil
				}
				c.printf(c.red, "Error: %v\n", err)
			}
			c.prompt()
		}
	}
}

// Exec runs a single command line.
func (c *Console) Exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()
		return nil

	case "quit", "exit":
		return ErrQuit

	case "peers", "agents":
		c.printPeers()
		return nil

	case "log":
		n := defaultLogLines
		if len(args) > 0 {
			v, err := strconv.Atoi(args[0])
			if err != nil || v < 0 {
				return fmt.Errorf("log: invalid count %q", args[0])
			}
			n = v
		}
		c.printLog(n)
		return nil

	case "ping", "status":
		if len(args) != 1 {
			return fmt.Errorf("usage: %s <target>", cmd)
		}
		return c.send(cmd, args[0], nil)

	case "echo":
		if len(args) == 0 {
			return errors.New("usage: echo <text>")
		}
		id, err := c.d.Echo("", strings.Join(args, " "))
		if err != nil {
			return err
		}
		c.printf(c.dim, "sent echo (%s)\n", id)
		return nil

	case "run":
		if len(args) != 2 {
			return errors.New("usage: run <taskset> <target>")
		}
		return c.send("run_taskset", args[1], map[string]string{"taskSet": args[0]})

	case "stop":
		if len(args) != 1 {
			return errors.New("usage: stop <target>")
		}
		return c.send("stop_taskset", args[0], nil)

	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
}

// PrintEnvelope writes one inbound envelope. Use it as Options.OnEnvelope.
func (c *Console) PrintEnvelope(env *envelope.Envelope) {
	style := c.cyan
	switch env.Type {
	case agent.TypeError:
		style = c.red
	case agent.TypePong, agent.TypeEcho:
		style = c.green
	case envelope.TypePeerJoin, envelope.TypePeerLeave, envelope.TypeHubWelcome:
		style = c.yellow
	case agent.TypeStatus, envelope.TypeHubPeers:
		// Periodic traffic is only kept in the log.
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out)
	style.Fprintf(c.out, "[%s]", env.Type)
	if from := source(env); from != "" {
		fmt.Fprintf(c.out, " %s", from)
	}
	fmt.Fprintf(c.out, " %s\n", truncate(string(env.Payload), maxPayloadWidth))
}

func (c *Console) send(action, target string, args any) error {
	resolved := c.resolve(target)
	id, err := c.d.SendCommand(action, resolved, args)
	if err != nil {
		return err
	}
	c.printf(c.dim, "sent %s to %s (%s)\n", action, displayTarget(resolved), id)
	return nil
}

// resolve maps a client id, device id or name onto the agent's device id.
// "all" and "*" address every agent.
func (c *Console) resolve(target string) string {
	if target == "all" || target == "*" {
		return ""
	}
	if p, ok := c.d.Lookup(target); ok && p.DeviceID != "" {
		return p.DeviceID
	}
	return target
}

func (c *Console) printPeers() {
	agents := c.d.Agents()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(agents) == 0 {
		c.yellow.Fprintln(c.out, "No agents connected.")
		return
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tNAME\tCLIENT ID\tCONNECTED\tLAST SEEN")
	for _, p := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			p.DeviceID, p.Name, p.ClientID,
			formatMillis(p.ConnectedAt), formatMillis(p.LastSeen))
	}
	w.Flush()
}

func (c *Console) printLog(n int) {
	entries := c.d.Log(n)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(entries) == 0 {
		c.yellow.Fprintln(c.out, "Log is empty.")
		return
	}
	for _, e := range entries {
		c.dim.Fprintf(c.out, "%s ", e.At.Format("15:04:05"))
		c.cyan.Fprintf(c.out, "%-16s", e.Envelope.Type)
		if from := source(e.Envelope); from != "" {
			fmt.Fprintf(c.out, " %s", from)
		}
		fmt.Fprintf(c.out, " %s\n", truncate(string(e.Envelope.Payload), maxPayloadWidth))
	}
}

func (c *Console) printHelp() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.yellow.Fprintln(c.out, "Commands:")
	fmt.Fprintln(c.out, "  peers                    List connected agents")
	fmt.Fprintln(c.out, "  log [n]                  Show the last n envelopes (default 20)")
	fmt.Fprintln(c.out, "  ping <target>            Ping an agent")
	fmt.Fprintln(c.out, "  status <target>          Ask an agent for its status")
	fmt.Fprintln(c.out, "  echo <text>              Ask every agent to echo text")
	fmt.Fprintln(c.out, "  run <taskset> <target>   Start a task set on an agent")
	fmt.Fprintln(c.out, "  stop <target>            Stop the running task set")
	fmt.Fprintln(c.out, "  quit                     Exit")
	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, "A target is a device id, client id, agent name or \"all\".")
}

func (c *Console) prompt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.green.Fprint(c.out, "> ")
}

func (c *Console) printf(style *color.Color, format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	style.Fprintf(c.out, format, args...)
}

func source(env *envelope.Envelope) string {
	if env.Meta == nil {
		return ""
	}
	if env.Meta.FromName != "" {
		return env.Meta.FromName
	}
	if env.Meta.FromDeviceID != "" {
		return env.Meta.FromDeviceID
	}
	return string(env.Meta.FromRole)
}

func displayTarget(target string) string {
	if target == "" {
		return "all agents"
	}
	return target
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("15:04:05")
}

func truncate(s string, width int) string {
	if len(s) <= width {
		return s
	}
	return s[:width-3] + "..."
}
