package ws

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/remote-agent-terminal/relayhub/pkg/envelope"
)

// queued counts frames waiting in p's send queue without consuming them.
func queued(p *Peer) int {
	return len(p.send)
}

func clearQueue(p *Peer) {
	for len(p.send) > 0 {
		<-p.send
	}
}

func TestFanOutProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("an application frame reaches every opposite peer once and no same-role peer", prop.ForAll(
		func(dashboards, agents int, fromAgent bool) bool {
			h := newLoopHub(Options{})

			var ds, as []*Peer
			for i := 0; i < dashboards; i++ {
				p := mockPeer(envelope.RoleDashboard, fmt.Sprintf("d%d", i), 32)
				h.register(p)
				ds = append(ds, p)
			}
			for i := 0; i < agents; i++ {
				p := mockPeer(envelope.RoleAgent, fmt.Sprintf("a%d", i), 32)
				h.register(p)
				as = append(as, p)
			}

			sender := mockPeer(envelope.RoleDashboard, "sender", 32)
			receivers, bystanders := as, ds
			if fromAgent {
				sender = mockPeer(envelope.RoleAgent, "sender", 32)
				receivers, bystanders = ds, as
			}
			h.register(sender)

			for _, p := range append(append([]*Peer{sender}, ds...), as...) {
				clearQueue(p)
			}

			h.route(sender, []byte(`{"type":"custom_event","payload":{"n":1}}`))

			for _, p := range receivers {
				if queued(p) != 1 {
					return false
				}
			}
			for _, p := range bystanders {
				if queued(p) != 0 {
					return false
				}
			}
			return queued(sender) == 0
		},
		gen.IntRange(0, 5),
		gen.IntRange(0, 5),
		gen.Bool(),
	))

	properties.Property("counts always match the registries", prop.ForAll(
		func(joins []bool) bool {
			h := newLoopHub(Options{})

			var peers []*Peer
			for i, isAgent := range joins {
				role := envelope.RoleDashboard
				if isAgent {
					role = envelope.RoleAgent
				}
				p := mockPeer(role, fmt.Sprintf("p%d", i), 64)
				h.register(p)
				peers = append(peers, p)
			}
			// Remove every other peer, twice, to exercise idempotent removal.
			for i := 0; i < len(peers); i += 2 {
				h.handle(event{kind: evClosed, peer: peers[i]})
				h.handle(event{kind: evClosed, peer: peers[i]})
			}

			counts := h.Counts()
			return counts.Dashboards == len(h.registries[envelope.RoleDashboard]) &&
				counts.Agents == len(h.registries[envelope.RoleAgent]) &&
				counts.Total == counts.Dashboards+counts.Agents &&
				counts.Total == len(joins)/2
		},
		gen.SliceOfN(20, gen.Bool()),
	))

	properties.TestingRun(t)
}
