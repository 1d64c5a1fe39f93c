// Package ws implements the connection broker that pairs dashboard peers
// with agent peers over WebSocket.
//
// The package implements:
//   - Hub: owns the dashboard and agent registries, relays envelopes from one
//     role to every peer of the other, and evicts peers that miss heartbeats
//   - Peer: one authenticated connection with its read and write pumps
//   - HandleConnection: the handshake (role + token) and upgrade
//   - Service: wires a Hub to its token policy and presence sinks
//
// All registry state is owned by the goroutine running Hub.Run. Read pumps
// and the HTTP handler post events to it over a single FIFO channel, so
// registry mutation and fan-out never need a lock and frames from one peer
// are relayed in the order they were read.
package ws
