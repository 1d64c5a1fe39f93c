// Package presence fans hub join/leave events out to external sinks.
//
// The hub loop must never block on a sink, so events are queued to a single
// worker goroutine and dropped when the queue is full.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/relayhub/internal/logger"
	"github.com/remote-agent-terminal/relayhub/internal/metrics"
	"github.com/remote-agent-terminal/relayhub/internal/model"
)

const (
	defaultQueueSize = 1024
	recordTimeout    = 5 * time.Second
)

// Sink records presence events somewhere outside the hub.
type Sink interface {
	Name() string
	Record(ctx context.Context, event model.PresenceEvent) error
}

// Dispatcher delivers presence events to every sink in publish order.
type Dispatcher struct {
	log   zerolog.Logger
	sinks []Sink
	queue chan model.PresenceEvent

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewDispatcher starts a dispatcher for the given sinks.
func NewDispatcher(log zerolog.Logger, queueSize int, sinks ...Sink) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	d := &Dispatcher{
		log:   logger.Component(log, "presence"),
		sinks: sinks,
		queue: make(chan model.PresenceEvent, queueSize),
		done:  make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Publish queues an event without blocking. It reports whether the event was
// accepted. A nil dispatcher accepts nothing.
func (d *Dispatcher) Publish(event model.PresenceEvent) bool {
	if d == nil || len(d.sinks) == 0 {
		return false
	}
	select {
	case <-d.done:
		return false
	default:
	}

	select {
	case d.queue <- event:
		return true
	default:
		metrics.PresenceEventsDropped.Inc()
		d.log.Warn().
			Str("kind", string(event.Kind)).
			Str("clientId", event.Peer.ClientID).
			Msg("presence queue full, dropping event")
		return false
	}
}

// Close stops accepting events, flushes what is queued and waits for the
// worker to exit. It is safe to call more than once.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		close(d.done)
	})
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		case <-d.done:
			for {
				select {
				case event := <-d.queue:
					d.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(event model.PresenceEvent) {
	for _, sink := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		err := sink.Record(ctx, event)
		cancel()
		if err != nil {
			metrics.PresenceSinkErrors.WithLabelValues(sink.Name()).Inc()
			d.log.Error().
				Err(err).
				Str("sink", sink.Name()).
				Str("kind", string(event.Kind)).
				Str("clientId", event.Peer.ClientID).
				Msg("failed to record presence event")
		}
	}
}
