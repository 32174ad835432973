package eventbus

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/flowsyncd/internal/openflow"
)

// EventType represents the type of event
type EventType string

const (
	EventTypeOwnershipGranted EventType = "ownership_granted"
	EventTypeOwnershipRevoked EventType = "ownership_revoked"
	EventTypeNodeUp           EventType = "node_up"
	EventTypeNodeDown         EventType = "node_down"
	EventTypePortStatus       EventType = "port_status"
	EventTypeConfigChanged    EventType = "config_changed"
)

// Default configuration
const (
	DefaultWorkerCount = 4
	DefaultQueueSize   = 100
)

// Event represents an event in the system
type Event struct {
	Type EventType
	Node openflow.NodeID
	Data map[string]interface{}
}

// Handler is a function that handles events
type Handler func(Event)

// work represents a unit of work for the worker pool
type work struct {
	event   Event
	handler Handler
}

// Bus provides event routing with a bounded worker pool.
// Events of one node are always handled by the same worker, in publish order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler

	// One queue per worker, selected by node hash
	workQueues []chan work
	wg         sync.WaitGroup

	// Shutdown signaling - closing this channel signals publishers to stop
	closing   chan struct{}
	closeOnce sync.Once
	sendMu    sync.RWMutex
}

// New creates a new event bus with default settings
func New() *Bus {
	return NewWithConfig(DefaultWorkerCount, DefaultQueueSize)
}

// NewWithConfig creates a new event bus with custom worker count and queue size
func NewWithConfig(workerCount, queueSize int) *Bus {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	b := &Bus{
		handlers:   make(map[EventType][]Handler),
		workQueues: make([]chan work, workerCount),
		closing:    make(chan struct{}),
	}

	for i := range b.workQueues {
		b.workQueues[i] = make(chan work, queueSize)
		b.wg.Add(1)
		go b.worker(i)
	}

	log.Debug().Int("workers", workerCount).Int("queue_size", queueSize).Msg("Event bus worker pool started")
	return b
}

// worker processes events from its work queue
func (b *Bus) worker(id int) {
	defer b.wg.Done()

	for w := range b.workQueues[id] {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("event_type", string(w.event.Type)).
						Str("node", w.event.Node.String()).
						Int("worker", id).
						Msg("Event handler panicked")
				}
			}()
			w.handler(w.event)
		}()
	}
}

// Subscribe registers a handler for a specific event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

func (b *Bus) queueFor(node openflow.NodeID) chan work {
	h := fnv.New32a()
	h.Write([]byte(node))
	return b.workQueues[h.Sum32()%uint32(len(b.workQueues))]
}

// Publish sends an event to all subscribed handlers.
// Non-blocking: if the work queue is full or bus is closing, events are dropped.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	// Held for read so Close cannot close the queues under a sender
	b.sendMu.RLock()
	defer b.sendMu.RUnlock()

	queue := b.queueFor(event.Node)
	for _, handler := range handlers {
		select {
		case <-b.closing:
			log.Warn().Str("event_type", string(event.Type)).Msg("Event bus closing, dropping event")
			return
		default:
		}

		select {
		case queue <- work{event: event, handler: handler}:
			// Successfully queued
		default:
			// Queue full - drop event with warning
			log.Warn().
				Str("event_type", string(event.Type)).
				Str("node", event.Node.String()).
				Msg("Event bus queue full, dropping event")
		}
	}
}

// Close shuts down the worker pool gracefully.
// First signals publishers to stop, then closes the work queues and waits for workers.
func (b *Bus) Close(ctx context.Context) {
	closed := false
	b.closeOnce.Do(func() {
		close(b.closing)
		closed = true
	})
	if !closed {
		return
	}

	b.sendMu.Lock()
	for _, q := range b.workQueues {
		close(q)
	}
	b.sendMu.Unlock()

	// Wait for workers to finish with timeout
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Event bus workers stopped gracefully")
	case <-ctx.Done():
		log.Warn().Msg("Event bus shutdown timed out, some events may be lost")
	}
}

// Clear removes all handlers
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = make(map[EventType][]Handler)
}
