package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// EventError is sent back to the dispatcher of an inbound event that was rejected.
const EventError = "error"

type Event struct {
	Dispatcher string          `json:"-"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Dispatcher: %s, Type: %s, Payload.Size: %d}", e.Dispatcher, e.Type, len(e.Payload))
}

type ErrorEventPayload struct {
	Event string `json:"event"`
	Error string `json:"error"`
}

func EncodeEvent(w io.Writer, e *Event) error {
	if err := json.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}

func DecodeEvent(r io.Reader, e *Event) error {
	if err := json.NewDecoder(r).Decode(e); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return nil
}

type EventTransport interface {
	SendTo(event *Event, participants ...string)
	Receive() <-chan *Event
}

type EventHandler func(context.Context, *Event) error

// EventRouter dispatches inbound events to handlers by type and emits outbound
// events through its transport. It implements Publisher.
type EventRouter struct {
	listeners map[string]EventHandler
	transport EventTransport
	logger    *slog.Logger
	handlers  sync.WaitGroup

	mu sync.Mutex
	// pending holds the events of each dispatcher not yet handled. A key is
	// present exactly while a worker drains it.
	pending map[string][]queuedEvent
}

func NewEventRouter(logger *slog.Logger, transport EventTransport) *EventRouter {
	return &EventRouter{
		listeners: make(map[string]EventHandler),
		transport: transport,
		logger:    logger,
		pending:   make(map[string][]queuedEvent),
	}
}

// Listen blocks until ctx is done and the running handlers have returned.
func (em *EventRouter) Listen(ctx context.Context) {
	defer em.handlers.Wait()
	for {
		select {
		case e := <-em.transport.Receive():
			em.logger.Debug(fmt.Sprintf("received: %v", e))
			handler, ok := em.listeners[e.Type]
			if !ok {
				em.reject(e, fmt.Errorf("%w: unknown event type %q", ErrInvalidArgument, e.Type))
				continue
			}
			em.enqueue(ctx, e, handler)
		case <-ctx.Done():
			return
		}
	}
}

type queuedEvent struct {
	event   *Event
	handler EventHandler
}

// enqueue hands e to the worker of its dispatcher, starting one if needed.
// Events of one dispatcher are handled in arrival order; dispatchers run concurrently.
func (em *EventRouter) enqueue(ctx context.Context, e *Event, handler EventHandler) {
	em.mu.Lock()
	queue, running := em.pending[e.Dispatcher]
	em.pending[e.Dispatcher] = append(queue, queuedEvent{event: e, handler: handler})
	em.mu.Unlock()
	if running {
		return
	}

	em.handlers.Add(1)
	go func() {
		defer em.handlers.Done()
		em.drain(ctx, e.Dispatcher)
	}()
}

func (em *EventRouter) drain(ctx context.Context, dispatcher string) {
	for {
		em.mu.Lock()
		queue := em.pending[dispatcher]
		if len(queue) == 0 {
			delete(em.pending, dispatcher)
			em.mu.Unlock()
			return
		}
		next := queue[0]
		em.pending[dispatcher] = queue[1:]
		em.mu.Unlock()

		if err := next.handler(ctx, next.event); err != nil {
			em.reject(next.event, err)
		}
	}
}

// reject logs the failure of an inbound event and tells its dispatcher when the
// failure was caused by the event itself.
func (em *EventRouter) reject(e *Event, err error) {
	if !IsClientError(err) {
		em.logger.Error(fmt.Sprintf("%s handler: %s", e.Type, err), "dispatcher", e.Dispatcher)
		err = ErrStorageUnavailable
	}
	if emitErr := em.EmitTo(EventError, ErrorEventPayload{Event: e.Type, Error: err.Error()}, e.Dispatcher); emitErr != nil {
		em.logger.Error(emitErr.Error())
	}
}

// On registers the handler of an inbound event type. It must be called before Listen.
func (em *EventRouter) On(eventName string, handler EventHandler) {
	em.listeners[eventName] = handler
}

// EmitTo sends an event to every connection of the given participants.
func (em *EventRouter) EmitTo(t string, payload interface{}, participants ...string) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	e := &Event{
		Type:    t,
		Payload: b,
	}

	em.transport.SendTo(e, participants...)
	return nil
}
