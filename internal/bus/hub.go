// Package bus carries protocol messages between the control surface, the
// execution surfaces and the download dispatcher. Delivery is best effort:
// a request to a surface without a listener fails with ErrNoListener and
// events to a full subscriber are dropped.
package bus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"flowgen/internal/model"
	"flowgen/internal/observability"
	"flowgen/internal/protocol"
)

const defaultSubscriberCapacity = 256

var (
	ErrNoListener = errors.New("no listener on execution surface")
	ErrNoSurface  = errors.New("no execution surface attached")
)

// Handler answers control->execution messages on one surface.
type Handler interface {
	Handle(ctx context.Context, msg protocol.Message) (protocol.Reply, error)
}

type HandlerFunc func(ctx context.Context, msg protocol.Message) (protocol.Reply, error)

func (f HandlerFunc) Handle(ctx context.Context, msg protocol.Message) (protocol.Reply, error) {
	return f(ctx, msg)
}

// Publisher emits execution->control and dispatcher events.
type Publisher interface {
	Publish(msg protocol.Message)
}

// Sender delivers a control->execution message and waits for the reply.
type Sender interface {
	Send(ctx context.Context, surfaceID string, msg protocol.Message) (protocol.Reply, error)
}

type Option func(*Hub)

func WithLogger(log *zap.Logger) Option {
	return func(h *Hub) {
		h.log = observability.OrNop(log)
	}
}

func WithSubscriberCapacity(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.capacity = n
		}
	}
}

// WithDetachHook registers fn to run after a surface detaches. It runs on the
// detaching goroutine and must not block.
func WithDetachHook(fn func(model.Surface)) Option {
	return func(h *Hub) {
		h.onDetach = fn
	}
}

type listener struct {
	surface model.Surface
	handler Handler
	token   *int
}

type Hub struct {
	mu        sync.RWMutex
	listeners map[string]listener
	order     []string
	subs      map[*Subscription]struct{}
	capacity  int
	onDetach  func(model.Surface)
	log       *zap.Logger
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		listeners: map[string]listener{},
		subs:      map[*Subscription]struct{}{},
		capacity:  defaultSubscriberCapacity,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Attach registers handler as the listener for surface, replacing any earlier
// one. The returned func detaches it; it is a no-op once replaced.
func (h *Hub) Attach(surface model.Surface, handler Handler) func() {
	token := new(int)
	h.mu.Lock()
	h.listeners[surface.ID] = listener{surface: surface, handler: handler, token: token}
	h.order = append(slices.DeleteFunc(h.order, func(id string) bool { return id == surface.ID }), surface.ID)
	h.mu.Unlock()
	h.log.Debug("surface attached", zap.String("surface", surface.ID), zap.String("url", surface.URL))

	return func() {
		h.mu.Lock()
		cur, ok := h.listeners[surface.ID]
		if !ok || cur.token != token {
			h.mu.Unlock()
			return
		}
		delete(h.listeners, surface.ID)
		h.order = slices.DeleteFunc(h.order, func(id string) bool { return id == surface.ID })
		h.mu.Unlock()
		h.log.Debug("surface detached", zap.String("surface", surface.ID))
		if h.onDetach != nil {
			h.onDetach(surface)
		}
	}
}

func (h *Hub) Send(ctx context.Context, surfaceID string, msg protocol.Message) (protocol.Reply, error) {
	h.mu.RLock()
	l, ok := h.listeners[surfaceID]
	h.mu.RUnlock()
	if !ok {
		return protocol.Reply{}, fmt.Errorf("send %s to %s: %w", msg.Type(), surfaceID, ErrNoListener)
	}

	type result struct {
		reply protocol.Reply
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := l.handler.Handle(ctx, msg)
		done <- result{reply: reply, err: err}
	}()

	select {
	case r := <-done:
		return r.reply, r.err
	case <-ctx.Done():
		return protocol.Reply{}, fmt.Errorf("send %s to %s: %w", msg.Type(), surfaceID, ctx.Err())
	}
}

// Surfaces lists attached surfaces, most recently attached last.
func (h *Hub) Surfaces() []model.Surface {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]model.Surface, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.listeners[id].surface)
	}
	return out
}

// Active reports the most recently attached surface. It lets the connection
// monitor treat remote agents as the active surface.
func (h *Hub) Active(context.Context) (model.Surface, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.order) == 0 {
		return model.Surface{}, ErrNoSurface
	}
	return h.listeners[h.order[len(h.order)-1]].surface, nil
}

// Subscription receives published events whose type matches its filter.
type Subscription struct {
	events chan protocol.Message
	types  map[protocol.Type]bool
	hub    *Hub
	once   sync.Once
}

func (s *Subscription) Events() <-chan protocol.Message {
	return s.events
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		close(s.events)
		s.hub.mu.Unlock()
	})
}

func (s *Subscription) wants(t protocol.Type) bool {
	return len(s.types) == 0 || s.types[t]
}

// Subscribe returns a subscription for the given types, or every type when none
// are given.
func (h *Hub) Subscribe(types ...protocol.Type) *Subscription {
	sub := &Subscription{
		events: make(chan protocol.Message, h.capacity),
		types:  map[protocol.Type]bool{},
		hub:    h,
	}
	for _, t := range types {
		sub.types[t] = true
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) Publish(msg protocol.Message) {
	if msg == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.wants(msg.Type()) {
			continue
		}
		select {
		case sub.events <- msg:
		default:
			h.log.Warn("subscriber full, event dropped", zap.String("type", string(msg.Type())))
		}
	}
}
