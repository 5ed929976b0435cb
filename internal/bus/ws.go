package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"flowgen/internal/model"
	"flowgen/internal/observability"
	"flowgen/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxFrame   = 32 << 20 // data: URLs can be large
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// frame is the websocket wire unit. A request carries ID and Message, its
// reply carries the same ID and Reply or Error, and an event carries only
// Message.
type frame struct {
	ID      uint64          `json:"id,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	Reply   *protocol.Reply `json:"reply,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) write(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) read() (frame, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return frame{}, err
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("parse frame: %w", err)
	}
	return f, nil
}

// remoteSurface is the hub-side proxy for an agent connected over websocket.
type remoteSurface struct {
	ws      *wsConn
	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan frame
	closed  bool
}

func (r *remoteSurface) Handle(ctx context.Context, msg protocol.Message) (protocol.Reply, error) {
	data, err := protocol.Encode(msg)
	if err != nil {
		return protocol.Reply{}, err
	}
	id := r.nextID.Add(1)
	ch := make(chan frame, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return protocol.Reply{}, ErrNoListener
	}
	r.pending[id] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	if err := r.ws.write(frame{ID: id, Message: data}); err != nil {
		return protocol.Reply{}, fmt.Errorf("write %s: %w", msg.Type(), errors.Join(ErrNoListener, err))
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return protocol.Reply{}, ErrNoListener
		}
		if f.Error != "" {
			return protocol.Reply{}, errors.New(f.Error)
		}
		if f.Reply == nil {
			return protocol.Reply{}, fmt.Errorf("empty reply to %s", msg.Type())
		}
		return *f.Reply, nil
	case <-ctx.Done():
		return protocol.Reply{}, ctx.Err()
	}
}

// resolve hands a reply to its waiting request. Replies nobody waits for,
// duplicates included, are dropped so the read loop never blocks.
func (r *remoteSurface) resolve(f frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.pending[f.ID]
	if !ok {
		return
	}
	select {
	case ch <- f:
	default:
	}
}

func (r *remoteSurface) shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
}

// ServeWS accepts an agent connection. The agent names its surface with the
// surface and url query parameters; its events are published on the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	surface := model.Surface{
		ID:  strings.TrimSpace(r.URL.Query().Get("surface")),
		URL: strings.TrimSpace(r.URL.Query().Get("url")),
	}
	if surface.ID == "" {
		http.Error(w, "surface required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrame)

	remote := &remoteSurface{ws: &wsConn{conn: conn}, pending: map[uint64]chan frame{}}
	detach := h.Attach(surface, remote)
	defer func() {
		detach()
		remote.shutdown()
	}()
	h.log.Info("agent connected", zap.String("surface", surface.ID), zap.String("url", surface.URL))

	stopPing := make(chan struct{})
	defer close(stopPing)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		f, err := remote.ws.read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("agent read failed", zap.String("surface", surface.ID), zap.Error(err))
			}
			h.log.Info("agent disconnected", zap.String("surface", surface.ID))
			return
		}
		if f.ID != 0 {
			remote.resolve(f)
			continue
		}
		if len(f.Message) == 0 {
			continue
		}
		msg, err := protocol.Decode(f.Message)
		if err != nil {
			h.log.Warn("dropping undecodable event", zap.String("surface", surface.ID), zap.Error(err))
			continue
		}
		h.Publish(msg)
	}
}

// Peer is the agent side of the bridge: it answers hub requests with a local
// handler and publishes events back to the hub.
type Peer struct {
	ws      *wsConn
	handler Handler
	log     *zap.Logger
	done    chan struct{}
}

// Dial connects an execution surface to the hub at hubURL (ws:// or wss://).
func Dial(ctx context.Context, hubURL string, surface model.Surface, handler Handler, log *zap.Logger) (*Peer, error) {
	u, err := url.Parse(strings.TrimSpace(hubURL))
	if err != nil {
		return nil, fmt.Errorf("parse hub URL: %w", err)
	}
	q := u.Query()
	q.Set("surface", surface.ID)
	q.Set("url", surface.URL)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial hub %s: %w", u.Redacted(), err)
	}
	conn.SetReadLimit(maxFrame)
	return &Peer{
		ws:      &wsConn{conn: conn},
		handler: handler,
		log:     observability.OrNop(log),
		done:    make(chan struct{}),
	}, nil
}

// Run serves hub requests until ctx ends or the connection drops.
func (p *Peer) Run(ctx context.Context) error {
	defer close(p.done)
	go func() {
		select {
		case <-ctx.Done():
			_ = p.Close()
		case <-p.done:
		}
	}()
	for {
		f, err := p.ws.read()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("hub connection lost: %w", err)
		}
		if f.ID == 0 || len(f.Message) == 0 {
			continue
		}
		go p.answer(ctx, f)
	}
}

func (p *Peer) answer(ctx context.Context, req frame) {
	resp := frame{ID: req.ID}
	msg, err := protocol.Decode(req.Message)
	if err != nil {
		resp.Error = err.Error()
	} else if reply, herr := p.handler.Handle(ctx, msg); herr != nil {
		resp.Error = herr.Error()
	} else {
		resp.Reply = &reply
	}
	if err := p.ws.write(resp); err != nil {
		p.log.Warn("reply to hub failed", zap.Uint64("id", req.ID), zap.Error(err))
	}
}

// Publish forwards an event to the hub. Failures are logged, matching the
// fire-and-forget transport contract.
func (p *Peer) Publish(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		p.log.Warn("encode event failed", zap.Error(err))
		return
	}
	if err := p.ws.write(frame{Message: data}); err != nil {
		p.log.Warn("publish to hub failed", zap.String("type", string(msg.Type())), zap.Error(err))
	}
}

func (p *Peer) Close() error {
	p.ws.writeMu.Lock()
	_ = p.ws.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	p.ws.writeMu.Unlock()
	return p.ws.conn.Close()
}
