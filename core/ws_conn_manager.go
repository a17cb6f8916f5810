package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/directchat/pkg/metrics"
	"github.com/samber/lo"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum event size allowed from peer, large enough for a message of
	// DefaultMaxMessageLength four-byte runes.
	maxMessageSize = 32 << 10
)

// ConnManager keeps the websocket connections of every connected participant.
// A participant may hold several connections at once.
type ConnManager struct {
	conns   map[string][]*Conn
	mu      sync.RWMutex
	connWg  *sync.WaitGroup
	context context.Context
	logger  *slog.Logger
	nextID  atomic.Int64

	onUserConnected    func(string)
	onUserDisconnected func(string)
	onConnectionOpened func(string, int)

	receivedEvent chan *Event

	upgrader        websocket.Upgrader
	ReadStreamSize  int
	WriteStreamSize int
}

var defaultUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type ManagerOption func(*ConnManager)

func WithCheckOrigin(f func(r *http.Request) bool) ManagerOption {
	return func(m *ConnManager) {
		m.upgrader.CheckOrigin = f
	}
}

func WithStreamSize(read, write int) ManagerOption {
	return func(m *ConnManager) {
		m.ReadStreamSize = read
		m.WriteStreamSize = write
	}
}

// NewConnManager returns a manager whose connections stop when ctx is done.
// Every connection goroutine is tracked by wg.
func NewConnManager(ctx context.Context, wg *sync.WaitGroup, logger *slog.Logger, opts ...ManagerOption) *ConnManager {
	m := &ConnManager{
		connWg:             wg,
		conns:              make(map[string][]*Conn),
		logger:             logger,
		context:            ctx,
		upgrader:           defaultUpgrader,
		ReadStreamSize:     100,
		WriteStreamSize:    100,
		onUserConnected:    func(string) {},
		onUserDisconnected: func(string) {},
		onConnectionOpened: func(string, int) {},
	}

	for _, opt := range opts {
		opt(m)
	}

	m.receivedEvent = make(chan *Event, m.ReadStreamSize)

	return m
}

func (m *ConnManager) Receive() <-chan *Event {
	return m.receivedEvent
}

// OnUserConnected is called when a participant opens their first connection.
func (m *ConnManager) OnUserConnected(f func(string)) {
	m.onUserConnected = f
}

// OnUserDisconnected is called when a participant's last connection closes.
func (m *ConnManager) OnUserDisconnected(f func(string)) {
	m.onUserDisconnected = f
}

func (m *ConnManager) OnConnectionOpened(f func(string, int)) {
	m.onConnectionOpened = f
}

func (m *ConnManager) IsUserConnected(participant string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[participant]
	return ok
}

// Connect upgrades the request and starts serving the connection for participant.
func (m *ConnManager) Connect(participant string, w http.ResponseWriter, r *http.Request) error {
	// the upgrader has already written an error response on failure
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("Upgrade: %w", err)
	}

	id := int(m.nextID.Add(1))
	wsConn := &Conn{
		participant: participant,
		id:          id,
		conn:        conn,
		context:     m.context,
		writeStream: make(chan *Event, m.WriteStreamSize),
		readStream:  m.receivedEvent,
		ticker:      time.NewTicker(pingPeriod),
		logger:      m.logger.With(slog.String("connection", fmt.Sprintf("%s:%d", participant, id))),
		notifyDisconnect: func() {
			m.disconnect(participant, id)
		},
	}

	m.mu.Lock()
	conns := m.conns[participant]
	first := len(conns) == 0
	m.conns[participant] = append(conns, wsConn)
	m.mu.Unlock()
	metrics.Connections.Inc()

	// hooks run before the loops so that a disconnect is always reported after them
	if first {
		m.onUserConnected(participant)
	}
	m.onConnectionOpened(participant, id)

	m.connWg.Add(2)
	go func() {
		defer m.connWg.Done()
		wsConn.readLoop()
	}()
	go func() {
		defer m.connWg.Done()
		wsConn.writeLoop()
	}()

	return nil
}

func (m *ConnManager) disconnect(participant string, id int) {
	m.mu.Lock()
	conns, ok := m.conns[participant]
	if !ok {
		m.mu.Unlock()
		return
	}

	idx := slices.IndexFunc(conns, func(c *Conn) bool { return c.id == id })
	if idx < 0 {
		m.mu.Unlock()
		return
	}
	conns[idx].close()
	conns = slices.Delete(conns, idx, idx+1)

	userDisconnected := len(conns) == 0
	if userDisconnected {
		delete(m.conns, participant)
	} else {
		m.conns[participant] = conns
	}
	m.mu.Unlock()
	metrics.Connections.Dec()

	if userDisconnected {
		m.onUserDisconnected(participant)
	}
}

// SendTo queues e on every connection of the participants. A connection whose
// buffer is full misses the event instead of blocking the sender.
func (m *ConnManager) SendTo(e *Event, participants ...string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range lo.Uniq(participants) {
		for _, conn := range m.conns[p] {
			conn.send(e)
		}
	}
}

func (m *ConnManager) SendToConn(e *Event, participant string, id int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, conn := range m.conns[participant] {
		if conn.id == id {
			conn.send(e)
		}
	}
}
