// Package web streams filtered odometry to browsers and exposes health and metrics endpoints.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.viam.com/utils"

	"go.viam.com/ekffusion/fusion"
	"go.viam.com/ekffusion/logging"
)

const (
	socketBufferSize  = 1024
	messageBufferSize = 16
	forwardBufferSize = 64
)

var errClosed = errors.New("stream hub is closed")

var upgrader = &websocket.Upgrader{ReadBufferSize: socketBufferSize, WriteBufferSize: socketBufferSize}

// Hub fans published estimates out to every connected websocket client. It implements fusion.Sink
// and never blocks the publisher: when a client or the hub falls behind, messages are dropped.
type Hub struct {
	logger logging.Logger

	forward chan []byte
	join    chan *client
	leave   chan *client
	clients map[*client]bool

	numClients atomic.Int32
	dropped    atomic.Uint64

	latestMu sync.Mutex
	latest   []byte

	// workersMu orders adding client writers against Close waiting for them.
	workersMu               sync.Mutex
	closed                  bool
	cancelCtx               context.Context
	cancel                  context.CancelFunc
	activeBackgroundWorkers sync.WaitGroup
}

type client struct {
	socket *websocket.Conn
	send   chan []byte
}

// NewHub returns a running hub. Close stops it.
func NewHub(logger logging.Logger) *Hub {
	cancelCtx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		logger:    logger,
		forward:   make(chan []byte, forwardBufferSize),
		join:      make(chan *client),
		leave:     make(chan *client),
		clients:   make(map[*client]bool),
		cancelCtx: cancelCtx,
		cancel:    cancel,
	}
	h.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(h.run, h.activeBackgroundWorkers.Done)
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.cancelCtx.Done():
			for c := range h.clients {
				h.remove(c)
			}
			return
		case c := <-h.join:
			h.clients[c] = true
			h.numClients.Store(int32(len(h.clients)))
			h.logger.Debugw("stream client joined", "remote", c.socket.RemoteAddr().String())
		case c := <-h.leave:
			h.remove(c)
		case msg := <-h.forward:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.dropped.Add(1)
				}
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.numClients.Store(int32(len(h.clients)))
	h.logger.Debug("stream client left")
}

// Publish queues odom for every client.
func (h *Hub) Publish(ctx context.Context, odom fusion.FilteredOdometry) error {
	data, err := json.Marshal(odom)
	if err != nil {
		return errors.Wrap(err, "cannot encode filtered odometry")
	}

	if h.cancelCtx.Err() != nil {
		return errClosed
	}

	h.latestMu.Lock()
	h.latest = data
	h.latestMu.Unlock()

	select {
	case <-h.cancelCtx.Done():
		return errClosed
	case <-ctx.Done():
		return ctx.Err()
	case h.forward <- data:
	default:
		h.dropped.Add(1)
	}
	return nil
}

// Latest returns the JSON of the last published estimate, or nil.
func (h *Hub) Latest() []byte {
	h.latestMu.Lock()
	defer h.latestMu.Unlock()
	return h.latest
}

// Clients is the number of connected clients.
func (h *Hub) Clients() int {
	return int(h.numClients.Load())
}

// Dropped is the number of messages not delivered because a queue was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// ServeHTTP upgrades the request to a websocket and streams to it until either side closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	socket, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}
	c := &client{socket: socket, send: make(chan []byte, messageBufferSize)}

	select {
	case h.join <- c:
	case <-h.cancelCtx.Done():
		utils.UncheckedError(socket.Close())
		return
	}

	if !h.addWorker() {
		utils.UncheckedError(socket.Close())
		return
	}
	utils.PanicCapturingGo(func() {
		defer h.activeBackgroundWorkers.Done()
		c.write()
	})
	c.read()

	select {
	case h.leave <- c:
	case <-h.cancelCtx.Done():
	}
}

// read discards client messages until the connection fails.
func (c *client) read() {
	for {
		if _, _, err := c.socket.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) write() {
	defer utils.UncheckedErrorFunc(c.socket.Close)
	for msg := range c.send {
		if err := c.socket.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	utils.UncheckedError(c.socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
}

// addWorker registers a background worker unless the hub is closed.
func (h *Hub) addWorker() bool {
	h.workersMu.Lock()
	defer h.workersMu.Unlock()
	if h.closed {
		return false
	}
	h.activeBackgroundWorkers.Add(1)
	return true
}

// Close disconnects all clients and stops the hub.
func (h *Hub) Close() {
	h.workersMu.Lock()
	h.closed = true
	h.cancel()
	h.workersMu.Unlock()
	h.activeBackgroundWorkers.Wait()
}
