// Package hub is the bidirectional push channel. Connections upgrade at
// /ws, authenticate with an opaque device id, and subscribe to
// conversation topics. Events flow one way per destination in FIFO
// order; nothing is persisted, so clients that were offline reconcile
// through the incremental message fetch on reconnect.
package hub

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/vanish/internal/monitoring"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

const topicPrefix = "/topic/conversation/"

const writeWait = 5 * time.Second

var (
	pongWait   = 30 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// frame is the wire envelope. Destination tells the client which
// subscription the payload belongs to.
type frame struct {
	Destination string `json:"destination"`
	Payload     any    `json:"payload"`
}

// command is what clients send: subscribe/unsubscribe to topics.
type command struct {
	Type        string `json:"type"`
	Destination string `json:"destination"`
}

// Hub fans events out to connected devices.
type Hub struct {
	logger zerolog.Logger

	clients   sync.Map // *client → struct{}
	clientSeq int64
	connCount int64

	topics  *subscriberIndex // conversation topics
	devices *subscriberIndex // device id → connections (user queue)

	sem          chan struct{}
	shuttingDown int32
}

func New(maxConnections int, logger zerolog.Logger) *Hub {
	if maxConnections < 1 {
		maxConnections = 1024
	}
	return &Hub{
		logger:  logger.With().Str("component", "hub").Logger(),
		topics:  newSubscriberIndex(),
		devices: newSubscriberIndex(),
		sem:     make(chan struct{}, maxConnections),
	}
}

// deviceDest is the internal index key for a device's user queue.
func deviceDest(deviceID string) string { return "device/" + deviceID }

// HandleWS upgrades the HTTP request and runs the connection pumps.
// The device id comes from the X-Device-ID header or, for browser
// clients that cannot set headers on the upgrade, the device query
// parameter.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&h.shuttingDown) == 1 {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	deviceID := r.Header.Get("X-Device-ID")
	if deviceID == "" {
		deviceID = r.URL.Query().Get("device")
	}
	if deviceID == "" {
		http.Error(w, "missing device id", http.StatusBadRequest)
		return
	}

	select {
	case h.sem <- struct{}{}:
	default:
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-h.sem
		h.logger.Error().Err(err).Str("device_id", deviceID).Msg("WebSocket upgrade failed")
		return
	}

	c := newClient(atomic.AddInt64(&h.clientSeq, 1), deviceID, conn)
	h.clients.Store(c, struct{}{})
	h.devices.add(deviceDest(deviceID), c)
	count := atomic.AddInt64(&h.connCount, 1)
	monitoring.HubConnections.Set(float64(count))

	h.logger.Info().
		Int64("client_id", c.id).
		Str("device_id", deviceID).
		Int64("connections", count).
		Msg("Push channel connected")

	go h.writePump(c)
	go h.readPump(c)
}

// PublishTopic broadcasts an event to every connection subscribed to
// the destination. The payload is serialized once for all subscribers.
func (h *Hub) PublishTopic(destination string, event any) {
	subscribers := h.topics.get(destination)
	if len(subscribers) == 0 {
		return
	}
	data, err := json.Marshal(frame{Destination: destination, Payload: event})
	if err != nil {
		h.logger.Error().Err(err).Str("destination", destination).Msg("Failed to serialize event")
		return
	}
	for _, c := range subscribers {
		c.enqueue(data)
	}
}

// PublishDevice delivers an event to every connection authenticated as
// deviceID, addressed as the user notification queue.
func (h *Hub) PublishDevice(deviceID string, event any) {
	subscribers := h.devices.get(deviceDest(deviceID))
	if len(subscribers) == 0 {
		return
	}
	data, err := json.Marshal(frame{Destination: UserQueueNotifications, Payload: event})
	if err != nil {
		h.logger.Error().Err(err).Str("device_id", deviceID).Msg("Failed to serialize event")
		return
	}
	for _, c := range subscribers {
		c.enqueue(data)
	}
}

// Subscribers reports how many connections follow a topic.
func (h *Hub) Subscribers(destination string) int {
	return h.topics.count(destination)
}

// Connections reports the number of open push channels.
func (h *Hub) Connections() int64 {
	return atomic.LoadInt64(&h.connCount)
}

// readPump consumes frames until the connection dies. The read deadline
// is refreshed on every frame, control frames included, so a listen-only
// client stays alive by answering the write pump's pings.
func (h *Hub) readPump(c *client) {
	defer h.disconnect(c)

	ctrl := wsutil.ControlFrameHandler(c.conn, ws.StateServerSide)
	rd := &wsutil.Reader{
		Source:         c.conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: ctrl,
	}

	for {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		hdr, err := rd.NextFrame()
		if err != nil {
			return
		}
		if hdr.OpCode.IsControl() {
			if err := ctrl(hdr, rd); err != nil {
				return
			}
			continue
		}

		msg, err := io.ReadAll(rd)
		if err != nil {
			return
		}
		if hdr.OpCode != ws.OpText {
			continue
		}
		if !c.limiter.Allow() {
			// Drop the command but keep the connection; subscribe
			// storms are a client bug, not a protocol violation.
			h.logger.Warn().Int64("client_id", c.id).Msg("Client rate limited")
			continue
		}
		h.handleCommand(c, msg)
	}
}

func (h *Hub) handleCommand(c *client, msg []byte) {
	var cmd command
	if err := json.Unmarshal(msg, &cmd); err != nil {
		h.logger.Debug().Int64("client_id", c.id).Msg("Malformed command ignored")
		return
	}

	switch cmd.Type {
	case "subscribe":
		if len(cmd.Destination) <= len(topicPrefix) || cmd.Destination[:len(topicPrefix)] != topicPrefix {
			h.logger.Debug().
				Int64("client_id", c.id).
				Str("destination", cmd.Destination).
				Msg("Subscribe to unknown destination ignored")
			return
		}
		h.topics.add(cmd.Destination, c)
		c.trackTopic(cmd.Destination)
	case "unsubscribe":
		h.topics.remove(cmd.Destination, c)
		c.untrackTopic(cmd.Destination)
	}
}

// writePump drains the outbox, batching whatever is already queued into
// one buffered write to cut syscalls, and pings on an interval.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				wsutil.WriteServerMessage(c.conn, ws.OpClose, nil)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, data); err != nil {
				return
			}
			// Flush the backlog while we hold the writer.
			n := len(c.send)
			for i := 0; i < n; i++ {
				data = <-c.send
				if err := wsutil.WriteServerMessage(c.conn, ws.OpText, data); err != nil {
					return
				}
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) disconnect(c *client) {
	if _, loaded := h.clients.LoadAndDelete(c); !loaded {
		return
	}
	h.topics.removeAll(c.trackedTopics(), c)
	h.devices.remove(deviceDest(c.deviceID), c)
	c.close()
	<-h.sem
	count := atomic.AddInt64(&h.connCount, -1)
	monitoring.HubConnections.Set(float64(count))

	h.logger.Info().
		Int64("client_id", c.id).
		Str("device_id", c.deviceID).
		Dur("connected_for", time.Since(c.connectedAt)).
		Msg("Push channel disconnected")
}

// Shutdown rejects new upgrades and closes every open connection.
func (h *Hub) Shutdown() {
	atomic.StoreInt32(&h.shuttingDown, 1)
	h.clients.Range(func(key, _ any) bool {
		if c, ok := key.(*client); ok {
			c.close()
		}
		return true
	})
}
