package hub

import (
	"net"
	"sync"
	"time"

	"github.com/adred-codev/vanish/internal/monitoring"
	"golang.org/x/time/rate"
)

// outboxDepth is the per-connection send buffer. Sized for bursts of
// delivery ACKs and new-message notifications, not for media payloads;
// events are small and a disconnected client reconciles through the
// incremental fetch anyway.
const outboxDepth = 256

// client is one push channel connection. Each connection owns an
// independent bounded outbox so a slow consumer never blocks fan-out
// to the others.
type client struct {
	id          int64
	deviceID    string
	conn        net.Conn
	send        chan []byte
	closeOnce   sync.Once
	connectedAt time.Time

	// Inbound rate limit: 100 burst, 10/sec sustained. Subscribe
	// traffic is tiny; anything past this is a misbehaving client.
	limiter *rate.Limiter

	// Topics this connection subscribed to, guarded by mu. Used to
	// unwind the index on disconnect.
	mu     sync.Mutex
	topics map[string]struct{}
}

func newClient(id int64, deviceID string, conn net.Conn) *client {
	return &client{
		id:          id,
		deviceID:    deviceID,
		conn:        conn,
		send:        make(chan []byte, outboxDepth),
		connectedAt: time.Now(),
		limiter:     rate.NewLimiter(rate.Limit(10), 100),
		topics:      make(map[string]struct{}),
	}
}

// enqueue places data on the outbox without ever blocking. On a full
// outbox the oldest event is dropped to make room: the client is
// behind, and the freshest events are the ones worth keeping. Dropped
// clients reconcile via listMessagesSince on reconnect.
func (c *client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		monitoring.HubEventsSent.Inc()
		return true
	default:
	}

	select {
	case <-c.send:
		monitoring.HubEventsDropped.Inc()
	default:
	}

	select {
	case c.send <- data:
		monitoring.HubEventsSent.Inc()
		return true
	default:
		monitoring.HubEventsDropped.Inc()
		return false
	}
}

func (c *client) trackTopic(dest string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics[dest] = struct{}{}
}

func (c *client) untrackTopic(dest string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.topics, dest)
}

func (c *client) trackedTopics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
}
