// Package sse serves Server-Sent Events through a route handler.
package sse

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/searchktools/nimble/core/apperr"
)

// Event represents a Server-Sent Event
type Event struct {
	ID    string
	Event string
	Data  string
	Retry int // milliseconds
}

// Format renders the event in the text/event-stream wire format. Multi-line
// data is split into one data field per line.
func (e *Event) Format() []byte {
	var b strings.Builder
	if e.ID != "" {
		b.WriteString("id: " + e.ID + "\n")
	}
	if e.Event != "" {
		b.WriteString("event: " + e.Event + "\n")
	}
	if e.Retry > 0 {
		b.WriteString("retry: " + strconv.Itoa(e.Retry) + "\n")
	}
	for _, line := range strings.Split(e.Data, "\n") {
		b.WriteString("data: " + line + "\n")
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

// Client is one subscribed connection.
type Client struct {
	ID     string
	events chan *Event
	once   sync.Once
	closed chan struct{}
}

func newClient(id string, buffer int) *Client {
	return &Client{ID: id, events: make(chan *Event, buffer), closed: make(chan struct{})}
}

// send enqueues without blocking; a full buffer drops the event.
func (c *Client) send(ev *Event) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.once.Do(func() { close(c.closed) })
}

// BrokerStats counts broker activity.
type BrokerStats struct {
	Clients   int    `json:"clients"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

// Broker fans published events out to subscribed clients.
type Broker struct {
	mu         sync.RWMutex
	clients    map[string]*Client
	maxClients int
	buffer     int
	closed     bool
	done       chan struct{}

	nextID    atomic.Uint64
	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewBroker creates a broker accepting at most maxClients subscribers, each
// with an event buffer of buffer entries.
func NewBroker(maxClients, buffer int) *Broker {
	if maxClients <= 0 {
		maxClients = 10000
	}
	if buffer <= 0 {
		buffer = 100
	}
	return &Broker{
		clients:    make(map[string]*Client),
		maxClients: maxClients,
		buffer:     buffer,
		done:       make(chan struct{}),
	}
}

// Subscribe registers a client under id.
func (b *Broker) Subscribe(id string) (*Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, apperr.WithStatus(503, "event stream closed")
	}
	if len(b.clients) >= b.maxClients {
		return nil, apperr.WithStatus(503, "max clients reached ("+strconv.Itoa(b.maxClients)+")")
	}
	if _, dup := b.clients[id]; dup {
		return nil, apperr.BadRequest("duplicate client id " + id)
	}
	c := newClient(id, b.buffer)
	b.clients[id] = c
	return c, nil
}

// Unsubscribe removes c.
func (b *Broker) Unsubscribe(c *Client) {
	b.mu.Lock()
	if b.clients[c.ID] == c {
		delete(b.clients, c.ID)
	}
	b.mu.Unlock()
	c.close()
}

// Publish sends an event to every client. An empty ID is filled with a
// sequence number.
func (b *Broker) Publish(ev *Event) {
	if ev.ID == "" {
		ev.ID = strconv.FormatUint(b.nextID.Add(1), 10)
	}
	b.published.Add(1)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.clients {
		if !c.send(ev) {
			b.dropped.Add(1)
		}
	}
}

// PublishTo sends an event to one client. It reports whether the client
// exists and had room for the event.
func (b *Broker) PublishTo(id string, ev *Event) bool {
	b.mu.RLock()
	c, ok := b.clients[id]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	b.published.Add(1)
	if !c.send(ev) {
		b.dropped.Add(1)
		return false
	}
	return true
}

// ClientCount returns the number of subscribers.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Stats returns the broker counters.
func (b *Broker) Stats() BrokerStats {
	return BrokerStats{
		Clients:   b.ClientCount(),
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Close ends every stream and rejects new subscribers.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	for id, c := range b.clients {
		c.close()
		delete(b.clients, id)
	}
}
