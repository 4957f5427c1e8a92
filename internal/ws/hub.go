package ws

import (
	"sync"
	"sync/atomic"
)

const (
	broadcastBuffer = 64
	outboxSize      = 32
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans ingest summaries out to subscribers grouped by stream key. A
// stream key is a service name, or "*" for every service.
//
// Each subscriber is fed by its own goroutine through a bounded outbox, so
// the dispatch loop never waits on a client write. A subscriber whose outbox
// is full is evicted and closed. Subscriber.Close must be safe to call more
// than once and concurrently with Send.
type Hub struct {
	mu        sync.RWMutex
	streams   map[string]map[Subscriber]chan []byte
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
	evicted   atomic.Uint64
}

type message struct {
	key     string
	payload []byte
}

type subscription struct {
	key    string
	client Subscriber
}

// NewHub creates an initialized Hub and starts its dispatch loop.
func NewHub() *Hub {
	h := &Hub{
		streams:   make(map[string]map[Subscriber]chan []byte),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, broadcastBuffer),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for key, clients := range h.streams {
				for c := range clients {
					h.drop(key, c, true)
				}
			}
			h.mu.Unlock()
			return
		case sub := <-h.register:
			h.mu.Lock()
			if _, ok := h.streams[sub.key]; !ok {
				h.streams[sub.key] = make(map[Subscriber]chan []byte)
			}
			if _, ok := h.streams[sub.key][sub.client]; !ok {
				outbox := make(chan []byte, outboxSize)
				h.streams[sub.key][sub.client] = outbox
				go h.pump(sub.key, sub.client, outbox)
			}
			h.mu.Unlock()
		case sub := <-h.unreg:
			h.mu.Lock()
			h.drop(sub.key, sub.client, false)
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c, outbox := range h.streams[msg.key] {
				select {
				case outbox <- msg.payload:
				default:
					h.evicted.Add(1)
					h.drop(msg.key, c, true)
				}
			}
			h.mu.Unlock()
		}
	}
}

// pump delivers queued payloads to one subscriber until its outbox closes
// or a write fails.
func (h *Hub) pump(key string, client Subscriber, outbox <-chan []byte) {
	for payload := range outbox {
		if err := client.Send(payload); err != nil {
			client.Close()
			h.Unregister(key, client)
			for range outbox {
			}
			return
		}
	}
}

// drop must be called with mu held.
func (h *Hub) drop(key string, client Subscriber, closeClient bool) {
	clients, ok := h.streams[key]
	if !ok {
		return
	}
	outbox, ok := clients[client]
	if !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.streams, key)
	}
	close(outbox)
	if closeClient {
		// Close may wait on a write stuck in the pump
		go client.Close()
	}
}

// Register adds a client to a stream.
func (h *Hub) Register(key string, client Subscriber) {
	select {
	case h.register <- subscription{key: key, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client. The caller owns closing it.
func (h *Hub) Unregister(key string, client Subscriber) {
	select {
	case h.unreg <- subscription{key: key, client: client}:
	case <-h.done:
	}
}

// Broadcast queues payload for every subscriber of key. It never blocks:
// when the dispatch queue is full the payload is dropped and counted.
func (h *Hub) Broadcast(key string, payload []byte) {
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.broadcast <- message{key: key, payload: payload}:
	default:
		h.dropped.Add(1)
	}
}

// Subscribers reports how many clients follow key.
func (h *Hub) Subscribers(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams[key])
}

// Dropped reports payloads discarded because the dispatch queue was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Evicted reports subscribers removed for falling behind.
func (h *Hub) Evicted() uint64 { return h.evicted.Load() }

// Close stops the dispatch loop and closes every subscriber.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
