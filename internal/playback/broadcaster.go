package playback

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MessageType distinguishes broadcast payloads
type MessageType string

const (
	MessageState MessageType = "state"
	MessageAlert MessageType = "alert"
)

// Message is what subscribers receive
type Message struct {
	Type      MessageType `json:"type"`
	State     *UIState    `json:"state,omitempty"`
	Alert     string      `json:"alert,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// JSON encodes the message for callers across a language boundary
func (m *Message) JSON() ([]byte, error) {
	return json.Marshal(m)
}

// Subscriber receives messages on C. A slow subscriber loses messages
// rather than stalling the player.
type Subscriber struct {
	ID string
	C  chan *Message

	closeOnce sync.Once
}

func newSubscriber(buffer int) *Subscriber {
	return &Subscriber{ID: uuid.NewString(), C: make(chan *Message, buffer)}
}

func (s *Subscriber) send(m *Message) bool {
	select {
	case s.C <- m:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.C) })
}

// Broadcaster fans state snapshots and alerts out to subscribers
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	broadcast   chan *Message
	done        chan struct{}
	wg          sync.WaitGroup
	started     atomic.Bool

	published atomic.Int64
	dropped   atomic.Int64
}

// NewBroadcaster creates a new broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]*Subscriber),
		broadcast:   make(chan *Message, 256),
		done:        make(chan struct{}),
	}
}

// Start starts the broadcaster
func (b *Broadcaster) Start() {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	b.wg.Add(1)
	go b.run()
}

// Stop closes every subscriber channel
func (b *Broadcaster) Stop() {
	if !b.started.CompareAndSwap(true, false) {
		return
	}
	close(b.done)
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscribers {
		sub.close()
		delete(b.subscribers, id)
	}
}

func (b *Broadcaster) run() {
	defer b.wg.Done()
	for {
		select {
		case m := <-b.broadcast:
			b.deliver(m)
		case <-b.done:
			return
		}
	}
}

func (b *Broadcaster) deliver(m *Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		if !sub.send(m) {
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a new subscriber
func (b *Broadcaster) Subscribe() *Subscriber {
	sub := newSubscriber(64)
	b.mu.Lock()
	b.subscribers[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub.ID]; ok {
		delete(b.subscribers, sub.ID)
		sub.close()
	}
}

func (b *Broadcaster) publish(m *Message) {
	m.Timestamp = time.Now()
	select {
	case b.broadcast <- m:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
	}
}

// PublishState queues a state snapshot for delivery
func (b *Broadcaster) PublishState(state UIState) {
	b.publish(&Message{Type: MessageState, State: &state})
}

// PublishAlert queues a user-visible alert
func (b *Broadcaster) PublishAlert(message string) {
	b.publish(&Message{Type: MessageAlert, Alert: message})
}

// Alert implements Alerter
func (b *Broadcaster) Alert(message string) {
	b.PublishAlert(message)
}

// Stats returns the number of published and dropped messages
func (b *Broadcaster) Stats() (published, dropped int64) {
	return b.published.Load(), b.dropped.Load()
}
