// Package bus implements the process-wide message fabric: a named-peer
// registry, typed request/response delivery, topic fan-out, and heartbeat
// tracking. The bus is the sole point of cross-arbiter communication.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"arbiterd/internal/logging"
	"arbiterd/internal/types"
)

const topicQueueSize = 64

// Handler receives messages addressed to a peer. Implementations serialize
// their own dispatch; the bus calls concurrently across peers but never
// reorders per-publisher topic traffic.
type Handler interface {
	HandleMessage(ctx context.Context, msg types.Message) (interface{}, error)
}

// PeerMeta describes a registered peer's advertised identity.
type PeerMeta struct {
	Role         types.Role
	Capabilities []types.Capability
}

type peer struct {
	name    string
	handler Handler
	meta    PeerMeta

	mu       sync.Mutex
	lastSeen time.Time
	health   types.Health

	topicCh chan types.Message
	done    chan struct{}
}

// Bus is the delivery fabric. Safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	peers  map[string]*peer
	topics map[string]map[string]bool // topic -> peer name set

	closed bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		peers:  make(map[string]*peer),
		topics: make(map[string]map[string]bool),
	}
}

// Register adds a named peer. Duplicate names are rejected.
func (b *Bus) Register(name string, h Handler, meta PeerMeta) error {
	if name == "" || name == types.Broadcast || name == types.SystemSender {
		return types.NewKindError(types.KindPeerUnknown, "bus.Register").
			WithContext("reason", "reserved or empty name").
			WithContext("name", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return types.NewKindError(types.KindPeerUnknown, "bus.Register").WithContext("reason", "bus closed")
	}
	if _, dup := b.peers[name]; dup {
		return types.NewKindError(types.KindPeerUnknown, "bus.Register").
			WithContext("reason", "duplicate name").
			WithContext("name", name)
	}

	p := &peer{
		name:     name,
		handler:  h,
		meta:     meta,
		lastSeen: time.Now(),
		topicCh:  make(chan types.Message, topicQueueSize),
		done:     make(chan struct{}),
	}
	b.peers[name] = p
	go p.drainTopics()

	logging.Bus("registered peer %s (role=%s, caps=%d)", name, meta.Role, len(meta.Capabilities))
	return nil
}

// Unregister removes a peer and its subscriptions.
func (b *Bus) Unregister(name string) {
	b.mu.Lock()
	p, ok := b.peers[name]
	if ok {
		delete(b.peers, name)
		for _, subs := range b.topics {
			delete(subs, name)
		}
	}
	b.mu.Unlock()
	if ok {
		close(p.done)
		logging.Bus("unregistered peer %s", name)
	}
}

// Peers returns the registered peer names in registration-independent order.
func (b *Bus) Peers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.peers))
	for name := range b.peers {
		names = append(names, name)
	}
	return names
}

// Meta returns the advertised metadata for a peer.
func (b *Bus) Meta(name string) (PeerMeta, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.peers[name]
	if !ok {
		return PeerMeta{}, false
	}
	return p.meta, true
}

// Send delivers msg to its destination and returns the handler result.
// Unknown destinations yield PEER_UNKNOWN. Broadcast fans out without
// awaiting any handler.
func (b *Bus) Send(ctx context.Context, msg types.Message) (interface{}, error) {
	b.stamp(&msg)

	if !b.validSender(msg.From) {
		return nil, types.NewKindError(types.KindPeerUnknown, "bus.Send").
			WithContext("reason", "unregistered sender").
			WithContext("from", msg.From)
	}

	if msg.To == types.Broadcast {
		b.broadcast(ctx, msg)
		return nil, nil
	}

	b.mu.RLock()
	p, ok := b.peers[msg.To]
	b.mu.RUnlock()
	if !ok {
		logging.Get(logging.CategoryBus).Warn("send to unknown peer %s (type=%s)", msg.To, msg.Type)
		return nil, types.NewKindError(types.KindPeerUnknown, "bus.Send").WithContext("to", msg.To)
	}

	logging.BusDebug("send %s -> %s type=%s id=%s", msg.From, msg.To, msg.Type, msg.ID)
	return p.handler.HandleMessage(ctx, msg)
}

// broadcast delivers to every peer except the sender, dropping errors.
func (b *Bus) broadcast(ctx context.Context, msg types.Message) {
	b.mu.RLock()
	targets := make([]*peer, 0, len(b.peers))
	for name, p := range b.peers {
		if name != msg.From {
			targets = append(targets, p)
		}
	}
	b.mu.RUnlock()

	for _, p := range targets {
		go func(p *peer) {
			if _, err := p.handler.HandleMessage(ctx, msg); err != nil {
				logging.BusDebug("broadcast to %s failed: %v", p.name, err)
			}
		}(p)
	}
}

// Request sends a correlated request and waits for the handler result up to
// timeout. Expiry yields TIMEOUT.
func (b *Bus) Request(ctx context.Context, from, to, msgType string, payload interface{}, timeout time.Duration) (interface{}, error) {
	msg := types.Message{
		From:          from,
		To:            to,
		Type:          msgType,
		Payload:       payload,
		CorrelationID: uuid.NewString(),
	}

	type result struct {
		val interface{}
		err error
	}
	resCh := make(chan result, 1)

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	go func() {
		val, err := b.Send(reqCtx, msg)
		resCh <- result{val, err}
	}()

	select {
	case r := <-resCh:
		return r.val, r.err
	case <-reqCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.NewKindError(types.KindTimeout, "bus.Request").
			WithContext("to", to).
			WithContext("type", msgType).
			WithContext("timeoutMs", timeout.Milliseconds())
	}
}

// Subscribe adds a peer to a topic. The peer must be registered.
func (b *Bus) Subscribe(name, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.peers[name]; !ok {
		return types.NewKindError(types.KindPeerUnknown, "bus.Subscribe").WithContext("name", name)
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[string]bool)
		b.topics[topic] = subs
	}
	subs[name] = true
	logging.BusDebug("peer %s subscribed to topic %s", name, topic)
	return nil
}

// Publish fans payload out to every topic subscriber. Best effort: a
// subscriber whose queue is full loses the message; publishers never block.
// Per-publisher FIFO per topic holds because enqueue happens in call order
// under the read lock.
func (b *Bus) Publish(from, topic string, payload interface{}) {
	msg := types.Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        topic,
		Type:      "topic:" + topic,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for name := range b.topics[topic] {
		p, ok := b.peers[name]
		if !ok {
			continue
		}
		select {
		case p.topicCh <- msg:
		default:
			logging.Get(logging.CategoryBus).Warn("topic %s: queue full for %s, message dropped", topic, name)
		}
	}
}

// Heartbeat stamps last-seen for a registered peer. Unknown peers are
// rejected.
func (b *Bus) Heartbeat(name string, health types.Health) error {
	b.mu.RLock()
	p, ok := b.peers[name]
	b.mu.RUnlock()
	if !ok {
		return types.NewKindError(types.KindPeerUnknown, "bus.Heartbeat").WithContext("name", name)
	}
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.health = health
	p.mu.Unlock()
	return nil
}

// LastSeen returns the most recent heartbeat time for a peer.
func (b *Bus) LastSeen(name string) (time.Time, bool) {
	b.mu.RLock()
	p, ok := b.peers[name]
	b.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen, true
}

// Close unregisters every peer and rejects further registration.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	peers := make([]*peer, 0, len(b.peers))
	for _, p := range b.peers {
		peers = append(peers, p)
	}
	b.peers = make(map[string]*peer)
	b.topics = make(map[string]map[string]bool)
	b.mu.Unlock()

	for _, p := range peers {
		close(p.done)
	}
}

// stamp fills in envelope defaults.
func (b *Bus) stamp(msg *types.Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
}

func (b *Bus) validSender(from string) bool {
	if from == types.SystemSender {
		return true
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.peers[from]
	return ok
}

// drainTopics delivers queued topic messages to the peer handler, one at a
// time, preserving enqueue order.
func (p *peer) drainTopics() {
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.topicCh:
			if _, err := p.handler.HandleMessage(context.Background(), msg); err != nil {
				logging.BusDebug("topic delivery to %s failed: %v", p.name, err)
			}
		}
	}
}
