package network

import (
	"context"
	"errors"
	"sync"
)

// MemoryPubSub is a process-local transport used for development and testing.
type MemoryPubSub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]chan Message
	nodes  map[string]*MemoryNode
}

func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{
		subs:  make(map[string]map[int]chan Message),
		nodes: make(map[string]*MemoryNode),
	}
}

func (m *MemoryPubSub) Publish(topic string, payload []byte) error {
	return m.publishFrom("", topic, payload)
}

func (m *MemoryPubSub) publishFrom(from, topic string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs[topic] {
		msg := Message{Topic: topic, Payload: append([]byte(nil), payload...), From: from}
		select {
		case ch <- msg:
		default:
			// Non-blocking send to avoid one slow subscriber stalling all publishers.
		}
	}
	return nil
}

func (m *MemoryPubSub) Subscribe(topic string) (<-chan Message, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[topic]; !ok {
		m.subs[topic] = make(map[int]chan Message)
	}
	id := m.nextID
	m.nextID++
	ch := make(chan Message, 64)
	m.subs[topic][id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if subsByTopic, ok := m.subs[topic]; ok {
			if sub, exists := subsByTopic[id]; exists {
				delete(subsByTopic, id)
				close(sub)
			}
			if len(subsByTopic) == 0 {
				delete(m.subs, topic)
			}
		}
	}
	return ch, cancel, nil
}

// Subscribers returns the number of live subscriptions on topic.
func (m *MemoryPubSub) Subscribers(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[topic])
}

// Node attaches a named peer to the in-memory network.
func (m *MemoryPubSub) Node(id string) *MemoryNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[id]; ok {
		return n
	}
	n := &MemoryNode{
		net:     m,
		id:      id,
		events:  make(chan Event, 64),
		routing: make(map[string][]string),
	}
	m.nodes[id] = n
	return n
}

func (m *MemoryPubSub) hasNode(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.nodes[id]
	return ok
}

// MemoryNode is a Substrate backed by a MemoryPubSub. Like gossipsub, it does
// not deliver a node's own messages back to it.
type MemoryNode struct {
	net *MemoryPubSub
	id  string

	mu      sync.Mutex
	events  chan Event
	closed  bool
	routing map[string][]string
	cancels []func()
}

var _ Substrate = (*MemoryNode)(nil)

func (n *MemoryNode) PeerID() string {
	return n.id
}

func (n *MemoryNode) Publish(topic string, payload []byte) error {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return errors.New("memory node closed")
	}
	return n.net.publishFrom(n.id, topic, payload)
}

func (n *MemoryNode) Subscribe(topic string) (<-chan Message, func(), error) {
	in, cancel, err := n.net.Subscribe(topic)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan Message, 64)
	go func() {
		defer close(out)
		for msg := range in {
			if msg.From == n.id {
				continue
			}
			select {
			case out <- msg:
			default:
			}
		}
	}()
	n.mu.Lock()
	n.cancels = append(n.cancels, cancel)
	n.mu.Unlock()
	return out, cancel, nil
}

func (n *MemoryNode) Events() <-chan Event {
	return n.events
}

// Emit injects a substrate event, as a real transport would on connection changes.
func (n *MemoryNode) Emit(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.events <- ev:
	default:
	}
}

// Bootstrap succeeds when addr names another node on the same network.
func (n *MemoryNode) Bootstrap(ctx context.Context, addr string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, id, err := splitP2PAddr(addr)
	if err != nil {
		return err
	}
	if id == n.id || !n.net.hasNode(id) {
		return errors.New("no bootstrap peer at " + addr)
	}
	if err := n.AddRoutingPeer(id, []string{addr}); err != nil {
		return err
	}
	n.Emit(Event{Kind: EventBootstrapped, Peer: id})
	return nil
}

func (n *MemoryNode) AddRoutingPeer(id string, addrs []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routing[id] = append(n.routing[id], addrs...)
	return nil
}

// RoutingPeers returns the addresses recorded through AddRoutingPeer.
func (n *MemoryNode) RoutingPeers() map[string][]string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string][]string, len(n.routing))
	for id, addrs := range n.routing {
		out[id] = append([]string(nil), addrs...)
	}
	return out
}

func (n *MemoryNode) ListenAddrs() []string {
	return []string{"/memory/p2p/" + n.id}
}

func (n *MemoryNode) ConnectedPeers() []string {
	n.net.mu.RLock()
	defer n.net.mu.RUnlock()
	out := make([]string, 0, len(n.net.nodes))
	for id := range n.net.nodes {
		if id != n.id {
			out = append(out, id)
		}
	}
	return out
}

func (n *MemoryNode) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	cancels := n.cancels
	n.cancels = nil
	close(n.events)
	n.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return nil
}
