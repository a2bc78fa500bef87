package network

import "context"

// DHTProtocol is the Kademlia protocol id peers advertise through identify.
const DHTProtocol = "/ipfs/kad/1.0.0"

// Message is one gossip message as delivered by the substrate.
type Message struct {
	Topic   string
	Payload []byte
	From    string
}

// PubSub is a minimal interface for broadcast-style communication.
type PubSub interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string) (<-chan Message, func(), error)
}

type EventKind int

const (
	EventListenAddr EventKind = iota + 1
	EventConnected
	EventDisconnected
	EventPeerIdentified
	EventBootstrapped
	EventPeersDiscovered
)

func (k EventKind) String() string {
	switch k {
	case EventListenAddr:
		return "listen_addr"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventPeerIdentified:
		return "peer_identified"
	case EventBootstrapped:
		return "bootstrapped"
	case EventPeersDiscovered:
		return "peers_discovered"
	default:
		return "unknown"
	}
}

// Event is a connection or topology change reported by the substrate.
type Event struct {
	Kind      EventKind
	Peer      string
	Addrs     []string
	Protocols []string
	Peers     []string
	Err       error
}

// SupportsDHT reports whether an identified peer speaks the DHT protocol.
func (e Event) SupportsDHT() bool {
	for _, p := range e.Protocols {
		if p == DHTProtocol {
			return true
		}
	}
	return false
}

// Substrate is the networking capability the bridge consumes.
type Substrate interface {
	PubSub
	PeerID() string
	Events() <-chan Event
	Bootstrap(ctx context.Context, addr string) error
	AddRoutingPeer(id string, addrs []string) error
	Close() error
}
