package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	lpnet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/routing"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	quic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	ma "github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("network")

const (
	// IdentifyProtocolVersion is announced to peers through identify.
	IdentifyProtocolVersion = "/ipfs/id/1.0.0"

	DefaultHeartbeatInterval = 10 * time.Second
	DefaultIdleTimeout       = time.Hour
)

// Libp2pOptions configures the libp2p transport.
type Libp2pOptions struct {
	ListenAddrs       []string
	Seed              string
	IdentityKeyFile   string
	Rendezvous        string
	EnableMDNS        bool
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	DiscoveryInterval time.Duration
}

// QUICListenAddr is the listen address for port on all IPv4 interfaces.
func QUICListenAddr(port int) string {
	return fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", port)
}

// Libp2pPubSub provides gossip-based pubsub over libp2p, with a Kademlia DHT
// for peer routing and AutoNAT for reachability.
type Libp2pPubSub struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	host   host.Host
	dht    *dht.IpfsDHT
	ps     *pubsub.PubSub
	mdns   mdns.Service
	events chan Event

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

var _ Substrate = (*Libp2pPubSub)(nil)

func NewLibp2pPubSub(parent context.Context, opts Libp2pOptions) (*Libp2pPubSub, error) {
	ctx, cancel := context.WithCancel(parent)

	listenAddrs := make([]ma.Multiaddr, 0, len(opts.ListenAddrs))
	for _, s := range opts.ListenAddrs {
		if s == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid listen multiaddr %q: %w", s, err)
		}
		listenAddrs = append(listenAddrs, a)
	}
	if len(listenAddrs) == 0 {
		a, _ := ma.NewMultiaddr(QUICListenAddr(0))
		listenAddrs = append(listenAddrs, a)
	}

	key, err := LoadIdentity(opts.Seed, opts.IdentityKeyFile)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("load identity key: %w", err)
	}

	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	cm, err := connmgr.NewConnManager(100, 400, connmgr.WithGracePeriod(idle))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create connection manager: %w", err)
	}

	var kad *dht.IpfsDHT
	h, err := libp2p.New(
		libp2p.Identity(key),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.Transport(quic.NewTransport),
		libp2p.ProtocolVersion(IdentifyProtocolVersion),
		libp2p.ConnectionManager(cm),
		libp2p.NATPortMap(),
		libp2p.EnableNATService(),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			kad, err = dht.New(ctx, h, dht.Mode(dht.ModeServer))
			return kad, err
		}),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create host: %w", err)
	}

	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	params := pubsub.DefaultGossipSubParams()
	params.HeartbeatInterval = heartbeat
	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithGossipSubParams(params),
		pubsub.WithMessageSignaturePolicy(pubsub.StrictSign),
		pubsub.WithMessageIdFn(MessageID),
	)
	if err != nil {
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	sub, err := h.EventBus().Subscribe([]interface{}{
		new(event.EvtLocalAddressesUpdated),
		new(event.EvtPeerConnectednessChanged),
		new(event.EvtPeerIdentificationCompleted),
	})
	if err != nil {
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("subscribe host events: %w", err)
	}

	p := &Libp2pPubSub{
		ctx:    ctx,
		cancel: cancel,
		host:   h,
		dht:    kad,
		ps:     ps,
		events: make(chan Event, 64),
		topics: make(map[string]*pubsub.Topic),
	}

	p.wg.Add(1)
	go p.forwardHostEvents(sub)

	if opts.EnableMDNS {
		p.mdns = mdns.NewMdnsService(h, opts.Rendezvous, &mdnsNotifee{ctx: ctx, host: h})
		if err := p.mdns.Start(); err != nil {
			log.Warnf("mdns start error: %v", err)
			p.mdns = nil
		}
	}

	if opts.DiscoveryInterval > 0 {
		p.wg.Add(1)
		go p.discoverLoop(opts.DiscoveryInterval)
	}

	return p, nil
}

func (p *Libp2pPubSub) Publish(topic string, payload []byte) error {
	t, err := p.getOrJoinTopic(topic)
	if err != nil {
		return err
	}
	return t.Publish(p.ctx, payload)
}

func (p *Libp2pPubSub) Subscribe(topic string) (<-chan Message, func(), error) {
	t, err := p.getOrJoinTopic(topic)
	if err != nil {
		return nil, nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, nil, err
	}

	out := make(chan Message, 64)
	subCtx, subCancel := context.WithCancel(p.ctx)
	go func() {
		defer close(out)
		for {
			msg, err := sub.Next(subCtx)
			if err != nil {
				return
			}
			if msg.ReceivedFrom == p.host.ID() {
				continue
			}
			select {
			case out <- Message{Topic: topic, Payload: append([]byte(nil), msg.Data...), From: msg.ReceivedFrom.String()}:
			default:
				log.Warnf("dropping gossip message on %s: subscriber is full", topic)
			}
		}
	}()

	cancel := func() {
		subCancel()
		sub.Cancel()
	}
	return out, cancel, nil
}

func (p *Libp2pPubSub) Events() <-chan Event {
	return p.events
}

// Bootstrap connects to the peer at addr (a multiaddr ending in /p2p/<id>)
// and bootstraps the DHT through it.
func (p *Libp2pPubSub) Bootstrap(ctx context.Context, addr string) error {
	info, err := bootstrapAddrInfo(addr)
	if err != nil {
		return err
	}
	if info.ID == p.host.ID() {
		return errors.New("bootstrap addr points at this node")
	}
	p.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)
	if err := p.host.Connect(ctx, info); err != nil {
		return fmt.Errorf("connect bootstrap peer %s: %w", info.ID, err)
	}
	if _, err := p.dht.RoutingTable().TryAddPeer(info.ID, true, false); err != nil {
		log.Debugf("routing table rejected bootstrap peer %s: %v", info.ID, err)
	}
	if err := p.dht.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap dht: %w", err)
	}
	p.emit(Event{Kind: EventBootstrapped, Peer: info.ID.String()})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.discover()
	}()
	return nil
}

// bootstrapAddrInfo parses a multiaddr ending in /p2p/<id>. The transport
// part may be empty when the peer's addresses are already known.
func bootstrapAddrInfo(addr string) (peer.AddrInfo, error) {
	id, err := ParsePeerID(addr)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("parse bootstrap addr: %w", err)
	}
	info := peer.AddrInfo{ID: id}
	transport, _, _ := splitP2PAddr(addr)
	if transport != "" {
		a, err := ma.NewMultiaddr(transport)
		if err != nil {
			return peer.AddrInfo{}, fmt.Errorf("parse bootstrap addr %q: %w", addr, err)
		}
		info.Addrs = append(info.Addrs, a)
	}
	return info, nil
}

// AddRoutingPeer records addrs for id in the peerstore and offers the peer
// to the DHT routing table.
func (p *Libp2pPubSub) AddRoutingPeer(id string, addrs []string) error {
	pid, err := peer.Decode(id)
	if err != nil {
		return fmt.Errorf("decode peer id %q: %w", id, err)
	}
	mas := make([]ma.Multiaddr, 0, len(addrs))
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			log.Debugf("skip routing addr %q for %s: %v", s, id, err)
			continue
		}
		mas = append(mas, a)
	}
	p.host.Peerstore().AddAddrs(pid, mas, peerstore.AddressTTL)
	if _, err := p.dht.RoutingTable().TryAddPeer(pid, true, false); err != nil {
		return fmt.Errorf("add %s to routing table: %w", id, err)
	}
	return nil
}

func (p *Libp2pPubSub) Close() error {
	p.cancel()
	p.wg.Wait()
	if p.mdns != nil {
		_ = p.mdns.Close()
	}
	p.mu.Lock()
	for _, t := range p.topics {
		_ = t.Close()
	}
	p.mu.Unlock()
	if err := p.dht.Close(); err != nil {
		log.Warnf("close dht: %v", err)
	}
	return p.host.Close()
}

func (p *Libp2pPubSub) PeerID() string {
	return p.host.ID().String()
}

func (p *Libp2pPubSub) ListenAddrs() []string {
	out := make([]string, 0, len(p.host.Addrs()))
	for _, addr := range p.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr.String(), p.host.ID().String()))
	}
	return out
}

func (p *Libp2pPubSub) ConnectedPeers() []string {
	peers := p.host.Network().Peers()
	out := make([]string, 0, len(peers))
	for _, pid := range peers {
		out = append(out, pid.String())
	}
	return out
}

func (p *Libp2pPubSub) getOrJoinTopic(name string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[name]; ok {
		return t, nil
	}
	t, err := p.ps.Join(name)
	if err != nil {
		return nil, err
	}
	p.topics[name] = t
	return t, nil
}

func (p *Libp2pPubSub) emit(ev Event) {
	select {
	case p.events <- ev:
	case <-p.ctx.Done():
	default:
		log.Debugf("dropping %s event: no reader", ev.Kind)
	}
}

func (p *Libp2pPubSub) forwardHostEvents(sub event.Subscription) {
	defer p.wg.Done()
	defer sub.Close()
	self := p.host.ID().String()
	for {
		select {
		case <-p.ctx.Done():
			return
		case e, ok := <-sub.Out():
			if !ok {
				return
			}
			switch evt := e.(type) {
			case event.EvtLocalAddressesUpdated:
				for _, u := range evt.Current {
					if u.Action != event.Added {
						continue
					}
					p.emit(Event{
						Kind:  EventListenAddr,
						Peer:  self,
						Addrs: []string{fmt.Sprintf("%s/p2p/%s", u.Address, self)},
					})
				}
			case event.EvtPeerConnectednessChanged:
				kind := EventDisconnected
				if evt.Connectedness == lpnet.Connected {
					kind = EventConnected
				}
				p.emit(Event{Kind: kind, Peer: evt.Peer.String()})
			case event.EvtPeerIdentificationCompleted:
				addrs := make([]string, 0, len(evt.ListenAddrs))
				for _, a := range evt.ListenAddrs {
					addrs = append(addrs, a.String())
				}
				protos := make([]string, 0, len(evt.Protocols))
				for _, id := range evt.Protocols {
					protos = append(protos, string(id))
				}
				p.emit(Event{Kind: EventPeerIdentified, Peer: evt.Peer.String(), Addrs: addrs, Protocols: protos})
			}
		}
	}
}

func (p *Libp2pPubSub) discoverLoop(interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.discover()
		}
	}
}

// discover asks the DHT for the peers closest to this node.
func (p *Libp2pPubSub) discover() {
	ctx, cancel := context.WithTimeout(p.ctx, 30*time.Second)
	defer cancel()
	peers, err := p.dht.GetClosestPeers(ctx, string(p.host.ID()))
	if err != nil {
		log.Debugf("closest peer lookup failed: %v", err)
		return
	}
	out := make([]string, 0, len(peers))
	for _, pid := range peers {
		out = append(out, pid.String())
	}
	p.emit(Event{Kind: EventPeersDiscovered, Peers: out})
}

type mdnsNotifee struct {
	ctx  context.Context
	host host.Host
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	if err := n.host.Connect(n.ctx, info); err != nil {
		log.Debugf("mdns connect failed %s: %v", info.ID, err)
	}
}
