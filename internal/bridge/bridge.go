// Package bridge relays envelopes between the local bus and the gossip
// channel shared by every node in the room.
//
// A single loop services three sources: substrate events, inbound gossip and
// the bus. Outbound, only envelopes tagged "event" leave the node and they are
// published byte-for-byte. Inbound, an "event" envelope is unwrapped and its
// inner value is republished locally under the inner tag. Unknown tags and
// malformed data are dropped.
package bridge

import (
	"context"
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/time/rate"

	"ClawdCity-Room/internal/core/bus"
	"ClawdCity-Room/internal/core/envelope"
	"ClawdCity-Room/internal/core/network"
	"ClawdCity-Room/internal/core/topic"
	"ClawdCity-Room/internal/metrics"
	"ClawdCity-Room/internal/model"
)

var log = logging.Logger("bridge")

// DefaultChannel is the gossip topic all room nodes join.
const DefaultChannel = "quic-the-room"

type Options struct {
	// Channel is the gossip topic name. Empty means DefaultChannel.
	Channel string
	// PublishRate caps outbound publishes per second. Zero or less is unlimited.
	PublishRate  float64
	PublishBurst int
	Metrics      *metrics.Bridge
}

type Bridge struct {
	sub     network.Substrate
	bus     *bus.Bus
	pings   *topic.Topic[model.Ping]
	channel string
	limiter *rate.Limiter
	metrics *metrics.Bridge
	ready   chan struct{}
}

func New(sub network.Substrate, b *bus.Bus, pings *topic.Topic[model.Ping], opts Options) *Bridge {
	channel := opts.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.PublishRate > 0 {
		burst := opts.PublishBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.PublishRate), burst)
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewBridge("")
	}
	return &Bridge{
		sub:     sub,
		bus:     b,
		pings:   pings,
		channel: channel,
		limiter: limiter,
		metrics: m,
		ready:   make(chan struct{}),
	}
}

func (b *Bridge) Channel() string {
	return b.channel
}

// Ready is closed once Run has attached to the bus and the gossip channel.
func (b *Bridge) Ready() <-chan struct{} {
	return b.ready
}

// Run drives the bridge until ctx is done, the bus is closed or the gossip
// subscription ends. It returns nil on a clean shutdown and must be called
// at most once.
func (b *Bridge) Run(ctx context.Context) error {
	outbound := b.bus.Subscribe()
	inbound, cancel, err := b.sub.Subscribe(b.channel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	defer cancel()
	events := b.sub.Events()
	close(b.ready)

	log.Infof("bridging bus to gossip channel %s as %s", b.channel, b.sub.PeerID())
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			b.handleEvent(ev)
		case msg, ok := <-inbound:
			if !ok {
				return errors.New("gossip subscription closed")
			}
			b.handleInbound(msg)
		case <-outbound.Ready():
			if err := b.handleOutbound(outbound); err != nil {
				log.Infof("bus closed, stopping bridge")
				return nil
			}
		}
	}
}

// handleOutbound takes at most one message off the receiver. It only returns
// an error once the bus is closed.
func (b *Bridge) handleOutbound(r *bus.Receiver) error {
	raw, err := r.TryRecv()
	var lagged *bus.LaggedError
	switch {
	case err == nil:
	case errors.As(err, &lagged):
		log.Warnf("bridge lagged behind the bus, missed %d messages", lagged.Missed)
		b.metrics.Lagged.Add(float64(lagged.Missed))
		return nil
	case errors.Is(err, bus.ErrEmpty):
		return nil
	default:
		return err
	}

	env, err := envelope.Decode(raw)
	if err != nil {
		log.Warnf("dropping undecodable bus message: %v", err)
		b.metrics.Dropped.WithLabelValues(metrics.ReasonMalformed).Inc()
		return nil
	}
	if env.Topic != model.EventTag {
		return nil
	}
	if !b.limiter.Allow() {
		log.Warnf("outbound publish rate exceeded, dropping %d byte event", len(raw))
		b.metrics.Dropped.WithLabelValues(metrics.ReasonRateLimited).Inc()
		return nil
	}
	if err := b.sub.Publish(b.channel, raw); err != nil {
		log.Errorf("publish to %s: %v", b.channel, err)
		b.metrics.PublishFailures.Inc()
		return nil
	}
	b.metrics.Outbound.Inc()
	return nil
}

func (b *Bridge) handleInbound(msg network.Message) {
	outer, err := envelope.Decode(msg.Payload)
	if err != nil {
		log.Debugf("malformed message from %s: %v", msg.From, err)
		b.metrics.Dropped.WithLabelValues(metrics.ReasonMalformed).Inc()
		return
	}

	switch outer.Topic {
	case model.EventTag:
		ev, err := model.UnmarshalEvent(outer.Payload)
		if err != nil {
			log.Debugf("malformed event from %s: %v", msg.From, err)
			b.metrics.Dropped.WithLabelValues(metrics.ReasonMalformed).Inc()
			return
		}
		b.handleRemoteEvent(msg.From, ev)
	default:
		log.Debugf("ignoring %q message from %s", outer.Topic, msg.From)
		b.metrics.Dropped.WithLabelValues(metrics.ReasonUnknownTag).Inc()
	}
}

func (b *Bridge) handleRemoteEvent(from string, ev model.Event) {
	switch ev.Topic {
	case model.PingTag:
		p, err := model.UnmarshalPing(ev.Data)
		if err != nil {
			log.Debugf("malformed ping from %s: %v", from, err)
			b.metrics.Dropped.WithLabelValues(metrics.ReasonMalformed).Inc()
			return
		}
		if err := b.pings.Publish(p); err != nil {
			log.Warnf("republish ping from %s: %v", from, err)
			b.metrics.Dropped.WithLabelValues(metrics.ReasonBusClosed).Inc()
			return
		}
		b.metrics.Inbound.WithLabelValues(model.PingTag).Inc()
	default:
		log.Debugf("ignoring event %q from %s", ev.Topic, from)
		b.metrics.Dropped.WithLabelValues(metrics.ReasonUnknownTag).Inc()
	}
}

func (b *Bridge) handleEvent(ev network.Event) {
	switch ev.Kind {
	case network.EventListenAddr:
		log.Infof("listening on %v", ev.Addrs)
	case network.EventConnected:
		log.Infof("connected to %s", ev.Peer)
	case network.EventDisconnected:
		log.Infof("disconnected from %s", ev.Peer)
	case network.EventPeerIdentified:
		log.Debugf("identified %s protocols=%v", ev.Peer, ev.Protocols)
		if !ev.SupportsDHT() {
			return
		}
		if err := b.sub.AddRoutingPeer(ev.Peer, ev.Addrs); err != nil {
			log.Warnf("add routing peer %s: %v", ev.Peer, err)
		}
	case network.EventBootstrapped:
		if ev.Err != nil {
			log.Warnf("bootstrap via %s failed: %v", ev.Peer, ev.Err)
			return
		}
		log.Infof("bootstrapped via %s", ev.Peer)
	case network.EventPeersDiscovered:
		log.Debugf("discovered %d peers", len(ev.Peers))
	default:
		log.Debugf("unhandled substrate event %s", ev.Kind)
	}
}
