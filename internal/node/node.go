// Package node wires a room node together: the local bus and its typed
// handles, the network substrate, the gossip bridge, the bootstrap producer
// and the optional status server.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"ClawdCity-Room/internal/bootstrap"
	"ClawdCity-Room/internal/bridge"
	"ClawdCity-Room/internal/config"
	"ClawdCity-Room/internal/core/bus"
	"ClawdCity-Room/internal/core/network"
	"ClawdCity-Room/internal/core/topic"
	"ClawdCity-Room/internal/metrics"
	"ClawdCity-Room/internal/model"
	"ClawdCity-Room/internal/statusapi"
)

var log = logging.Logger("room-node")

type peerLister interface {
	ListenAddrs() []string
	ConnectedPeers() []string
}

// Node represents a room node.
type Node struct {
	config   *config.Config
	bus      *bus.Bus
	registry *topic.Registry
	pings    *topic.Topic[model.Ping]
	events   *topic.Topic[model.Event]
	sub      network.Substrate
	bridge   *bridge.Bridge
	metrics  *metrics.Bridge
	prom     *prometheus.Registry

	api     *http.Server
	apiAddr net.Addr

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a node. When sub is nil a libp2p substrate is built from cfg.
func New(ctx context.Context, cfg *config.Config, sub network.Substrate) (*Node, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	nodeCtx, cancel := context.WithCancel(ctx)

	n := &Node{
		config:   cfg,
		bus:      bus.New(cfg.Bus.Capacity),
		registry: topic.NewRegistry(),
		sub:      sub,
		ctx:      nodeCtx,
		cancel:   cancel,
	}
	if err := n.init(); err != nil {
		cancel()
		return nil, err
	}
	return n, nil
}

func (n *Node) init() error {
	var err error
	if n.pings, err = topic.Bind(n.registry, n.bus, model.PingKind); err != nil {
		return err
	}
	if n.events, err = topic.Bind(n.registry, n.bus, model.EventKind); err != nil {
		return err
	}

	n.prom = prometheus.NewRegistry()
	n.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	n.metrics = metrics.NewBridge("room")
	if err := n.metrics.Register(n.prom); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	if n.sub == nil {
		nc := n.config.Network
		lp, err := network.NewLibp2pPubSub(n.ctx, network.Libp2pOptions{
			ListenAddrs:       []string{network.QUICListenAddr(nc.Port)},
			Seed:              nc.Seed,
			IdentityKeyFile:   nc.IdentityKeyFile,
			Rendezvous:        nc.Rendezvous,
			EnableMDNS:        nc.EnableMDNS,
			HeartbeatInterval: nc.HeartbeatInterval,
			IdleTimeout:       nc.IdleTimeout,
			DiscoveryInterval: nc.DiscoveryInterval,
		})
		if err != nil {
			return fmt.Errorf("failed to start libp2p: %w", err)
		}
		n.sub = lp
	}

	n.bridge = bridge.New(n.sub, n.bus, n.pings, bridge.Options{
		Channel:      n.config.Network.Channel,
		PublishRate:  n.config.Bridge.PublishRate,
		PublishBurst: n.config.Bridge.PublishBurst,
		Metrics:      n.metrics,
	})
	return nil
}

// Start launches the background tasks and, when a bootstrap address is
// configured, joins through it and starts the ping producer.
func (n *Node) Start() error {
	pingSub := n.pings.Subscribe()
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.logPings(pingSub)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.bridge.Run(n.ctx); err != nil {
			log.Errorf("bridge stopped: %v", err)
		}
	}()
	select {
	case <-n.bridge.Ready():
	case <-n.ctx.Done():
		return n.ctx.Err()
	}

	if addr := n.config.API.Listen; addr != "" {
		if err := n.startAPI(addr); err != nil {
			return err
		}
	}

	if addr := n.config.Network.Bootstrap; addr != "" {
		if err := n.sub.Bootstrap(n.ctx, addr); err != nil {
			log.Errorf("Failed to bootstrap via %s: %v", addr, err)
		} else {
			producer := &bootstrap.Producer{
				Events:   n.events,
				Count:    n.config.Producer.Count,
				Interval: n.config.Producer.Interval,
			}
			n.wg.Add(1)
			go func() {
				defer n.wg.Done()
				producer.Run(n.ctx)
			}()
		}
	}
	return nil
}

func (n *Node) logPings(sub *topic.Subscription[model.Ping]) {
	for {
		p, err := sub.Next(n.ctx)
		var lagged *bus.LaggedError
		switch {
		case err == nil:
			log.Infof("Event: %+v", p)
		case errors.As(err, &lagged):
			log.Warnf("ping logger missed %d messages", lagged.Missed)
		case errors.Is(err, bus.ErrClosed), n.ctx.Err() != nil:
			return
		default:
			log.Debugf("ping logger: %v", err)
		}
	}
}

func (n *Node) startAPI(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s := statusapi.NewServer(n, n.bus, n.registry, n.events, n.bridge.Channel(), n.prom)
	statusapi.AddStream(s, n.pings)
	statusapi.AddStream(s, n.events)
	mux := http.NewServeMux()
	s.Register(mux)

	n.api = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return n.ctx },
	}
	n.apiAddr = ln.Addr()
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		log.Infof("Status API available at http://%s/api/node", ln.Addr())
		if err := n.api.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("status api: %v", err)
		}
	}()
	return nil
}

// Stop shuts the node down and waits for its tasks.
func (n *Node) Stop() error {
	n.cancel()
	n.bus.Close()
	if n.api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := n.api.Shutdown(ctx); err != nil {
			log.Warnf("Error shutting down status api: %v", err)
		}
		cancel()
	}
	n.wg.Wait()

	if err := n.sub.Close(); err != nil {
		return fmt.Errorf("failed to close substrate: %w", err)
	}
	return nil
}

func (n *Node) PeerID() string {
	return n.sub.PeerID()
}

func (n *Node) ListenAddrs() []string {
	if pl, ok := n.sub.(peerLister); ok {
		return pl.ListenAddrs()
	}
	return nil
}

func (n *Node) ConnectedPeers() []string {
	if pl, ok := n.sub.(peerLister); ok {
		return pl.ConnectedPeers()
	}
	return nil
}

// APIAddr is the bound status server address, or nil when it is disabled.
func (n *Node) APIAddr() net.Addr {
	return n.apiAddr
}

func (n *Node) Pings() *topic.Topic[model.Ping] {
	return n.pings
}

func (n *Node) Events() *topic.Topic[model.Event] {
	return n.events
}

func (n *Node) Registry() *topic.Registry {
	return n.registry
}

func (n *Node) Metrics() *metrics.Bridge {
	return n.metrics
}
