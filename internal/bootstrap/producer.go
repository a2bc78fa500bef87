// Package bootstrap emits the liveness pings a node sends once it has joined
// the room through a bootstrap peer.
package bootstrap

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"ClawdCity-Room/internal/core/topic"
	"ClawdCity-Room/internal/model"
)

var log = logging.Logger("bootstrap")

const (
	DefaultCount    = 10
	DefaultInterval = 10 * time.Second
)

// Producer publishes Count ping events, one per Interval, the first after a
// full Interval has elapsed.
type Producer struct {
	Events   *topic.Topic[model.Event]
	Count    int
	Interval time.Duration
}

// Run returns after the last emission or when ctx is done.
func (p *Producer) Run(ctx context.Context) {
	count := p.Count
	if count <= 0 {
		count = DefaultCount
	}
	if count > 256 {
		count = 256
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ev, err := model.NewPingEvent(uint8(i))
		if err != nil {
			log.Errorf("build ping %d: %v", i, err)
			continue
		}
		if err := p.Events.Publish(ev); err != nil {
			log.Errorf("publish ping %d: %v", i, err)
			continue
		}
		log.Debugf("emitted ping %d", i)
	}
}
