package session

import (
	"sync/atomic"

	"github.com/rjboer/gochnlzr/internal/multicast"
	"github.com/rjboer/gochnlzr/internal/proto"
)

// Consumer is the downstream collaborator a live channel feeds.
type Consumer interface {
	OnSourceStateChange(sampleRate int64, centerFrequency float64)
	Consume(f proto.SampleFrame)
}

// ConsumerFactory builds the consumer for a channel. channelID is zero when
// the server never announced one.
type ConsumerFactory func(channelID uint64) Consumer

// Distributor is the out-of-band sample source a consumer can be attached to.
type Distributor interface {
	AddSink(s multicast.Sink)
	RemoveSink(s multicast.Sink)
}

// binding tracks whether a consumer exists. Only the session's Run goroutine
// reads or replaces it.
type binding interface {
	isBinding()
}

// unbound: no grant and no consumer yet.
type unbound struct{}

// reserved: the server granted a channel id; no state has arrived yet.
type reserved struct {
	channelID uint64
}

// bound: a consumer exists and has seen at least one channel state.
type bound struct {
	channelID uint64
	idKnown   bool
	consumer  Consumer
	sink      *channelSink // nil when no distributor is attached
}

func (unbound) isBinding()  {}
func (reserved) isBinding() {}
func (*bound) isBinding()   {}

// channelSink adapts a Consumer to the distributor, dropping frames for other
// channels and everything after detach.
type channelSink struct {
	channelID uint64
	filter    bool
	consumer  Consumer
	detached  atomic.Bool
}

func (s *channelSink) Consume(f proto.SampleFrame) {
	if s.detached.Load() {
		return
	}
	if s.filter && f.ChannelID != s.channelID {
		return
	}
	s.consumer.Consume(f)
}
