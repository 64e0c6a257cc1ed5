package dispatcher

import (
	"fmt"

	"stalker-proxy/work/types"
)

// plan is the retry plan of one session: the channel currently being tried, the MACs
// already burned on it, and every channel visited along the fallback chain.
type plan struct {
	channel  types.Channel
	excluded []string
	visited  map[types.ChannelRef]bool
	acquired bool // a MAC slot was obtained at least once
	hops     int
}

func newPlan(ch types.Channel) *plan {
	return &plan{
		channel: ch,
		visited: map[types.ChannelRef]bool{ch.Ref(): true},
	}
}

// exclude keeps mac out of further candidate enumeration for the current channel.
func (p *plan) exclude(mac string) {
	p.excluded = append(p.excluded, mac)
}

// fallback returns the next channel of the chain. ok is false when the current channel
// has none; ErrFallbackCycle is returned when the chain revisits a channel.
func (p *plan) fallback() (types.ChannelRef, bool, error) {
	ref, ok := p.channel.FallbackRef()
	if !ok {
		return types.ChannelRef{}, false, nil
	}
	if p.visited[ref] {
		return ref, true, fmt.Errorf("%w: %s -> %s", ErrFallbackCycle, p.channel.Ref(), ref)
	}
	return ref, true, nil
}

// switchTo makes ch the current channel with a fresh candidate list.
func (p *plan) switchTo(ch types.Channel) {
	p.visited[ch.Ref()] = true
	p.channel = ch
	p.excluded = nil
	p.hops++
}

// terminal classifies an exhausted plan.
func (p *plan) terminal() error {
	if !p.acquired {
		return ErrNoCapacity
	}
	return ErrUnavailable
}
