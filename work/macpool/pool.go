// Package macpool tracks how many streams each portal MAC is serving and hands out
// capacity as leases.
package macpool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"stalker-proxy/work/logger"
	"stalker-proxy/work/types"
)

// ErrNoCapacity is returned when no configured MAC of a portal can take another stream.
var ErrNoCapacity = errors.New("no MAC with free capacity")

type macState struct {
	mac           string
	order         int
	active        int
	cooldownUntil time.Time
	demoted       bool
	lastUsed      time.Time
	removed       bool // dropped from config, kept until its leases drain
}

type portalPool struct {
	mu            sync.Mutex
	streamsPerMAC int
	macs          []*macState // configured order
	byMAC         map[string]*macState
	removed       bool
}

// Pool is the process-wide MAC capacity ledger.
type Pool struct {
	mu      sync.RWMutex
	portals map[string]*portalPool
	tryAll  bool
	now     func() time.Time
}

// Lease is one reserved stream slot on one MAC. Release is idempotent.
type Lease struct {
	PortalID string
	MAC      string

	pool     *Pool
	released atomic.Bool
}

// Release returns the slot. Calling it more than once has no further effect.
func (l *Lease) Release() {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}
	l.pool.Release(l.PortalID, l.MAC)
}

// Released reports whether the lease has been given back.
func (l *Lease) Released() bool {
	return l.released.Load()
}

// MACStatus is the observable state of one MAC.
type MACStatus struct {
	MAC          string    `json:"mac"`
	Active       int       `json:"active"`
	CoolingUntil time.Time `json:"coolingUntil,omitempty"`
	Demoted      bool      `json:"demoted"`
	LastUsed     time.Time `json:"lastUsed,omitempty"`
}

// PortalStatus is the observable state of one portal's MACs.
type PortalStatus struct {
	PortalID      string      `json:"portalId"`
	StreamsPerMAC int         `json:"streamsPerMac"`
	MACs          []MACStatus `json:"macs"`
}

// New creates an empty pool. Call Sync to load portals.
func New() *Pool {
	return &Pool{
		portals: make(map[string]*portalPool),
		tryAll:  true,
		now:     time.Now,
	}
}

// Sync brings the pool in line with the configured portals. Counters of MACs that
// survive are preserved; removed MACs stay tracked only until their leases drain.
func (p *Pool) Sync(portals []types.Portal, tryAllMACs bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.tryAll = tryAllMACs
	seen := make(map[string]bool, len(portals))

	for _, portal := range portals {
		seen[portal.ID] = true

		pp, ok := p.portals[portal.ID]
		if !ok {
			pp = &portalPool{byMAC: make(map[string]*macState)}
			p.portals[portal.ID] = pp
		}

		pp.mu.Lock()
		pp.removed = false
		pp.streamsPerMAC = portal.StreamsPerMAC
		if pp.streamsPerMAC < 0 {
			pp.streamsPerMAC = 1
		}

		configured := make(map[string]bool, len(portal.MACs))
		pp.macs = pp.macs[:0]
		for i, mac := range portal.MACList() {
			if configured[mac] {
				continue
			}
			configured[mac] = true

			st, ok := pp.byMAC[mac]
			if !ok {
				st = &macState{mac: mac}
				pp.byMAC[mac] = st
			}
			st.order = i
			st.removed = false
			pp.macs = append(pp.macs, st)
		}

		for mac, st := range pp.byMAC {
			if configured[mac] {
				continue
			}
			if st.active == 0 {
				delete(pp.byMAC, mac)
			} else {
				st.removed = true
			}
		}
		pp.mu.Unlock()
	}

	for id, pp := range p.portals {
		if seen[id] {
			continue
		}
		pp.mu.Lock()
		pp.removed = true
		pp.macs = nil
		busy := false
		for mac, st := range pp.byMAC {
			if st.active == 0 {
				delete(pp.byMAC, mac)
				continue
			}
			st.removed = true
			busy = true
		}
		pp.mu.Unlock()
		if !busy {
			delete(p.portals, id)
		}
	}

	logger.Debug("{macpool/pool - Sync} Synced %d portals (try all MACs: %t)", len(portals), tryAllMACs)
}

func (p *Pool) portal(portalID string) (*portalPool, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pp, ok := p.portals[portalID]
	return pp, ok
}

// candidates returns eligible MACs in selection order. Caller holds pp.mu.
func (p *Pool) candidates(pp *portalPool, exclude map[string]bool, tryAll bool) []*macState {
	now := p.now()

	considered := pp.macs
	if !tryAll && len(considered) > 1 {
		considered = considered[:1]
	}

	var out []*macState
	for _, st := range considered {
		if st.removed || exclude[st.mac] {
			continue
		}
		if now.Before(st.cooldownUntil) {
			continue
		}
		if pp.streamsPerMAC > 0 && st.active >= pp.streamsPerMAC {
			continue
		}
		out = append(out, st)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.active != b.active {
			return a.active < b.active
		}
		if a.demoted != b.demoted {
			return !a.demoted
		}
		if !a.lastUsed.Equal(b.lastUsed) {
			return a.lastUsed.Before(b.lastUsed)
		}
		return a.order < b.order
	})

	return out
}

// Acquire reserves a slot on the best eligible MAC of the portal, skipping any MAC
// in exclude. The reservation is made before Acquire returns.
func (p *Pool) Acquire(portalID string, exclude ...string) (*Lease, error) {
	pp, ok := p.portal(portalID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown portal %s", ErrNoCapacity, portalID)
	}

	p.mu.RLock()
	tryAll := p.tryAll
	p.mu.RUnlock()

	skip := make(map[string]bool, len(exclude))
	for _, mac := range exclude {
		skip[mac] = true
	}

	pp.mu.Lock()
	defer pp.mu.Unlock()

	if pp.removed {
		return nil, fmt.Errorf("%w: portal %s removed", ErrNoCapacity, portalID)
	}

	cands := p.candidates(pp, skip, tryAll)
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w: portal %s", ErrNoCapacity, portalID)
	}

	st := cands[0]
	st.active++
	st.lastUsed = p.now()

	logger.Debug("{macpool/pool - Acquire} Leased MAC %s on portal %s (%d active)", st.mac, portalID, st.active)
	return &Lease{PortalID: portalID, MAC: st.mac, pool: p}, nil
}

// Release gives back one slot of a MAC. Releases beyond the active count are ignored.
func (p *Pool) Release(portalID, mac string) {
	pp, ok := p.portal(portalID)
	if !ok {
		logger.Warn("{macpool/pool - Release} Release for unknown portal %s ignored", portalID)
		return
	}

	pp.mu.Lock()
	st, ok := pp.byMAC[mac]
	if !ok || st.active == 0 {
		pp.mu.Unlock()
		logger.Warn("{macpool/pool - Release} Duplicate release of MAC %s on portal %s ignored", mac, portalID)
		return
	}

	st.active--
	logger.Debug("{macpool/pool - Release} Released MAC %s on portal %s (%d active)", mac, portalID, st.active)

	if st.removed && st.active == 0 {
		delete(pp.byMAC, mac)
	}
	drained := pp.removed && len(pp.byMAC) == 0
	pp.mu.Unlock()

	if drained {
		p.mu.Lock()
		if cur, ok := p.portals[portalID]; ok && cur == pp {
			cur.mu.Lock()
			if cur.removed && len(cur.byMAC) == 0 {
				delete(p.portals, portalID)
			}
			cur.mu.Unlock()
		}
		p.mu.Unlock()
	}
}

// MarkFailed puts a MAC into cooldown and demotes it below healthy MACs until
// MarkHealthy is called.
func (p *Pool) MarkFailed(portalID, mac string, cooldown time.Duration) {
	pp, ok := p.portal(portalID)
	if !ok {
		return
	}

	pp.mu.Lock()
	defer pp.mu.Unlock()

	st, ok := pp.byMAC[mac]
	if !ok {
		return
	}
	st.cooldownUntil = p.now().Add(cooldown)
	st.demoted = true

	logger.Warn("{macpool/pool - MarkFailed} MAC %s on portal %s cooling down for %s", mac, portalID, cooldown)
}

// MarkHealthy clears cooldown and demotion of a MAC.
func (p *Pool) MarkHealthy(portalID, mac string) {
	pp, ok := p.portal(portalID)
	if !ok {
		return
	}

	pp.mu.Lock()
	defer pp.mu.Unlock()

	if st, ok := pp.byMAC[mac]; ok {
		st.cooldownUntil = time.Time{}
		st.demoted = false
	}
}

// ListCandidates returns the MACs Acquire would currently consider, best first.
func (p *Pool) ListCandidates(portalID string) []string {
	pp, ok := p.portal(portalID)
	if !ok {
		return nil
	}

	p.mu.RLock()
	tryAll := p.tryAll
	p.mu.RUnlock()

	pp.mu.Lock()
	defer pp.mu.Unlock()

	cands := p.candidates(pp, nil, tryAll)
	out := make([]string, len(cands))
	for i, st := range cands {
		out[i] = st.mac
	}
	return out
}

// Active returns the number of leased slots on a portal.
func (p *Pool) Active(portalID string) int {
	pp, ok := p.portal(portalID)
	if !ok {
		return 0
	}

	pp.mu.Lock()
	defer pp.mu.Unlock()

	total := 0
	for _, st := range pp.byMAC {
		total += st.active
	}
	return total
}

// Snapshot returns the state of every tracked portal, sorted by portal id.
func (p *Pool) Snapshot() []PortalStatus {
	p.mu.RLock()
	ids := make([]string, 0, len(p.portals))
	pools := make(map[string]*portalPool, len(p.portals))
	for id, pp := range p.portals {
		ids = append(ids, id)
		pools[id] = pp
	}
	p.mu.RUnlock()

	sort.Strings(ids)
	now := p.now()

	out := make([]PortalStatus, 0, len(ids))
	for _, id := range ids {
		pp := pools[id]
		pp.mu.Lock()
		status := PortalStatus{PortalID: id, StreamsPerMAC: pp.streamsPerMAC}
		for _, st := range pp.macs {
			ms := MACStatus{MAC: st.mac, Active: st.active, Demoted: st.demoted, LastUsed: st.lastUsed}
			if now.Before(st.cooldownUntil) {
				ms.CoolingUntil = st.cooldownUntil
			}
			status.MACs = append(status.MACs, ms)
		}
		pp.mu.Unlock()
		out = append(out, status)
	}
	return out
}
