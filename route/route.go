// Package route implements the distance-vector routing protocol with
// neighbor liveness detection: heartbeats, advertisements, a stable/unstable
// table pair, and a recently-killed quarantine against route flapping.
// Grounded line-by-line on the original route.py — no teacher analog exists
// (the retrieval pack's UDP transport has no routing layer of its own).
package route

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/overlaymesh/meshnet/dnp"
	"github.com/overlaymesh/meshnet/errs"
	"github.com/overlaymesh/meshnet/logx"
)

// ServicePort is the well-known DNP destination port routing traffic rides
// on (spec §3 PortId reservations).
const ServicePort = 2

// Sender is the narrow collaborator Route needs from DNP: enqueue a
// link-only, TTL=1 packet to a direct neighbor. It is exactly the shape of
// dnp.DNP.Send with the outbound fragments routed to whatever owns the
// node's send_list.
type Sender interface {
	Send(message []byte, destID, destPort, sourcePort uint32, ttl uint8, linkOnly bool) ([]dnp.Outbound, error)
}

type entry struct {
	nextHop uint32
	cost    int
}

// Route is one node's routing layer.
type Route struct {
	selfID uint32
	sender Sender
	log    logx.Logger

	heartbeatInterval time.Duration
	stabilizeInterval time.Duration
	replaceInterval   time.Duration
	pingMax           int

	mu sync.Mutex

	neighbors []uint32

	stable   map[uint32]entry
	unstable map[uint32]entry

	activeLinks map[uint32]bool
	pingCount   map[uint32]int
	lastAlive   map[uint32]time.Time

	recentlyKilled map[uint32]time.Time

	lastBeat   time.Time
	lastUpdate time.Time
}

// New builds a Route for selfID with the given direct neighbors (link-cost
// 1 by construction). pingMax is the number of unanswered heartbeats before
// a neighbor is declared inactive (spec §4.3, config.Tunables.PingMax).
// sender may be nil at construction and wired with SetSender once DNP
// exists, resolving the DNP<->ROUTE cycle.
func New(selfID uint32, neighbors []uint32, heartbeatInterval, stabilizeInterval, replaceInterval time.Duration, pingMax int, log logx.Logger) *Route {
	if log == nil {
		log = logx.Nop{}
	}
	r := &Route{
		selfID:            selfID,
		log:               log,
		heartbeatInterval: heartbeatInterval,
		stabilizeInterval: stabilizeInterval,
		replaceInterval:   replaceInterval,
		pingMax:           pingMax,
		neighbors:         append([]uint32(nil), neighbors...),
		unstable:          map[uint32]entry{selfID: {nextHop: selfID, cost: 0}},
		activeLinks:       make(map[uint32]bool),
		pingCount:         make(map[uint32]int),
		lastAlive:         make(map[uint32]time.Time),
		recentlyKilled:    make(map[uint32]time.Time),
	}
	for _, n := range neighbors {
		r.activeLinks[n] = false
		r.pingCount[n] = 0
	}
	r.stable = copyTable(r.unstable)
	return r
}

// SetSender wires the DNP collaborator after construction.
func (r *Route) SetSender(s Sender) { r.sender = s }

func copyTable(t map[uint32]entry) map[uint32]entry {
	out := make(map[uint32]entry, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// NextHop satisfies dnp.Router: resolves the neighbor a packet for target
// should be forwarded to via the stable table.
func (r *Route) NextHop(target uint32, linkOnly bool) (uint32, error) {
	if target == r.selfID {
		return r.selfID, nil
	}
	if linkOnly {
		return target, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.stable[target]
	if !ok {
		return 0, fmt.Errorf("%w: node %d", errs.ErrUnreachable, target)
	}
	return e.nextHop, nil
}

// Serve handles one inbound routing-service packet body, per spec §4.3.
func (r *Route) Serve(sourceID uint32, body []byte) {
	pktType, rest, ok := strings.Cut(string(body), ";")
	if !ok {
		r.log.Debug("route: malformed packet from %d", sourceID)
		return
	}

	switch pktType {
	case "1": // heartbeat
		r.log.Debug("route: heartbeat from %d", sourceID)
		r.sendTo(sourceID, "2;")
	case "2": // heartbeat-reply
		r.handleHeartbeatReply(sourceID)
	case "3": // advertisement
		r.handleAdvertisement(sourceID, rest)
	default:
		r.log.Debug("route: unknown packet type %q from %d", pktType, sourceID)
	}
}

func (r *Route) sendTo(neighbor uint32, message string) {
	if r.sender == nil {
		return
	}
	if _, err := r.sender.Send([]byte(message), neighbor, ServicePort, ServicePort, 1, true); err != nil {
		r.log.Debug("route: send to %d failed: %v", neighbor, err)
	}
}

func (r *Route) handleHeartbeatReply(neighbor uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.activeLinks[neighbor] {
		r.log.Warn("route: link alive: %d", neighbor)
		r.unstable[neighbor] = entry{nextHop: neighbor, cost: 1}
		r.lastUpdate = timeNow()
	}
	r.lastAlive[neighbor] = timeNow()
	r.activeLinks[neighbor] = true
	r.pingCount[neighbor] = 0
}

func (r *Route) handleAdvertisement(sourceID uint32, payload string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.activeLinks[sourceID] {
		return // phantom advertisement from an inactive neighbor
	}

	type pair struct {
		target uint32
		cost   int
	}
	var advertised []pair
	seen := make(map[uint32]bool)
	for _, item := range strings.Split(payload, ";") {
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, ",", 2)
		if len(parts) != 2 {
			continue
		}
		target, err1 := strconv.ParseUint(parts[0], 10, 32)
		cost, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil {
			continue
		}
		advertised = append(advertised, pair{target: uint32(target), cost: cost})
		seen[uint32(target)] = true
	}

	updated := false

	// Anything routed through source that source no longer claims to reach
	// is dead; quarantine it.
	for target, e := range r.unstable {
		if e.nextHop == sourceID && !seen[target] && target != r.selfID {
			delete(r.unstable, target)
			r.recentlyKilled[target] = timeNow()
			updated = true
		}
	}

	for _, p := range advertised {
		adCost := p.cost + 1
		if _, killed := r.recentlyKilled[p.target]; killed {
			continue
		}
		current, exists := r.unstable[p.target]
		switch {
		case !exists:
			r.unstable[p.target] = entry{nextHop: sourceID, cost: adCost}
			updated = true
		case adCost < current.cost:
			r.unstable[p.target] = entry{nextHop: sourceID, cost: adCost}
			updated = true
		case adCost == current.cost && sourceID < current.nextHop:
			r.unstable[p.target] = entry{nextHop: sourceID, cost: adCost}
			updated = true
		}
	}

	if updated {
		r.lastUpdate = timeNow()
	}
}

// Cleanup runs the periodic tick: heartbeats, dead-link detection,
// advertisement broadcast, recently-killed expiry, and table stabilization.
func (r *Route) Cleanup() {
	r.mu.Lock()
	now := timeNow()

	beat := now.Sub(r.lastBeat) > r.heartbeatInterval
	var adMessage string
	if beat {
		for _, n := range r.neighbors {
			r.pingCount[n]++
			if r.pingCount[n] > r.pingMax && r.activeLinks[n] {
				r.activeLinks[n] = false
				r.pingCount[n] = 0
				r.log.Warn("route: link dead: %d", n)
				for target, e := range r.unstable {
					if e.nextHop == n {
						delete(r.unstable, target)
					}
				}
				r.lastUpdate = now
			}
		}
		adMessage = r.advertisementStringLocked()
		r.lastBeat = now
	}

	for target, t := range r.recentlyKilled {
		if now.Sub(t) > r.replaceInterval {
			delete(r.recentlyKilled, target)
		}
	}

	if now.Sub(r.lastUpdate) > r.stabilizeInterval {
		r.stable = copyTable(r.unstable)
		r.log.Debug("route: table stabilized: %s", r.tableStringLocked())
	}
	neighbors := append([]uint32(nil), r.neighbors...)
	r.mu.Unlock()

	if !beat {
		return
	}
	for _, n := range neighbors {
		r.sendTo(n, "1;")
	}
	for _, n := range neighbors {
		r.sendTo(n, adMessage)
	}
}

func (r *Route) advertisementStringLocked() string {
	var b strings.Builder
	b.WriteString("3;")
	targets := make([]uint32, 0, len(r.unstable))
	for t := range r.unstable {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	for _, t := range targets {
		fmt.Fprintf(&b, "%d,%d;", t, r.unstable[t].cost)
	}
	return b.String()
}

func (r *Route) tableStringLocked() string {
	targets := make([]uint32, 0, len(r.stable))
	for t := range r.stable {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	parts := make([]string, 0, len(targets))
	for _, t := range targets {
		e := r.stable[t]
		parts = append(parts, fmt.Sprintf("Target--%d--NextHop--%d--Cost--%d", t, e.nextHop, e.cost))
	}
	return strings.Join(parts, " ")
}

// Entry is one stable-table row, exposed for CLI display and tests.
type Entry struct {
	NextHop uint32
	Cost    int
}

// Table returns a snapshot of the stable routing table for CLI display.
func (r *Route) Table() map[uint32]Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uint32]Entry, len(r.stable))
	for k, v := range r.stable {
		out[k] = Entry{NextHop: v.nextHop, Cost: v.cost}
	}
	return out
}

// TableString renders the stable table the way the CLI "routing" command
// prints it.
func (r *Route) TableString() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tableStringLocked()
}

// SetLinkDown / SetLinkUp implement the CLI's downLink/upLink commands by
// forcing a neighbor's active state without waiting on heartbeats.
func (r *Route) SetLinkDown(neighbor uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeLinks[neighbor] = false
	for target, e := range r.unstable {
		if e.nextHop == neighbor {
			delete(r.unstable, target)
		}
	}
	r.lastUpdate = timeNow()
}

func (r *Route) SetLinkUp(neighbor uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeLinks[neighbor] = true
	r.pingCount[neighbor] = 0
	r.unstable[neighbor] = entry{nextHop: neighbor, cost: 1}
	r.lastUpdate = timeNow()
}

// IsLinkActive reports whether neighbor currently passes liveness.
func (r *Route) IsLinkActive(neighbor uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLinks[neighbor]
}

var timeNow = time.Now
