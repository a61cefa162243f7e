// Package node implements the per-node event loop (spec §4.6): it owns the
// channel, the DNP/ROUTE/RTP stack, and the service table, dispatches
// inbound datagrams by destination port, runs the periodic cleanup tick,
// and drains the outbound send list. Grounded on the original node.py,
// restructured around a port->handler dispatch table the way the teacher's
// server/registry.go maps a method name to a handler.
package node

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/overlaymesh/meshnet/channel"
	"github.com/overlaymesh/meshnet/config"
	"github.com/overlaymesh/meshnet/dnp"
	"github.com/overlaymesh/meshnet/errs"
	"github.com/overlaymesh/meshnet/link"
	"github.com/overlaymesh/meshnet/logx"
	"github.com/overlaymesh/meshnet/message"
	"github.com/overlaymesh/meshnet/route"
	"github.com/overlaymesh/meshnet/rtp"
	"github.com/overlaymesh/meshnet/servicepoint"
)

// LinkInfo is the static, immutable-for-life neighbor record spec §3
// describes. Built once at node construction from the topology file and
// never destroyed; only Down is ever mutated, by the CLI's downLink/upLink
// verbs, and that flag is consulted only by the send-list drain below, not
// by routing liveness (which tracks its own activeLinks from heartbeats).
type LinkInfo struct {
	Neighbor uint32
	Addr     channel.Addr
	MTU      int
	Down     bool
}

// Garbler is the optional collaborator behind setGarble; nil when the
// node's channel isn't wrapped in one (e.g. a bare udpchan in production
// with no simulated loss).
type Garbler interface {
	SetParameters(loss, corruption int) error
}

// FileDir answers where a ServicePoint's FileProvider should look for, and
// a completed download should be written to. Grounded on DESIGN.md's Open
// Question #4: file I/O lives outside package rtp, wired in here instead.
type FileDir interface {
	Read(name string) ([]byte, bool)
	Write(name string, content []byte) error
}

// Node is the single value every component in this node is threaded
// through by reference (spec §9 "model them as fields of a single Node
// value"); there is no package-level mutable state anywhere in meshnet.
type Node struct {
	ID uint32

	ch      channel.Channel
	garbler Garbler
	tun     config.Tunables
	log     logx.Logger
	files   FileDir

	dnp     *dnp.DNP
	route   *route.Route
	message *message.Service

	mu        sync.Mutex
	links     map[uint32]*LinkInfo
	service   *servicepoint.ServicePoint
	persisted map[uint32]bool

	sendList []dnp.Outbound

	lastCleanup time.Time
	stopped     bool
}

// New builds a fully wired Node: DNP, ROUTE, and the message service are
// constructed and cross-linked (the two-phase SetRouter/SetSender
// construction spec §9 calls for), but no ServicePoint exists until the
// CLI's startService or connectTo first needs one.
func New(selfID uint32, links map[uint32]*LinkInfo, tun config.Tunables, ch channel.Channel, garbler Garbler, files FileDir, log logx.Logger, printer message.Printer) *Node {
	if log == nil {
		log = logx.Nop{}
	}
	neighbors := make([]uint32, 0, len(links))
	for n := range links {
		neighbors = append(neighbors, n)
	}

	n := &Node{
		ID:        selfID,
		ch:        ch,
		garbler:   garbler,
		tun:       tun,
		log:       log,
		files:     files,
		links:     links,
		persisted: make(map[uint32]bool),
	}

	n.dnp = dnp.New(selfID, n, tun.BufferTimeout, link.DefaultTTL, log)
	n.route = route.New(selfID, neighbors, tun.HeartbeatInterval, tun.StabilizeInterval, tun.ReplaceInterval, tun.PingMax, log)
	n.dnp.SetRouter(n.route)
	n.route.SetSender(sendAdapter{n})
	n.message = message.New(sendAdapter{n}, link.DefaultTTL, printer, log)

	return n
}

// Neighbor satisfies dnp.LinkTable.
func (n *Node) Neighbor(id uint32) (any, int, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	li, ok := n.links[id]
	if !ok {
		return nil, 0, false
	}
	return li.Addr, li.MTU, true
}

func (n *Node) linkLocked(id uint32) (*LinkInfo, bool) {
	li, ok := n.links[id]
	return li, ok
}

// enqueue appends fragments produced by any Send call to the outbound
// send list, exactly as spec §5 describes ("send_list is owned by
// NodeLoop and mutated by any service that calls DNP.send").
func (n *Node) enqueue(out []dnp.Outbound) {
	n.mu.Lock()
	n.sendList = append(n.sendList, out...)
	n.mu.Unlock()
}

// dnpSend wraps dnp.DNP.Send so it also drives the shared send list,
// satisfying both message.Sender, route.Sender, and rtp.Sender with the one
// concrete method.
func (n *Node) dnpSend(msg []byte, destID, destPort, sourcePort uint32, ttl uint8, linkOnly bool) ([]dnp.Outbound, error) {
	out, err := n.dnp.Send(msg, destID, destPort, sourcePort, ttl, linkOnly)
	if err != nil {
		return nil, err
	}
	n.enqueue(out)
	return out, nil
}

// sendAdapter lets *Node itself be passed wherever dnp.Sender-shaped
// interfaces (message.Sender, route.Sender, rtp.Sender) are needed, without
// exposing *dnp.DNP directly to those packages.
type sendAdapter struct{ n *Node }

func (s sendAdapter) Send(msg []byte, destID, destPort, sourcePort uint32, ttl uint8, linkOnly bool) ([]dnp.Outbound, error) {
	return s.n.dnpSend(msg, destID, destPort, sourcePort, ttl, linkOnly)
}

// Run blocks until stop is called (or the channel is closed), polling the
// channel for one datagram per iteration (spec §5's "socket poll is the
// only blocking primitive") and running cleanup once per CleanupTimeout.
func (n *Node) Run(input <-chan string, output chan<- string) {
	n.lastCleanup = time.Now()
	for {
		n.mu.Lock()
		stopped := n.stopped
		n.mu.Unlock()
		if stopped {
			return
		}

		payload, _, ok, err := n.ch.Recv(n.tun.SelectTimeout)
		if err != nil {
			n.log.Error("node: channel recv error: %v", err)
		} else if ok {
			n.handleDatagram(payload)
		}

		select {
		case line, more := <-input:
			if !more {
				return
			}
			reply, quit := n.Dispatch(line)
			if output != nil {
				output <- reply
			}
			if quit {
				return
			}
		default:
		}

		if time.Since(n.lastCleanup) >= n.tun.CleanupTimeout {
			n.cleanup()
			n.lastCleanup = time.Now()
		}

		n.drainSendList()
	}
}

// Stop ends a running Run loop at its next iteration boundary.
func (n *Node) Stop() {
	n.mu.Lock()
	n.stopped = true
	n.mu.Unlock()
}

// handleDatagram implements the reverse half of spec §2's data flow:
// Channel -> LINK.unpack -> DNP.unpack -> dispatch by port.
func (n *Node) handleDatagram(datagram []byte) {
	ttl, body, err := link.Unpack(datagram)
	if err != nil {
		n.log.Debug("node: dropping datagram: %v", err)
		return
	}
	outcome := n.dnp.Unpack(body, ttl)
	switch outcome.Kind {
	case dnp.Dropped:
		return
	case dnp.Forward:
		if outcome.Forwarded != nil {
			n.enqueue([]dnp.Outbound{*outcome.Forwarded})
		}
	case dnp.Buffering:
		return
	case dnp.Deliver:
		n.dispatch(outcome)
	}
}

func (n *Node) dispatch(o dnp.Outcome) {
	switch o.DestPort {
	case route.ServicePort:
		n.route.Serve(o.SourceID, o.Body)
	case message.ServicePort:
		n.message.Serve(o.SourceID, o.Body)
	default:
		n.mu.Lock()
		sp := n.service
		n.mu.Unlock()
		if sp == nil {
			n.log.Debug("node: no service registered for port %d", o.DestPort)
			return
		}
		sp.Serve(o.SourceID, o.SourcePort, o.DestPort, o.Body)
	}
}

// cleanup runs DNP, ROUTE, and the service point's periodic ticks, per
// spec §4.6's "once per cleanup_timeout invoke cleanup on every service and
// on DNP".
func (n *Node) cleanup() {
	n.dnp.Cleanup()
	n.route.Cleanup()
	n.mu.Lock()
	sp := n.service
	n.mu.Unlock()
	if sp != nil {
		sp.Cleanup()
		n.PollDownloads()
	}
}

// drainSendList filters entries addressed to administratively down links
// or exceeding the neighbor MTU, then hands the remainder to the channel
// (spec §4.6).
func (n *Node) drainSendList() {
	n.mu.Lock()
	pending := n.sendList
	n.sendList = nil
	n.mu.Unlock()

	for _, out := range pending {
		n.mu.Lock()
		li, ok := n.linkLocked(out.Neighbor)
		n.mu.Unlock()
		if !ok || li.Down {
			n.log.Debug("node: dropping send to down/unknown neighbor %d", out.Neighbor)
			continue
		}
		if len(out.Datagram) > li.MTU {
			n.log.Debug("node: dropping oversized datagram to neighbor %d (%d > %d)", out.Neighbor, len(out.Datagram), li.MTU)
			continue
		}
		addr, _ := out.Addr.(channel.Addr)
		if addr == nil {
			n.log.Debug("node: send entry to neighbor %d has no resolvable address", out.Neighbor)
			continue
		}
		if err := n.ch.Send(out.Datagram, addr); err != nil {
			n.log.Warn("node: channel send to neighbor %d failed: %v", out.Neighbor, err)
		}
	}
}

// ensureService lazily creates the node's single ServicePoint, per
// DESIGN.md's resolution of the startService/connectTo ordering ambiguity:
// connectTo may run before any explicit startService, in which case a
// generously-sized default service is created on its behalf.
func (n *Node) ensureService(maxConnections int) *servicepoint.ServicePoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.service == nil {
		n.service = servicepoint.New(n.ID, rtp.DefaultListenPort, maxConnections, n.tun.DefaultMaxSegment, n.tun.RTPTimeout, n.tun.HandshakeMax, sendAdapter{n}, n.fileProvider, n.log)
	}
	return n.service
}

func (n *Node) fileProvider(name string) ([]byte, bool) {
	if n.files == nil {
		return nil, false
	}
	return n.files.Read(name)
}

// StartService starts (or is a no-op if already running) the node's
// listening RTP service with the given connection cap.
func (n *Node) StartService(maxConnections int) uint32 {
	sp := n.ensureService(maxConnections)
	return sp.ServiceID()
}

// ConnectTo dials an outbound RTP connection to (targetID, targetListenPort)
// proposing window, lazily starting the local service if needed.
func (n *Node) ConnectTo(targetID, targetListenPort uint32, window int) (uint32, error) {
	sp := n.ensureService(defaultAutoMaxConnections)
	return sp.Connect(targetID, targetListenPort, window)
}

// defaultAutoMaxConnections bounds a service auto-started by ConnectTo
// before any explicit startService call.
const defaultAutoMaxConnections = 16

// Download asks the connection at localPort to fetch name from its peer,
// writing the result via FileDir once the transfer completes (see
// PollDownloads).
func (n *Node) Download(localPort uint32, name string) error {
	n.mu.Lock()
	sp := n.service
	n.mu.Unlock()
	if sp == nil {
		return fmt.Errorf("%w: no service running", errs.ErrInvalidArgument)
	}
	return sp.Download(localPort, name)
}

// PollDownloads checks every connection for a newly completed receive and
// persists it via FileDir, returning the ports it flushed. NodeLoop callers
// (or tests) invoke this once per tick alongside cleanup.
func (n *Node) PollDownloads() []uint32 {
	n.mu.Lock()
	sp := n.service
	n.mu.Unlock()
	if sp == nil || n.files == nil {
		return nil
	}
	var flushed []uint32
	for _, ci := range sp.Connections() {
		n.mu.Lock()
		already := n.persisted[ci.Port]
		n.mu.Unlock()
		if already {
			continue
		}
		conn, ok := sp.Get(ci.Port)
		if !ok {
			continue
		}
		body, done := conn.Received()
		if !done {
			continue
		}
		name := conn.FileName()
		if name == "" {
			name = fmt.Sprintf("recv-%s", uuid.NewString())
		}
		if err := n.files.Write(name, body); err != nil {
			n.log.Warn("node: could not persist download on port %d: %v", ci.Port, err)
			continue
		}
		n.mu.Lock()
		n.persisted[ci.Port] = true
		n.mu.Unlock()
		flushed = append(flushed, ci.Port)
	}
	return flushed
}

// Route exposes the routing layer for CLI display.
func (n *Node) Route() *route.Route { return n.route }

// Message exposes the message service for the CLI's "message" verb.
func (n *Node) Message() *message.Service { return n.message }

// Service exposes the current ServicePoint, if any, for CLI display.
func (n *Node) Service() (*servicepoint.ServicePoint, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.service, n.service != nil
}

// SetLinkDown / SetLinkUp implement the CLI's downLink/upLink verbs: they
// flip the administrative flag the send-list drain consults, and tell
// ROUTE to stop treating the neighbor as reachable.
func (n *Node) SetLinkDown(neighbor uint32) error {
	n.mu.Lock()
	li, ok := n.links[neighbor]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no link to %d", errs.ErrInvalidArgument, neighbor)
	}
	n.mu.Lock()
	li.Down = true
	n.mu.Unlock()
	n.route.SetLinkDown(neighbor)
	return nil
}

func (n *Node) SetLinkUp(neighbor uint32) error {
	n.mu.Lock()
	li, ok := n.links[neighbor]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no link to %d", errs.ErrInvalidArgument, neighbor)
	}
	n.mu.Lock()
	li.Down = false
	n.mu.Unlock()
	n.route.SetLinkUp(neighbor)
	return nil
}

// Links snapshots every LinkInfo for CLI display.
func (n *Node) Links() []LinkInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]LinkInfo, 0, len(n.links))
	for _, li := range n.links {
		out = append(out, *li)
	}
	return out
}

// SetGarble forwards to the channel's garbler, if any.
func (n *Node) SetGarble(loss, corruption int) error {
	if n.garbler == nil {
		return fmt.Errorf("%w: channel has no garbler configured", errs.ErrInvalidArgument)
	}
	return n.garbler.SetParameters(loss, corruption)
}
