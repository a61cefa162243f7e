// Package servicepoint implements the connection multiplexer a node runs on
// top of RTP: one well-known listen port that mints fresh connections for
// inbound requests, a pool of connection-local ports, and the periodic
// cleanup/teardown sweep. Grounded on the original service_point.py — no
// teacher analog exists for a port-multiplexed listener of this shape.
package servicepoint

import (
	"sync"
	"time"

	"github.com/overlaymesh/meshnet/errs"
	"github.com/overlaymesh/meshnet/logx"
	"github.com/overlaymesh/meshnet/rtp"
)

// portPoolLow and portPoolHigh bound the connection-local port range a
// ServicePoint mints from (spec §4.5 / original service_point.py's
// random.randint(20, 500)). Allocation here scans ascending instead of
// retrying random draws, which is deterministic and just as cheap given the
// pool is only ever a few hundred entries.
const (
	portPoolLow  = 20
	portPoolHigh = 500
)

// ConnInfo is a read-only snapshot of one managed connection, for CLI
// display (the "connections <service_id>" command).
type ConnInfo struct {
	Port   uint32
	PeerID uint32
	Stage  rtp.Stage
}

// ServicePoint owns a set of RTP connections and the single well-known port
// new connection requests arrive on.
type ServicePoint struct {
	selfID    uint32
	serviceID uint32

	maxConnections int
	maxSegment     int
	timeout        time.Duration
	handshakeMax   int

	sender       rtp.Sender
	fileProvider rtp.FileProvider
	log          logx.Logger

	mu          sync.Mutex
	connections map[uint32]*rtp.Connection
}

// New builds a ServicePoint listening on serviceID. sender is the DNP
// collaborator every minted rtp.Connection sends through; fileProvider (may
// be nil) answers inbound FILE-REQUESTs for every connection this point
// manages.
func New(selfID, serviceID uint32, maxConnections, maxSegment int, timeout time.Duration, handshakeMax int, sender rtp.Sender, fileProvider rtp.FileProvider, log logx.Logger) *ServicePoint {
	if log == nil {
		log = logx.Nop{}
	}
	return &ServicePoint{
		selfID:         selfID,
		serviceID:      serviceID,
		maxConnections: maxConnections,
		maxSegment:     maxSegment,
		timeout:        timeout,
		handshakeMax:   handshakeMax,
		sender:         sender,
		fileProvider:   fileProvider,
		log:            log,
		connections:    make(map[uint32]*rtp.Connection),
	}
}

// ServiceID returns the well-known port this point listens new requests on.
func (sp *ServicePoint) ServiceID() uint32 { return sp.serviceID }

func (sp *ServicePoint) allocPortLocked() (uint32, bool) {
	for p := uint32(portPoolLow); p <= portPoolHigh; p++ {
		if _, used := sp.connections[p]; !used {
			return p, true
		}
	}
	return 0, false
}

// Serve dispatches one inbound datagram already addressed to this node: a
// request on the listen port mints a new connection, anything else is
// handed to the connection already registered at destPort.
func (sp *ServicePoint) Serve(sourceID, sourcePort, destPort uint32, body []byte) {
	if destPort == sp.serviceID {
		sp.acceptConnection(sourceID, sourcePort, body)
		return
	}

	sp.mu.Lock()
	conn, ok := sp.connections[destPort]
	sp.mu.Unlock()
	if !ok {
		sp.log.Debug("servicepoint: no connection at port %d", destPort)
		return
	}
	conn.Serve(sourcePort, body)
}

func (sp *ServicePoint) acceptConnection(sourceID, sourcePort uint32, body []byte) {
	sp.mu.Lock()
	if len(sp.connections) >= sp.maxConnections {
		sp.mu.Unlock()
		sp.log.Warn("servicepoint: rejecting connection from %d, max connections reached", sourceID)
		return
	}
	port, ok := sp.allocPortLocked()
	if !ok {
		sp.mu.Unlock()
		sp.log.Warn("servicepoint: rejecting connection from %d, port pool exhausted", sourceID)
		return
	}
	conn := rtp.NewResponder(sp.selfID, port, sourceID, sourcePort, 1, sp.maxSegment, sp.timeout, sp.handshakeMax, sp.sender, sp.log)
	conn.FileProvider = sp.fileProvider
	sp.connections[port] = conn
	sp.mu.Unlock()

	// Re-deliver the REQUEST body to the connection itself so it parses the
	// real requested window and sends its first ACCEPT (the constructor's
	// own ACCEPT only exists so a connection is never silent before it has
	// seen a single packet).
	conn.Serve(sourcePort, body)
}

// Connect starts an outbound connection to (targetID, targetListenPort),
// minting a fresh connection-local port and sending the first REQUEST.
func (sp *ServicePoint) Connect(targetID, targetListenPort uint32, window int) (uint32, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if len(sp.connections) >= sp.maxConnections {
		return 0, errs.ErrMaxConnections
	}
	port, ok := sp.allocPortLocked()
	if !ok {
		return 0, errs.ErrMaxConnections
	}
	conn := rtp.NewInitiator(sp.selfID, port, targetID, targetListenPort, window, sp.maxSegment, sp.timeout, sp.handshakeMax, sp.sender, sp.log)
	conn.FileProvider = sp.fileProvider
	sp.connections[port] = conn
	return port, nil
}

// Get returns the connection registered at port, if any.
func (sp *ServicePoint) Get(port uint32) (*rtp.Connection, bool) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	c, ok := sp.connections[port]
	return c, ok
}

// Download asks the connection at port to fetch name from its peer.
func (sp *ServicePoint) Download(port uint32, name string) error {
	conn, ok := sp.Get(port)
	if !ok {
		return errs.ErrInvalidArgument
	}
	conn.AskFile(name)
	return nil
}

// Cleanup ticks every managed connection and removes any that report
// themselves broken.
func (sp *ServicePoint) Cleanup() {
	sp.mu.Lock()
	ports := make([]uint32, 0, len(sp.connections))
	for p := range sp.connections {
		ports = append(ports, p)
	}
	sp.mu.Unlock()

	for _, p := range ports {
		sp.mu.Lock()
		conn, ok := sp.connections[p]
		sp.mu.Unlock()
		if !ok {
			continue
		}
		if err := conn.Cleanup(); err != nil {
			sp.log.Warn("servicepoint: connection broken: %d peer %d: %v", p, conn.PeerID(), err)
			sp.mu.Lock()
			delete(sp.connections, p)
			sp.mu.Unlock()
		}
	}
}

// Connections snapshots every currently managed connection for display.
func (sp *ServicePoint) Connections() []ConnInfo {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	out := make([]ConnInfo, 0, len(sp.connections))
	for port, conn := range sp.connections {
		out = append(out, ConnInfo{Port: port, PeerID: conn.PeerID(), Stage: conn.Stage()})
	}
	return out
}

// Count reports how many connections are currently open, for the CLI's
// "services" summary.
func (sp *ServicePoint) Count() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return len(sp.connections)
}
