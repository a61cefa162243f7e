// Package rtp implements the reliable, connection-oriented transport:
// three-way handshake, sliding-window send, cumulative-style per-segment
// acknowledgment, teardown-by-timeout, and a file-transfer overlay riding
// the same wire types. Grounded on the original RTP.py state machine
// (stage numbers, counters, "type|seq|total|body" wire form), restructured
// around the teacher's tick-driven reliability shape
// (transport/udp/reliability.go's PendingMessage/window-send split) instead
// of goroutines, since the whole stack runs on one cooperative loop.
package rtp

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/overlaymesh/meshnet/dnp"
	"github.com/overlaymesh/meshnet/errs"
	"github.com/overlaymesh/meshnet/logx"
)

// Packet types on the RTP wire (spec §3).
const (
	TypeRequest      = 1
	TypeAccept       = 2
	TypeFinalize     = 3
	TypeContent      = 5
	TypeAK           = 6
	TypeFileRequest  = 10
	TypeFileResponse = 11
)

// DefaultListenPort is the well-known port a ServicePoint listens for new
// connection requests on, absent an explicit choice.
const DefaultListenPort = 10

// Stage is a connection's position in the handshake/active lifecycle.
// Numbered to match the original implementation's stage integers, which
// show up verbatim in its log lines.
type Stage int

const (
	Requesting Stage = 1
	Accepting  Stage = 2
	Finalizing Stage = 3
	Active     Stage = 4
)

func (s Stage) String() string {
	switch s {
	case Requesting:
		return "REQUESTING"
	case Accepting:
		return "ACCEPTING"
	case Finalizing:
		return "FINALIZING"
	case Active:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// Sender is the narrow collaborator a Connection needs from DNP: address a
// single message to (destID, destPort) from this connection's own port.
type Sender interface {
	Send(message []byte, destID, destPort, sourcePort uint32, ttl uint8, linkOnly bool) ([]dnp.Outbound, error)
}

func encodePacket(pktType, seq int, total int, body []byte) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%d|%d|%d|", pktType, seq, total)
	b.Write(body)
	return []byte(b.String())
}

func decodePacket(raw []byte) (pktType, seq, total int, body []byte, err error) {
	parts := strings.SplitN(string(raw), "|", 4)
	if len(parts) != 4 {
		return 0, 0, 0, nil, fmt.Errorf("%w: malformed rtp packet", errs.ErrCorrupt)
	}
	pktType, err1 := strconv.Atoi(parts[0])
	seq, err2 := strconv.Atoi(parts[1])
	total, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, nil, fmt.Errorf("%w: non-numeric rtp header field", errs.ErrCorrupt)
	}
	return pktType, seq, total, []byte(parts[3]), nil
}

// FileProvider answers a FILE-REQUEST: return the file's bytes and true if
// it exists on this node, or false if not. Kept outside the connection so
// RTP never touches a filesystem directly.
type FileProvider func(name string) ([]byte, bool)

// Connection is one RTP endpoint, bound to a single connection-local port.
type Connection struct {
	selfID    uint32
	myPort    uint32
	peerID    uint32
	peerPort  uint32
	initiator bool

	stage Stage

	window     int
	maxSegment int
	timeout    time.Duration
	handshakeMax int

	requestCounter  int
	acceptCounter   int
	finalizeCounter int

	startTime        time.Time
	lastFinalizeTime time.Time
	lastClean        time.Time
	lastContent      time.Time
	hasLastContent   bool
	lastAK           time.Time
	hasLastAK        bool

	seqCounter  uint32
	sendQueue   map[uint32][]byte // seq -> wire-encoded CONTENT packet
	pendingAcks []uint32

	recvChunks    map[uint32][]byte
	haveTotalSize bool
	totalSize     uint32

	requested bool
	fileName  string

	done   bool
	broken error

	sender Sender
	log    logx.Logger

	FileProvider FileProvider
}

// NewInitiator creates a connection that requests a link to (peerID,
// peerListenPort), sending the first REQUEST immediately.
func NewInitiator(selfID, myPort, peerID, peerListenPort uint32, window, maxSegment int, timeout time.Duration, handshakeMax int, sender Sender, log logx.Logger) *Connection {
	c := newConnection(selfID, myPort, peerID, peerListenPort, window, maxSegment, timeout, handshakeMax, sender, log)
	c.initiator = true
	c.stage = Requesting
	c.sendRequest()
	return c
}

// NewResponder creates a connection accepting an inbound request from
// (peerID, peerPort), sending the first ACCEPT immediately.
func NewResponder(selfID, myPort, peerID, peerPort uint32, window, maxSegment int, timeout time.Duration, handshakeMax int, sender Sender, log logx.Logger) *Connection {
	c := newConnection(selfID, myPort, peerID, peerPort, window, maxSegment, timeout, handshakeMax, sender, log)
	c.stage = Accepting
	c.sendAccept()
	return c
}

func newConnection(selfID, myPort, peerID, peerPort uint32, window, maxSegment int, timeout time.Duration, handshakeMax int, sender Sender, log logx.Logger) *Connection {
	if log == nil {
		log = logx.Nop{}
	}
	return &Connection{
		selfID:       selfID,
		myPort:       myPort,
		peerID:       peerID,
		peerPort:     peerPort,
		window:       window,
		maxSegment:   maxSegment,
		timeout:      timeout,
		handshakeMax: handshakeMax,
		startTime:    timeNow(),
		seqCounter:   1,
		sendQueue:    make(map[uint32][]byte),
		recvChunks:   make(map[uint32][]byte),
		sender:       sender,
		log:          log,
	}
}

func (c *Connection) Stage() Stage    { return c.stage }
func (c *Connection) MyPort() uint32  { return c.myPort }
func (c *Connection) PeerID() uint32  { return c.peerID }
func (c *Connection) FileName() string { return c.fileName }
func (c *Connection) Done() bool      { return c.done }
func (c *Connection) Broken() error   { return c.broken }

func (c *Connection) sendRaw(pktType, seq, total int, body []byte) {
	if c.sender == nil {
		return
	}
	packet := encodePacket(pktType, seq, total, body)
	if _, err := c.sender.Send(packet, c.peerID, c.peerPort, c.myPort, 0, false); err != nil {
		c.log.Debug("rtp: send to %d:%d failed: %v", c.peerID, c.peerPort, err)
	}
}

func (c *Connection) sendRequest() error {
	c.requestCounter++
	if c.requestCounter > c.handshakeMax {
		c.broken = fmt.Errorf("%w: request retries exhausted", errs.ErrHandshakeExhausted)
		return c.broken
	}
	c.log.Info("rtp: requesting connection with %d", c.peerID)
	c.sendRaw(TypeRequest, 0, 0, []byte(strconv.Itoa(c.window)))
	return nil
}

func (c *Connection) sendAccept() error {
	c.acceptCounter++
	if c.acceptCounter > c.handshakeMax {
		c.broken = fmt.Errorf("%w: accept retries exhausted", errs.ErrHandshakeExhausted)
		return c.broken
	}
	c.log.Info("rtp: accepting connection from %d on port %d", c.peerID, c.peerPort)
	c.sendRaw(TypeAccept, 0, 0, nil)
	return nil
}

func (c *Connection) sendFinalize() error {
	c.finalizeCounter++
	if c.finalizeCounter > c.handshakeMax {
		c.broken = fmt.Errorf("%w: finalize retries exhausted", errs.ErrHandshakeExhausted)
		return c.broken
	}
	c.log.Info("rtp: finalizing connection with %d", c.peerID)
	c.sendRaw(TypeFinalize, 0, 0, nil)
	return nil
}

// Serve feeds one inbound packet (already addressed to this connection's
// port) through the state machine.
func (c *Connection) Serve(sourcePort uint32, raw []byte) {
	pktType, seq, total, body, err := decodePacket(raw)
	if err != nil {
		c.log.Debug("rtp: dropping corrupt packet from %d: %v", c.peerID, err)
		return
	}

	switch pktType {
	case TypeRequest:
		window, err := strconv.Atoi(string(body))
		if err == nil {
			c.window = window
		}
		c.peerPort = sourcePort
		c.sendAccept()
		if c.stage < Accepting {
			c.stage = Accepting
		}

	case TypeAccept:
		c.peerPort = sourcePort
		c.lastFinalizeTime = timeNow()
		c.sendFinalize()
		if c.stage < Finalizing {
			c.stage = Finalizing
		}

	case TypeFinalize:
		if c.stage < Active {
			c.stage = Active
			c.log.Warn("rtp: established connection to %d", c.peerID)
		}

	case TypeContent:
		c.unpackContent(uint32(seq), uint32(total), body)

	case TypeAK:
		c.acked(uint32(seq))

	case TypeFileRequest:
		c.handleFileRequest(string(body))

	case TypeFileResponse:
		c.handleFileResponse(string(body))

	default:
		c.log.Error("rtp: unknown packet type %d from %d", pktType, c.peerID)
	}
}

func (c *Connection) unpackContent(seq, total uint32, body []byte) {
	c.lastContent = timeNow()
	c.hasLastContent = true

	if !c.haveTotalSize {
		c.totalSize = total
		c.haveTotalSize = true
	}
	if _, ok := c.recvChunks[seq]; !ok {
		cp := make([]byte, len(body))
		copy(cp, body)
		c.recvChunks[seq] = cp
	}
	c.queueAck(seq)
}

func (c *Connection) queueAck(seq uint32) {
	for _, s := range c.pendingAcks {
		if s == seq {
			return
		}
	}
	c.pendingAcks = append(c.pendingAcks, seq)
}

func (c *Connection) acked(seq uint32) {
	c.lastAK = timeNow()
	c.hasLastAK = true
	if _, ok := c.sendQueue[seq]; ok {
		delete(c.sendQueue, seq)
		if len(c.sendQueue) == 0 {
			c.done = true
		}
	}
}

func (c *Connection) handleFileRequest(name string) {
	if c.FileProvider == nil {
		c.sendFileResponse(false)
		return
	}
	content, ok := c.FileProvider(name)
	if !ok {
		c.sendFileResponse(false)
		return
	}
	if err := c.Send(content); err != nil {
		c.log.Debug("rtp: could not queue file content: %v", err)
		return
	}
	c.windowSend()
	c.sendFileResponse(true)
}

func (c *Connection) sendFileResponse(found bool) {
	body := "DNE"
	if found {
		body = "yes"
	}
	c.sendRaw(TypeFileResponse, 0, 0, []byte(body))
}

func (c *Connection) handleFileResponse(body string) {
	switch body {
	case "yes":
		c.requested = false
	case "DNE":
		c.requested = false
		c.log.Warn("rtp: download failed, file does not exist: %s", c.fileName)
		c.broken = fmt.Errorf("%w: %s", errs.ErrFileNotFound, c.fileName)
	}
}

// AskFile sends a FILE-REQUEST for name and marks it outstanding so cleanup
// keeps re-asking until a response arrives.
func (c *Connection) AskFile(name string) {
	c.fileName = name
	c.requested = true
	c.sendRaw(TypeFileRequest, 0, 0, []byte(name))
}

// Send chunks message into maxSegment-byte CONTENT segments and queues
// them for the window to drain. Fails with ErrConnectionBusy if a previous
// send has not finished draining.
func (c *Connection) Send(message []byte) error {
	if len(c.sendQueue) != 0 {
		return errs.ErrConnectionBusy
	}

	c.seqCounter = 1
	c.done = false
	total := len(message)

	seq := c.seqCounter
	for offset := 0; offset < total || (total == 0 && offset == 0); offset += c.maxSegment {
		end := offset + c.maxSegment
		if end > total {
			end = total
		}
		chunk := message[offset:end]
		c.sendQueue[seq] = encodePacket(TypeContent, int(seq), total, chunk)
		seq++
		if total == 0 {
			break
		}
	}
	c.seqCounter = seq
	return nil
}

// windowSend transmits the window's-worth of lowest-sequence outstanding
// segments.
func (c *Connection) windowSend() {
	if len(c.sendQueue) == 0 {
		return
	}
	seqs := make([]uint32, 0, len(c.sendQueue))
	for s := range c.sendQueue {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	if len(seqs) > c.window {
		seqs = seqs[:c.window]
	}
	for _, s := range seqs {
		if c.sender == nil {
			continue
		}
		if _, err := c.sender.Send(c.sendQueue[s], c.peerID, c.peerPort, c.myPort, 0, false); err != nil {
			c.log.Debug("rtp: resend of seq %d failed: %v", s, err)
		}
	}
}

// windowAK flushes every pending acknowledgment and clears the list.
func (c *Connection) windowAK() {
	for _, seq := range c.pendingAcks {
		c.sendRaw(TypeAK, int(seq), 0, nil)
	}
	c.pendingAcks = nil
}

// Received returns the reassembled content once every expected byte has
// arrived.
func (c *Connection) Received() ([]byte, bool) {
	if !c.haveTotalSize {
		return nil, false
	}
	seqs := make([]uint32, 0, len(c.recvChunks))
	for s := range c.recvChunks {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	var combined []byte
	for _, s := range seqs {
		combined = append(combined, c.recvChunks[s]...)
	}
	if uint32(len(combined)) != c.totalSize {
		return nil, false
	}
	return combined, true
}

// Cleanup runs one periodic tick. It returns errs.ErrConnectionBroken (or a
// handshake-exhaustion error) when the connection should be torn down by
// its owning ServicePoint.
func (c *Connection) Cleanup() error {
	switch c.stage {
	case Requesting:
		return c.sendRequest()

	case Accepting:
		return c.sendAccept()

	case Finalizing:
		// The original implementation compares an epoch timestamp against
		// a small duration (always true, effectively a no-op guard) — see
		// design notes. Quiescence is judged by elapsed time since the
		// last FINALIZE, matching the described intent.
		if timeNow().Sub(c.lastFinalizeTime) >= time.Duration(c.handshakeMax)*c.timeout {
			c.stage = Active
			c.log.Warn("rtp: finalized connection to %d", c.peerID)
			return nil
		}
		return c.sendFinalize()

	case Active:
		if timeNow().Sub(c.lastClean) < c.timeout {
			return nil
		}
		c.lastClean = timeNow()

		if c.requested {
			c.sendRaw(TypeFileRequest, 0, 0, []byte(c.fileName))
		}

		if !c.done {
			if c.hasLastContent {
				since := timeNow().Sub(c.lastContent)
				if since > 10*c.timeout {
					c.broken = errs.ErrConnectionBroken
					return c.broken
				}
			}
			if c.hasLastAK {
				since := timeNow().Sub(c.lastAK)
				if since > 10*c.timeout {
					c.broken = errs.ErrConnectionBroken
					return c.broken
				}
			}
			c.windowSend()
			c.windowAK()
		}
		return nil
	}
	return nil
}

var timeNow = time.Now
