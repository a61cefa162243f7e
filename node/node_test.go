package node

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/overlaymesh/meshnet/channel/garble"
	"github.com/overlaymesh/meshnet/channel/simchan"
	"github.com/overlaymesh/meshnet/config"
	"github.com/overlaymesh/meshnet/rtp"
	"github.com/stretchr/testify/require"
)

// memFileDir is an in-memory FileDir double for tests that need no real
// filesystem: the service side serves from content, the client side
// collects whatever gets persisted in written.
type memFileDir struct {
	mu      sync.Mutex
	content map[string][]byte
	written map[string][]byte
}

func newMemFileDir() *memFileDir {
	return &memFileDir{content: make(map[string][]byte), written: make(map[string][]byte)}
}

func (d *memFileDir) Read(name string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.content[name]
	return b, ok
}

func (d *memFileDir) Write(name string, content []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.written[name] = content
	return nil
}

func (d *memFileDir) get(name string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.written[name]
	return b, ok
}

// fastTunables mirrors config.Defaults but scaled down so the simulated
// three-hop scenarios in this file converge within a test timeout instead
// of the multi-second production intervals.
func fastTunables() config.Tunables {
	return config.Tunables{
		HeartbeatInterval: 20 * time.Millisecond,
		StabilizeInterval: 60 * time.Millisecond,
		ReplaceInterval:   100 * time.Millisecond,
		BufferTimeout:     500 * time.Millisecond,
		RTPTimeout:        20 * time.Millisecond,
		DefaultMaxSegment: 512,
		CleanupTimeout:    10 * time.Millisecond,
		SelectTimeout:     5 * time.Millisecond,
		PingMax:           3,
		HandshakeMax:      6,
	}
}

type lineTopology struct {
	bus   *simchan.Bus
	nodes map[uint32]*Node
}

// buildLine wires a straight-line topology 1-2-3-...-n over an in-memory
// bus, matching spec §8 S1/S2's line topology without needing a real UDP
// socket (the S3 square is wired separately in its own test). mtu applies uniformly to every link, as the
// topology-file format does per node.
func buildLine(t *testing.T, ids []uint32, mtu int, printers map[uint32]func(uint32, string)) *lineTopology {
	t.Helper()
	bus := simchan.NewBus()
	lt := &lineTopology{bus: bus, nodes: make(map[uint32]*Node)}

	chans := make(map[uint32]*simchan.Channel)
	for _, id := range ids {
		chans[id] = bus.Register(name(id), 64)
	}

	for i, id := range ids {
		links := make(map[uint32]*LinkInfo)
		if i > 0 {
			peer := ids[i-1]
			links[peer] = &LinkInfo{Neighbor: peer, Addr: simchan.Addr{Name: name(peer)}, MTU: mtu}
		}
		if i < len(ids)-1 {
			peer := ids[i+1]
			links[peer] = &LinkInfo{Neighbor: peer, Addr: simchan.Addr{Name: name(peer)}, MTU: mtu}
		}
		var printer func(uint32, string)
		if printers != nil {
			printer = printers[id]
		}
		lt.nodes[id] = New(id, links, fastTunables(), chans[id], nil, nil, nil, printer)
	}
	return lt
}

func name(id uint32) string {
	return string(rune('A' + id))
}

// start launches every node's event loop in its own goroutine and returns a
// stop function that signals all of them and waits for exit.
func (lt *lineTopology) start(t *testing.T) func() {
	t.Helper()
	var wg sync.WaitGroup
	for _, n := range lt.nodes {
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			in := make(chan string)
			close(in)
			n.Run(in, nil)
		}(n)
	}
	return func() {
		for _, n := range lt.nodes {
			n.Stop()
		}
		wg.Wait()
	}
}

func TestMessageDeliveryAcrossLine(t *testing.T) {
	received := make(chan string, 1)
	printers := map[uint32]func(uint32, string){
		3: func(sourceID uint32, body string) { received <- body },
	}
	lt := buildLine(t, []uint32{1, 2, 3}, 512, printers)
	stop := lt.start(t)
	defer stop()

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if err := lt.nodes[1].Message().Send(3, "hi"); err == nil {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	select {
	case body := <-received:
		require.Equal(t, "hi", body)
	case <-time.After(2 * time.Second):
		t.Fatal("message never arrived at node 3")
	}
}

func TestFragmentedMessageReassemblesAcrossLine(t *testing.T) {
	received := make(chan string, 1)
	printers := map[uint32]func(uint32, string){
		3: func(sourceID uint32, body string) { received <- body },
	}
	// mtu 60 forces DNP to slice a 500-byte payload into many fragments
	// (header overhead is link(1) + dnp(28) = 29 bytes, leaving a ~31 byte
	// body per fragment).
	lt := buildLine(t, []uint32{1, 2, 3}, 60, printers)
	stop := lt.start(t)
	defer stop()
	payload := make([]byte, 500)
	for i := range payload {
		payload[i] = 'X'
	}

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if err := lt.nodes[1].Message().Send(3, string(payload)); err == nil {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	select {
	case body := <-received:
		require.Equal(t, string(payload), body)
	case <-time.After(2 * time.Second):
		t.Fatal("fragmented message never reassembled at node 3")
	}
}

func TestCLIRoutingAndLinksCommands(t *testing.T) {
	lt := buildLine(t, []uint32{1, 2, 3}, 512, nil)
	n := lt.nodes[2]

	out, quit := n.Dispatch("links")
	require.False(t, quit)
	require.Contains(t, out, "neighbor=1")
	require.Contains(t, out, "neighbor=3")

	out, quit = n.Dispatch("downLink 1")
	require.False(t, quit)
	require.Contains(t, out, "updated")

	links := n.Links()
	foundDown := false
	for _, li := range links {
		if li.Neighbor == 1 {
			foundDown = li.Down
		}
	}
	require.True(t, foundDown)

	out, quit = n.Dispatch("quit")
	require.True(t, quit)
	require.Equal(t, "bye", out)
}

func TestDownLinkRemovesRouteAcrossSquare(t *testing.T) {
	// Square A-B-C-D-A (ids 1-2-3-4), tie-break favors the lower-id
	// neighbor so node 1's route to node 3 initially goes via node 2
	// (spec §8 S3).
	bus := simchan.NewBus()
	ids := []uint32{1, 2, 3, 4}
	ring := map[uint32][]uint32{
		1: {2, 4},
		2: {1, 3},
		3: {2, 4},
		4: {3, 1},
	}
	nodes := make(map[uint32]*Node)
	chans := make(map[uint32]*simchan.Channel)
	for _, id := range ids {
		chans[id] = bus.Register(name(id), 64)
	}
	for _, id := range ids {
		links := make(map[uint32]*LinkInfo)
		for _, peer := range ring[id] {
			links[peer] = &LinkInfo{Neighbor: peer, Addr: simchan.Addr{Name: name(peer)}, MTU: 512}
		}
		nodes[id] = New(id, links, fastTunables(), chans[id], nil, nil, nil, nil)
	}

	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			in := make(chan string)
			close(in)
			n.Run(in, nil)
		}(n)
	}

	waitForRoute := func(target uint32) {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if _, ok := nodes[1].Route().Table()[target]; ok {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	waitForRoute(3)
	table := nodes[1].Route().Table()
	require.Equal(t, uint32(2), table[3].NextHop, "initial route to 3 should go via lower-id neighbor 2")

	require.NoError(t, nodes[1].SetLinkDown(2))

	deadline := time.Now().Add(2 * time.Second)
	var repaired bool
	for time.Now().Before(deadline) {
		if e, ok := nodes[1].Route().Table()[3]; ok && e.NextHop == 4 {
			repaired = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, repaired, "route to 3 should repair via remaining neighbor 4 after link down")

	for _, n := range nodes {
		n.Stop()
	}
	wg.Wait()
}

// TestReliableFileTransferUnderLossAndCorruption exercises spec §8 S4: a
// two-node link with startService/connectTo/download, wrapped in a garbler
// set to lossy-but-not-catastrophic parameters, still ends with the client
// holding a byte-identical copy of the file the service held.
func TestReliableFileTransferUnderLossAndCorruption(t *testing.T) {
	bus := simchan.NewBus()
	a := bus.Register(name(1), 64)
	b := bus.Register(name(2), 64)

	ga, err := garble.New(a, 10, 10)
	require.NoError(t, err)
	gb, err := garble.New(b, 10, 10)
	require.NoError(t, err)

	clientFiles := newMemFileDir()
	serverFiles := newMemFileDir()
	content := bytes.Repeat([]byte("overlay-mesh-file-transfer-content-"), 300) // ~10KB
	serverFiles.content["foo.txt"] = content

	linksA := map[uint32]*LinkInfo{2: {Neighbor: 2, Addr: simchan.Addr{Name: name(2)}, MTU: 512}}
	linksB := map[uint32]*LinkInfo{1: {Neighbor: 1, Addr: simchan.Addr{Name: name(1)}, MTU: 512}}

	nodeA := New(1, linksA, fastTunables(), ga, ga, clientFiles, nil, nil)
	nodeB := New(2, linksB, fastTunables(), gb, gb, serverFiles, nil, nil)

	var wg sync.WaitGroup
	for _, n := range []*Node{nodeA, nodeB} {
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			in := make(chan string)
			close(in)
			n.Run(in, nil)
		}(n)
	}
	defer func() {
		nodeA.Stop()
		nodeB.Stop()
		wg.Wait()
	}()

	nodeB.StartService(3)

	var localPort uint32
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p, err := nodeA.ConnectTo(2, rtp.DefaultListenPort, 5); err == nil {
			localPort = p
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotZero(t, localPort, "connectTo never succeeded")

	deadline = time.Now().Add(2 * time.Second)
	var downloadErr error
	for time.Now().Before(deadline) {
		if downloadErr = nodeA.Download(localPort, "foo.txt"); downloadErr == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, downloadErr, "download never accepted")

	deadline = time.Now().Add(5 * time.Second)
	var got []byte
	var ok bool
	for time.Now().Before(deadline) {
		if got, ok = clientFiles.get("foo.txt"); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, ok, "file was never persisted on the client side")
	require.Equal(t, content, got)
}
