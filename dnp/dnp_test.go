package dnp

import (
	"errors"
	"testing"
	"time"

	"github.com/overlaymesh/meshnet/link"
	"github.com/stretchr/testify/require"
)

var errNoRoute = errors.New("no route")

type fakeLinks struct {
	mtu map[uint32]int
}

func (f fakeLinks) Neighbor(id uint32) (any, int, bool) {
	mtu, ok := f.mtu[id]
	if !ok {
		return nil, 0, false
	}
	return "addr-" + string(rune('0'+id)), mtu, true
}

func TestSendProducesSingleFragmentWhenSmall(t *testing.T) {
	links := fakeLinks{mtu: map[uint32]int{2: 1024}}
	d := New(1, links, time.Second, link.DefaultTTL, nil)
	d.SetRouter(routerFunc(func(target uint32, linkOnly bool) (uint32, error) { return 2, nil }))

	out, err := d.Send([]byte("hello"), 2, 10, 20, 0, false)
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestSendFragmentsLargeMessage(t *testing.T) {
	links := fakeLinks{mtu: map[uint32]int{2: 60}}
	d := New(1, links, time.Second, link.DefaultTTL, nil)
	d.SetRouter(routerFunc(func(target uint32, linkOnly bool) (uint32, error) { return 2, nil }))

	msg := make([]byte, 500)
	for i := range msg {
		msg[i] = byte('A' + i%26)
	}
	out, err := d.Send(msg, 2, 10, 20, 0, false)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(out), 9)
}

func TestSendUnreachableWithoutRoute(t *testing.T) {
	links := fakeLinks{mtu: map[uint32]int{2: 1024}}
	d := New(1, links, time.Second, link.DefaultTTL, nil)
	d.SetRouter(routerFunc(func(target uint32, linkOnly bool) (uint32, error) { return 0, errNoRoute }))

	_, err := d.Send([]byte("x"), 9, 10, 20, 0, false)
	require.Error(t, err)
}

func TestUnpackDeliverWholePacket(t *testing.T) {
	links := fakeLinks{mtu: map[uint32]int{2: 1024}}
	sender := New(1, links, time.Second, link.DefaultTTL, nil)
	sender.SetRouter(routerFunc(func(target uint32, linkOnly bool) (uint32, error) { return 2, nil }))

	out, err := sender.Send([]byte("hello"), 2, 10, 20, 0, false)
	require.NoError(t, err)
	require.Len(t, out, 1)

	receiver := New(2, links, time.Second, link.DefaultTTL, nil)
	ttl, payload, err := link.Unpack(out[0].Datagram)
	require.NoError(t, err)

	outcome := receiver.Unpack(payload, ttl)
	require.Equal(t, Deliver, outcome.Kind)
	require.Equal(t, "hello", string(outcome.Body))
	require.Equal(t, uint32(10), outcome.DestPort)
	require.Equal(t, uint32(1), outcome.SourceID)
	require.Equal(t, uint32(20), outcome.SourcePort)
}

func TestUnpackReassemblesFragments(t *testing.T) {
	links := fakeLinks{mtu: map[uint32]int{2: 60}}
	sender := New(1, links, time.Second, link.DefaultTTL, nil)
	sender.SetRouter(routerFunc(func(target uint32, linkOnly bool) (uint32, error) { return 2, nil }))

	msg := make([]byte, 500)
	for i := range msg {
		msg[i] = byte('A' + i%26)
	}
	frags, err := sender.Send(msg, 2, 10, 20, 0, false)
	require.NoError(t, err)
	require.Greater(t, len(frags), 1)

	receiver := New(2, links, time.Second, link.DefaultTTL, nil)

	// Deliver fragments in reverse order: reassembly must not depend on
	// arrival order.
	for i := len(frags) - 1; i >= 0; i-- {
		ttl, payload, err := link.Unpack(frags[i].Datagram)
		require.NoError(t, err)
		outcome := receiver.Unpack(payload, ttl)
		if i > 0 {
			require.Equal(t, Buffering, outcome.Kind)
		} else {
			require.Equal(t, Deliver, outcome.Kind)
			require.Equal(t, msg, outcome.Body)
		}
	}
}

func TestUnpackDuplicateOffsetIdempotent(t *testing.T) {
	links := fakeLinks{mtu: map[uint32]int{2: 60}}
	sender := New(1, links, time.Second, link.DefaultTTL, nil)
	sender.SetRouter(routerFunc(func(target uint32, linkOnly bool) (uint32, error) { return 2, nil }))

	msg := make([]byte, 500)
	frags, err := sender.Send(msg, 2, 10, 20, 0, false)
	require.NoError(t, err)

	receiver := New(2, links, time.Second, link.DefaultTTL, nil)
	var last Outcome
	for _, f := range append(frags, frags[0]) {
		ttl, payload, err := link.Unpack(f.Datagram)
		require.NoError(t, err)
		last = receiver.Unpack(payload, ttl)
	}
	require.Equal(t, Deliver, last.Kind)
	require.Equal(t, msg, last.Body)
}

func TestUnpackDropsCorrupt(t *testing.T) {
	d := New(2, fakeLinks{}, time.Second, link.DefaultTTL, nil)
	outcome := d.Unpack([]byte("short"), 5)
	require.Equal(t, Dropped, outcome.Kind)
}

func TestUnpackForwardsToOtherDest(t *testing.T) {
	links := fakeLinks{mtu: map[uint32]int{1: 1024, 2: 1024, 3: 1024}}
	sender := New(1, links, time.Second, link.DefaultTTL, nil)
	sender.SetRouter(routerFunc(func(target uint32, linkOnly bool) (uint32, error) { return 2, nil }))

	out, err := sender.Send([]byte("hi"), 9, 10, 20, 0, false)
	require.NoError(t, err)

	middle := New(2, links, time.Second, link.DefaultTTL, nil)
	middle.SetRouter(routerFunc(func(target uint32, linkOnly bool) (uint32, error) { return 3, nil }))

	ttl, payload, err := link.Unpack(out[0].Datagram)
	require.NoError(t, err)
	outcome := middle.Unpack(payload, ttl)
	require.Equal(t, Forward, outcome.Kind)
	require.NotNil(t, outcome.Forwarded)
	require.Equal(t, uint32(3), outcome.Forwarded.Neighbor)
}

func TestCleanupReapsStaleBuffer(t *testing.T) {
	links := fakeLinks{mtu: map[uint32]int{2: 60}}
	sender := New(1, links, time.Second, link.DefaultTTL, nil)
	sender.SetRouter(routerFunc(func(target uint32, linkOnly bool) (uint32, error) { return 2, nil }))

	msg := make([]byte, 500)
	frags, err := sender.Send(msg, 2, 10, 20, 0, false)
	require.NoError(t, err)

	receiver := New(2, links, 10*time.Millisecond, link.DefaultTTL, nil)
	ttl, payload, err := link.Unpack(frags[0].Datagram)
	require.NoError(t, err)
	outcome := receiver.Unpack(payload, ttl)
	require.Equal(t, Buffering, outcome.Kind)

	require.Len(t, receiver.buffers, 1)
	time.Sleep(20 * time.Millisecond)
	receiver.Cleanup()
	require.Len(t, receiver.buffers, 0)
}

type routerFunc func(target uint32, linkOnly bool) (uint32, error)

func (f routerFunc) NextHop(target uint32, linkOnly bool) (uint32, error) { return f(target, linkOnly) }
