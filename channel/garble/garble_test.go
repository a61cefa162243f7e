package garble

import (
	"testing"
	"time"

	"github.com/overlaymesh/meshnet/channel/simchan"
	"github.com/stretchr/testify/require"
)

func TestNeverLossDelivers(t *testing.T) {
	bus := simchan.NewBus()
	a := bus.Register("a", 8)
	b := bus.Register("b", 8)

	garbledA, err := New(a, 0, 0)
	require.NoError(t, err)

	require.NoError(t, garbledA.Send([]byte("hello"), b.LocalAddr()))

	payload, _, ok, err := b.Recv(100 * time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", string(payload))
}

func TestAlwaysLossDropsSilently(t *testing.T) {
	bus := simchan.NewBus()
	a := bus.Register("a", 8)
	b := bus.Register("b", 8)

	garbledA, err := New(a, 100, 0)
	require.NoError(t, err)

	require.NoError(t, garbledA.Send([]byte("hello"), b.LocalAddr()))

	_, _, ok, err := b.Recv(20 * time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInvalidParameters(t *testing.T) {
	bus := simchan.NewBus()
	a := bus.Register("a", 8)
	_, err := New(a, 101, 0)
	require.Error(t, err)
	_, err = New(a, 0, -1)
	require.Error(t, err)
}
