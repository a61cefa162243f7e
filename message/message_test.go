package message

import (
	"errors"
	"testing"

	"github.com/overlaymesh/meshnet/dnp"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	sent      []byte
	destID    uint32
	destPort  uint32
	srcPort   uint32
	ttl       uint8
	err       error
}

func (r *recordingSender) Send(message []byte, destID, destPort, sourcePort uint32, ttl uint8, linkOnly bool) ([]dnp.Outbound, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.sent = message
	r.destID = destID
	r.destPort = destPort
	r.srcPort = sourcePort
	r.ttl = ttl
	return nil, nil
}

func TestSendUsesMessagePortBothEnds(t *testing.T) {
	sender := &recordingSender{}
	svc := New(sender, 5, nil, nil)

	require.NoError(t, svc.Send(3, "hi"))
	require.Equal(t, []byte("hi"), sender.sent)
	require.Equal(t, uint32(3), sender.destID)
	require.Equal(t, uint32(ServicePort), sender.destPort)
	require.Equal(t, uint32(ServicePort), sender.srcPort)
	require.Equal(t, uint8(5), sender.ttl)
}

func TestSendWrapsUnreachableError(t *testing.T) {
	wantErr := errors.New("no route")
	sender := &recordingSender{err: wantErr}
	svc := New(sender, 5, nil, nil)

	err := svc.Send(9, "hi")
	require.Error(t, err)
	require.ErrorIs(t, err, wantErr)
}

func TestServeInvokesPrinterWithSourceAndBody(t *testing.T) {
	var gotSource uint32
	var gotBody string
	svc := New(nil, 5, func(sourceID uint32, body string) {
		gotSource = sourceID
		gotBody = body
	}, nil)

	svc.Serve(7, []byte("hi"))
	require.Equal(t, uint32(7), gotSource)
	require.Equal(t, "hi", gotBody)
}
