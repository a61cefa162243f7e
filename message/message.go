// Package message implements the node's demonstration console-message
// application: an unreliable, single-datagram send/serve pair riding DNP on
// the well-known message port. Grounded on the original message.py.
package message

import (
	"fmt"

	"github.com/overlaymesh/meshnet/dnp"
	"github.com/overlaymesh/meshnet/logx"
)

// ServicePort is the well-known DNP destination port message traffic rides
// on (spec §3 PortId reservations).
const ServicePort = 4

// Sender is the narrow collaborator Service needs from DNP.
type Sender interface {
	Send(message []byte, destID, destPort, sourcePort uint32, ttl uint8, linkOnly bool) ([]dnp.Outbound, error)
}

// Printer renders one inbound message. The zero value prints to stdout the
// way the original implementation's serve() does.
type Printer func(sourceID uint32, body string)

// Service is the node's message application, registered at ServicePort.
type Service struct {
	sender     Sender
	defaultTTL uint8
	print      Printer
	log        logx.Logger
}

// New builds a message Service. print may be nil to use the default
// stdout rendering; log may be nil for a no-op logger.
func New(sender Sender, defaultTTL uint8, print Printer, log logx.Logger) *Service {
	if log == nil {
		log = logx.Nop{}
	}
	return &Service{sender: sender, defaultTTL: defaultTTL, print: print, log: log}
}

// Send delivers text to targetID as a single unreliable datagram.
func (s *Service) Send(targetID uint32, text string) error {
	if _, err := s.sender.Send([]byte(text), targetID, ServicePort, ServicePort, s.defaultTTL, false); err != nil {
		s.log.Warn("message: destination not reachable: %d", targetID)
		return fmt.Errorf("message: destination %d not reachable: %w", targetID, err)
	}
	return nil
}

// Serve handles one inbound message body, per spec's CLI scenario S1.
func (s *Service) Serve(sourceID uint32, body []byte) {
	if s.print != nil {
		s.print(sourceID, string(body))
		return
	}
	fmt.Printf("\nMessage from: %d\n%s\n\n", sourceID, body)
}
