package node

import (
	"fmt"
	"net"

	"github.com/overlaymesh/meshnet/channel/udpchan"
	"github.com/overlaymesh/meshnet/topology"
)

// LinksFromTopology builds the static LinkInfo set for selfID out of a
// parsed topology file (spec §6): each node's row names exactly two
// neighbors and one MTU shared by both of that node's links.
func LinksFromTopology(selfID uint32, rows map[int]topology.Row) (map[uint32]*LinkInfo, error) {
	self, err := topology.Lookup(rows, int(selfID))
	if err != nil {
		return nil, err
	}

	links := make(map[uint32]*LinkInfo, 2)
	for _, neighborID := range []int{self.Neighbor1, self.Neighbor2} {
		peer, err := topology.Lookup(rows, neighborID)
		if err != nil {
			return nil, fmt.Errorf("topology: neighbor %d of node %d: %w", neighborID, selfID, err)
		}
		addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", peer.IP, peer.Port))
		if err != nil {
			return nil, fmt.Errorf("topology: resolve address for node %d: %w", neighborID, err)
		}
		links[uint32(neighborID)] = &LinkInfo{
			Neighbor: uint32(neighborID),
			Addr:     udpchan.Addr{UDP: addr},
			MTU:      self.MTU,
		}
	}
	return links, nil
}
