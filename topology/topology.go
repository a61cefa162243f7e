// Package topology reads the plain-text network topology file described in
// spec §6: one node per line, whitespace separated, each node with exactly
// two neighbors. Grounded on the original general_utility.py
// get_topology_from_file, restructured into the teacher's
// map-then-mapstructure.Decode idiom (server/registry.go's argument
// decoding).
package topology

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/overlaymesh/meshnet/errs"
)

// Row is one decoded topology-file line.
type Row struct {
	NodeID    int    `mapstructure:"node_id"`
	IP        string `mapstructure:"ip"`
	Port      int    `mapstructure:"port"`
	Neighbor1 int    `mapstructure:"neighbor1"`
	Neighbor2 int    `mapstructure:"neighbor2"`
	MTU       int    `mapstructure:"mtu"`
}

// decodeRow turns the six whitespace-separated tokens of a topology line
// into a Row via mapstructure, so every numeric field tolerates the file's
// plain-string tokens the same way the teacher's tool-argument decoder
// tolerates loosely-typed JSON-RPC input.
func decodeRow(tokens []string) (Row, error) {
	if len(tokens) < 6 {
		return Row{}, fmt.Errorf("%w: topology line needs 6 fields, got %d", errs.ErrInvalidArgument, len(tokens))
	}
	raw := map[string]any{
		"node_id":   tokens[0],
		"ip":        tokens[1],
		"port":      tokens[2],
		"neighbor1": tokens[3],
		"neighbor2": tokens[4],
		"mtu":       tokens[5],
	}
	var row Row
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &row,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Row{}, fmt.Errorf("build topology decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return Row{}, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
	}
	return row, nil
}

// Load parses every line of path into Rows, keyed by node id.
func Load(path string) (map[int]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open topology file: %w", err)
	}
	defer f.Close()

	rows := make(map[int]Row)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		tokens := strings.Fields(line)
		row, err := decodeRow(tokens)
		if err != nil {
			return nil, err
		}
		rows[row.NodeID] = row
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read topology file: %w", err)
	}
	return rows, nil
}

// Lookup returns the Row for nodeID, or ErrInvalidArgument if the file does
// not mention it (mirrors get_topology_from_file's ValueError).
func Lookup(rows map[int]Row, nodeID int) (Row, error) {
	row, ok := rows[nodeID]
	if !ok {
		return Row{}, fmt.Errorf("%w: node id not in topology file: %d", errs.ErrInvalidArgument, nodeID)
	}
	return row, nil
}

// ParsePort is a small helper for places that need to coerce a decoded
// string-or-int field (mapstructure output already normalizes this, but the
// CLI parses raw strconv itself in a couple of places).
func ParsePort(s string) (int, error) {
	return strconv.Atoi(s)
}
