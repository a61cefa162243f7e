// Command node runs a single meshnet overlay participant: it loads a
// topology file, binds a UDP socket (optionally wrapped in a garbler), and
// drives the CLI described in spec §6. Grounded on the teacher's flat,
// chained-construction main and its flag/yaml configuration wiring
// (examples/configuration/server/main.go).
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/overlaymesh/meshnet/channel/garble"
	"github.com/overlaymesh/meshnet/channel/udpchan"
	"github.com/overlaymesh/meshnet/config"
	"github.com/overlaymesh/meshnet/logx"
	"github.com/overlaymesh/meshnet/node"
	"github.com/overlaymesh/meshnet/topology"
)

func main() {
	var (
		nodeID      = flag.Int("id", -1, "this node's id (required, must appear in the topology file)")
		topoPath    = flag.String("topology", "", "path to the topology file (required)")
		tunablesPath = flag.String("tunables", "", "optional YAML tunables overlay")
		loss        = flag.Int("loss", 0, "initial channel loss percentage (0-100)")
		corruption  = flag.Int("corruption", 0, "initial channel corruption percentage (0-100)")
		logLevel    = flag.String("log-level", "info", "debug|info|warn|error")
		logFile     = flag.String("log-file", "", "write logs here instead of stderr")
		contentDir  = flag.String("content-dir", "content", "root directory for per-node file-transfer content")
	)
	flag.Parse()

	if *nodeID < 0 || *topoPath == "" {
		fmt.Fprintln(os.Stderr, "usage: node -id <node_id> -topology <file> [-loss N] [-corruption N]")
		os.Exit(2)
	}

	var logOut *os.File
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logOut = f
	}
	log := logx.New(logOut, fmt.Sprintf("[node %d] ", *nodeID), logx.ParseLevel(*logLevel))

	tun, err := config.Load(*tunablesPath)
	if err != nil {
		log.Error("load tunables: %v", err)
		os.Exit(1)
	}

	rows, err := topology.Load(*topoPath)
	if err != nil {
		log.Error("load topology: %v", err)
		os.Exit(1)
	}
	self, err := topology.Lookup(rows, *nodeID)
	if err != nil {
		log.Error("resolve self: %v", err)
		os.Exit(1)
	}
	links, err := node.LinksFromTopology(uint32(*nodeID), rows)
	if err != nil {
		log.Error("build links: %v", err)
		os.Exit(1)
	}

	udp, err := udpchan.New(self.IP, self.Port, 0)
	if err != nil {
		log.Error("bind socket: %v", err)
		os.Exit(1)
	}
	defer udp.Close()

	garbled, err := garble.New(udp, *loss, *corruption)
	if err != nil {
		log.Error("configure garbler: %v", err)
		os.Exit(1)
	}

	files, err := node.NewDirFileDir(filepath.Join(*contentDir, strconv.Itoa(*nodeID)))
	if err != nil {
		log.Error("prepare content directory: %v", err)
		os.Exit(1)
	}

	n := node.New(uint32(*nodeID), links, tun, garbled, garbled, files, log, nil)

	input := make(chan string)
	output := make(chan string)
	go readLines(input)
	go printLines(output)

	fmt.Printf("node %d listening on %s:%d (peers: %v)\n", *nodeID, self.IP, self.Port, neighborIDs(links))
	n.Run(input, output)
}

func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func printLines(in <-chan string) {
	for line := range in {
		fmt.Println(line)
	}
}

func neighborIDs(links map[uint32]*node.LinkInfo) []uint32 {
	ids := make([]uint32, 0, len(links))
	for id := range links {
		ids = append(ids, id)
	}
	return ids
}
