package node

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// menuText mirrors the CLI surface spec §6 enumerates.
const menuText = `Commands:
  quit
  menu
  message <id> <text>
  routing
  setGarble <loss> <corruption>
  downLink <neighbor_id>
  upLink <neighbor_id>
  startService <max_connections>
  connectTo <target_id> <target_listen_port> <window>
  download <connection_id> <file_name>
  services
  connections <service_id>
  links`

// Dispatch applies one CLI line and returns the text to print and whether
// the loop should stop. Unrecognized commands and argument errors are
// reported back, never panicking or aborting the loop (spec §7's "CLI
// errors are reported to the console and the loop continues").
func (n *Node) Dispatch(line string) (string, bool) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return "", false
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "quit":
		return "bye", true

	case "menu":
		return menuText, false

	case "message":
		return n.cliMessage(args), false

	case "routing":
		return n.route.TableString(), false

	case "setGarble":
		return n.cliSetGarble(args), false

	case "downLink":
		return n.cliLinkToggle(args, n.SetLinkDown), false

	case "upLink":
		return n.cliLinkToggle(args, n.SetLinkUp), false

	case "startService":
		return n.cliStartService(args), false

	case "connectTo":
		return n.cliConnectTo(args), false

	case "download":
		return n.cliDownload(args), false

	case "services":
		return n.cliServices(), false

	case "connections":
		return n.cliConnections(args), false

	case "links":
		return n.cliLinks(), false

	default:
		return fmt.Sprintf("unknown command: %s (try \"menu\")", cmd), false
	}
}

func (n *Node) cliMessage(args []string) string {
	if len(args) < 2 {
		return "usage: message <id> <text>"
	}
	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Sprintf("invalid node id: %s", args[0])
	}
	text := strings.Join(args[1:], " ")
	if err := n.Message().Send(uint32(id), text); err != nil {
		return err.Error()
	}
	return fmt.Sprintf("sent to %d", id)
}

func (n *Node) cliSetGarble(args []string) string {
	if len(args) != 2 {
		return "usage: setGarble <loss> <corruption>"
	}
	loss, err1 := strconv.Atoi(args[0])
	corruption, err2 := strconv.Atoi(args[1])
	if err1 != nil || err2 != nil {
		return "loss and corruption must be integers"
	}
	if err := n.SetGarble(loss, corruption); err != nil {
		return err.Error()
	}
	return fmt.Sprintf("garble set: loss=%d corruption=%d", loss, corruption)
}

func (n *Node) cliLinkToggle(args []string, apply func(uint32) error) string {
	if len(args) != 1 {
		return "usage: downLink|upLink <neighbor_id>"
	}
	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Sprintf("invalid neighbor id: %s", args[0])
	}
	if err := apply(uint32(id)); err != nil {
		return err.Error()
	}
	return fmt.Sprintf("link to %d updated", id)
}

func (n *Node) cliStartService(args []string) string {
	if len(args) != 1 {
		return "usage: startService <max_connections>"
	}
	maxConn, err := strconv.Atoi(args[0])
	if err != nil || maxConn <= 0 {
		return "max_connections must be a positive integer"
	}
	id := n.StartService(maxConn)
	return fmt.Sprintf("service started on port %d (max %d connections)", id, maxConn)
}

func (n *Node) cliConnectTo(args []string) string {
	if len(args) != 3 {
		return "usage: connectTo <target_id> <target_listen_port> <window>"
	}
	target, err1 := strconv.ParseUint(args[0], 10, 32)
	port, err2 := strconv.ParseUint(args[1], 10, 32)
	window, err3 := strconv.Atoi(args[2])
	if err1 != nil || err2 != nil || err3 != nil || window <= 0 {
		return "target_id and target_listen_port must be integers, window a positive integer"
	}
	localPort, err := n.ConnectTo(uint32(target), uint32(port), window)
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("connecting to %d:%d, local port %d", target, port, localPort)
}

func (n *Node) cliDownload(args []string) string {
	if len(args) != 2 {
		return "usage: download <connection_id> <file_name>"
	}
	port, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Sprintf("invalid connection id: %s", args[0])
	}
	if err := n.Download(uint32(port), args[1]); err != nil {
		return err.Error()
	}
	return fmt.Sprintf("requesting %s on connection %d", args[1], port)
}

func (n *Node) cliServices() string {
	sp, ok := n.Service()
	if !ok {
		return "no services running"
	}
	return fmt.Sprintf("service %d: %d connections", sp.ServiceID(), sp.Count())
}

func (n *Node) cliConnections(args []string) string {
	if len(args) != 1 {
		return "usage: connections <service_id>"
	}
	serviceID, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Sprintf("invalid service id: %s", args[0])
	}
	sp, ok := n.Service()
	if !ok || sp.ServiceID() != uint32(serviceID) {
		return fmt.Sprintf("no such service: %d", serviceID)
	}
	conns := sp.Connections()
	sort.Slice(conns, func(i, j int) bool { return conns[i].Port < conns[j].Port })
	if len(conns) == 0 {
		return "no connections"
	}
	var b strings.Builder
	for _, c := range conns {
		fmt.Fprintf(&b, "port=%d peer=%d stage=%s\n", c.Port, c.PeerID, c.Stage)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (n *Node) cliLinks() string {
	links := n.Links()
	sort.Slice(links, func(i, j int) bool { return links[i].Neighbor < links[j].Neighbor })
	var b strings.Builder
	for _, li := range links {
		state := "up"
		if li.Down {
			state = "down"
		}
		fmt.Fprintf(&b, "neighbor=%d mtu=%d %s addr=%s\n", li.Neighbor, li.MTU, state, li.Addr.String())
	}
	return strings.TrimRight(b.String(), "\n")
}
