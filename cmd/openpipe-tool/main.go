// Command openpipe-tool is a manual diagnostic client for the Open
// Pipe transport: it connects as the external controller would,
// prints every incoming line, and lets an operator type commands to
// send tag and alarm updates by hand. Supplemented from
// original_source's openpipe_tool, which exists for exactly this kind
// of manual protocol exercising during development.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
)

type message struct {
	Type       string `json:"type"`
	Tag        string `json:"tag,omitempty"`
	Value      string `json:"value,omitempty"`
	ID         int    `json:"id,omitempty"`
	InstanceID int    `json:"instance_id,omitempty"`
	Priority   int    `json:"priority,omitempty"`
	State      int    `json:"state,omitempty"`
	ClassName  string `json:"class_name,omitempty"`
	Name       string `json:"name,omitempty"`
}

func main() {
	bind := flag.String("connect", "tcp://127.0.0.1:7000", "Open Pipe address to connect to (tcp://host:port or unix:///path)")
	flag.Parse()

	network, address, err := splitBind(*bind)
	if err != nil {
		log.Fatal(err)
	}
	conn, err := net.Dial(network, address)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	go func() {
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			fmt.Println("<<", scanner.Text())
		}
	}()

	fmt.Println("commands: tag <name> <value>  |  alarm <id> <instance> <priority> <state> <class> <name>")
	enc := json.NewEncoder(conn)
	input := bufio.NewScanner(os.Stdin)
	for input.Scan() {
		line := strings.TrimSpace(input.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		m, err := parseCommand(fields)
		if err != nil {
			fmt.Println("error:", err)
			continue
		}
		if err := enc.Encode(m); err != nil {
			fmt.Println("send error:", err)
		}
	}
}

func parseCommand(fields []string) (message, error) {
	if len(fields) == 0 {
		return message{}, fmt.Errorf("empty command")
	}
	switch fields[0] {
	case "tag":
		if len(fields) != 3 {
			return message{}, fmt.Errorf("usage: tag <name> <value>")
		}
		return message{Type: "tag", Tag: fields[1], Value: fields[2]}, nil
	case "alarm":
		if len(fields) != 7 {
			return message{}, fmt.Errorf("usage: alarm <id> <instance> <priority> <state> <class> <name>")
		}
		id, err1 := strconv.Atoi(fields[1])
		instance, err2 := strconv.Atoi(fields[2])
		priority, err3 := strconv.Atoi(fields[3])
		state, err4 := strconv.Atoi(fields[4])
		for _, err := range []error{err1, err2, err3, err4} {
			if err != nil {
				return message{}, fmt.Errorf("bad numeric field: %w", err)
			}
		}
		return message{Type: "alarm", ID: id, InstanceID: instance, Priority: priority, State: state, ClassName: fields[5], Name: fields[6]}, nil
	default:
		return message{}, fmt.Errorf("unknown command %q", fields[0])
	}
}

func splitBind(bind string) (network, address string, err error) {
	switch {
	case strings.HasPrefix(bind, "tcp://"):
		return "tcp", strings.TrimPrefix(bind, "tcp://"), nil
	case strings.HasPrefix(bind, "unix://"):
		return "unix", strings.TrimPrefix(bind, "unix://"), nil
	default:
		return "", "", fmt.Errorf("address %q must start with tcp:// or unix://", bind)
	}
}
