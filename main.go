package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
)

func main() {
	// Parse command line flags
	owner := flag.String("owner", "", "Owner id for this node's stored state (default: random)")
	idArg := flag.String("id", "", "Node identifier: 40-char hex, or any string used as raw key bytes (default: random)")
	ip := flag.String("ip", "127.0.0.1", "IPv4 address peers should reach this node at")
	port := flag.Uint("port", 9865, "UDP port for routing messages (0 = ephemeral)")
	dbPath := flag.String("db", "kademlia.db", "Path to the SQLite contact journal (empty = disabled)")
	bootstrapAddr := flag.String("bootstrap", "", "Bootstrap node address (host:port)")
	bootstrapID := flag.String("bootstrap-id", "", "Bootstrap node identifier (40-char hex)")
	load := flag.Bool("load", false, "Restore the node from the saved state of -owner")
	flag.Parse()

	if *owner == "" {
		*owner = uuid.New().String()
		log.Printf("No owner given, generated %s", *owner)
	}

	localIP := net.ParseIP(*ip)
	if localIP == nil || localIP.To4() == nil {
		log.Fatalf("Error: -ip must be an IPv4 address, got %q", *ip)
	}
	if *port > 0xFFFF {
		log.Fatalf("Error: -port out of range: %d", *port)
	}

	var storage *Storage
	if *dbPath != "" {
		var err error
		storage, err = NewStorage(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open contact journal: %v", err)
		}
	}

	var kad *Kad
	var err error
	if *load {
		kad, err = LoadKad(*owner, storage)
		if err != nil {
			log.Fatalf("Failed to restore node state: %v", err)
		}
	} else {
		id := parseNodeID(*idArg)
		kad, err = NewKad(*owner, id, localIP, uint16(*port), storage)
		if err != nil {
			log.Fatalf("Failed to start node: %v", err)
		}
	}

	log.Printf("Node online")
	log.Printf("  Owner: %s", kad.GetOwnerID())
	log.Printf("  ID:    %s", kad.GetLocalContact().ID)
	log.Printf("  Addr:  %s", kad.GetLocalContact().UDPAddr())

	// Join an existing network if a bootstrap node was given
	if *bootstrapAddr != "" {
		bootstrap, err := parseBootstrap(*bootstrapAddr, *bootstrapID)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		if err := kad.Connect(bootstrap); err != nil {
			log.Printf("Bootstrap warning: %v", err)
		}
	}

	go commandLoop(kad)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Printf("Shutting down...")
	kad.Shutdown()
	log.Printf("Goodbye!")
}

// parseNodeID accepts the 40-char hex form, any other string as raw key
// bytes, or empty for a random identifier
func parseNodeID(arg string) NodeID {
	if arg == "" {
		return RandomNodeID()
	}
	if len(arg) == 2*IDLength {
		if id, err := NewNodeIDFromHex(arg); err == nil {
			return id
		}
	}
	return NewNodeID(arg)
}

func parseBootstrap(addr, idHex string) (Contact, error) {
	if idHex == "" {
		return Contact{}, fmt.Errorf("-bootstrap requires -bootstrap-id")
	}
	id, err := NewNodeIDFromHex(idHex)
	if err != nil {
		return Contact{}, fmt.Errorf("invalid -bootstrap-id: %w", err)
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Contact{}, fmt.Errorf("invalid -bootstrap address: %w", err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Contact{}, fmt.Errorf("invalid -bootstrap host %q", host)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Contact{}, fmt.Errorf("invalid -bootstrap port %q", portStr)
	}

	return NewContact(id, ip, uint16(port))
}

// commandLoop reads put/get/refresh commands from stdin so the node can be
// driven interactively
func commandLoop(kad *Kad) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 2)

		switch fields[0] {
		case "put":
			if len(fields) < 2 {
				fmt.Println("usage: put <value>")
				continue
			}
			content := NewContent(kad.GetOwnerID(), "", []byte(fields[1]))
			n, err := kad.Put(content)
			if err != nil {
				fmt.Printf("put failed: %v\n", err)
				continue
			}
			fmt.Printf("stored on %d nodes (key %s)\n", n, content.Key)

		case "get":
			if len(fields) < 2 {
				fmt.Println("usage: get <owner>")
				continue
			}
			param := GetParameter{Key: NewNodeID(fields[1]), OwnerID: fields[1]}
			results, err := kad.Get(param, 1)
			if err != nil {
				fmt.Printf("get failed: %v\n", err)
				continue
			}
			for _, c := range results {
				fmt.Printf("%s: %s\n", c.OwnerID, c.Value)
			}

		case "refresh":
			if err := kad.Refresh(); err != nil {
				fmt.Printf("refresh failed: %v\n", err)
			} else {
				fmt.Println("refresh complete")
			}

		case "table":
			for _, c := range kad.GetRoutingTable().AllNodes() {
				fmt.Println(" ", c)
			}

		default:
			fmt.Println("commands: put <value> | get <owner> | refresh | table")
		}
	}
}
