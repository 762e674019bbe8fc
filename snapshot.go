package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
)

// State snapshot file names, one per concern. The routing table is saved
// separately from the node so neither file has to serialize the other.
const (
	kadStateFile     = "kad.kns"
	nodeStateFile    = "node.kns"
	routingStateFile = "routingtable.kns"
	dhtStateFile     = "dht.kns"
)

// KadState is the basic node data stored in kad.kns
type KadState struct {
	OwnerID string `json:"owner_id"`
	Port    uint16 `json:"port"`
}

// ContactState is the on-disk form of one contact
type ContactState struct {
	ID   NodeID `json:"id"`
	IP   string `json:"ip"`
	Port uint16 `json:"port"`
}

// BucketState is the on-disk form of one non-empty bucket
type BucketState struct {
	Depth    int       `json:"depth"`
	Contacts []Contact `json:"contacts"`
}

func contactToState(c Contact) ContactState {
	return ContactState{
		ID:   c.ID,
		IP:   fmt.Sprintf("%d.%d.%d.%d", c.IP[0], c.IP[1], c.IP[2], c.IP[3]),
		Port: c.Port,
	}
}

func contactFromState(s ContactState) (Contact, error) {
	ip := net.ParseIP(s.IP)
	if ip == nil {
		return Contact{}, fmt.Errorf("invalid contact address %q", s.IP)
	}
	return NewContact(s.ID, ip, s.Port)
}

// stateDir returns (and creates, when asked) the snapshot folder for one
// owner: $HOME/.kademlia/nodes/<owner>/
func stateDir(ownerID string, create bool) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot resolve home directory: %w", err)
	}

	dir := filepath.Join(home, LocalFolder, "nodes", ownerID)
	if create {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("cannot create state folder: %w", err)
		}
	}
	return dir, nil
}

func writeStateFile(dir, name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), data, 0o644)
}

func readStateFile(dir, name string, v interface{}) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// saveState writes the four snapshot files for this node's owner
func (k *Kad) saveState() error {
	dir, err := stateDir(k.ownerID, true)
	if err != nil {
		return err
	}

	log.Printf("Saving node state to %s", dir)

	if err := writeStateFile(dir, kadStateFile, KadState{OwnerID: k.ownerID, Port: k.server.Port()}); err != nil {
		return err
	}
	if err := writeStateFile(dir, nodeStateFile, contactToState(k.local)); err != nil {
		return err
	}
	if err := writeStateFile(dir, routingStateFile, k.rt.Snapshot()); err != nil {
		return err
	}
	return writeStateFile(dir, dhtStateFile, k.store.Entries())
}

// LoadKad reconstructs a node from the saved state of an owner. The
// resulting node binds the saved port and carries a routing table and
// content store semantically equal to the saved ones.
func LoadKad(ownerID string, storage *Storage) (*Kad, error) {
	dir, err := stateDir(ownerID, false)
	if err != nil {
		return nil, err
	}

	var kadState KadState
	if err := readStateFile(dir, kadStateFile, &kadState); err != nil {
		return nil, fmt.Errorf("reading %s: %w", kadStateFile, err)
	}

	var nodeState ContactState
	if err := readStateFile(dir, nodeStateFile, &nodeState); err != nil {
		return nil, fmt.Errorf("reading %s: %w", nodeStateFile, err)
	}
	local, err := contactFromState(nodeState)
	if err != nil {
		return nil, err
	}

	var buckets []BucketState
	if err := readStateFile(dir, routingStateFile, &buckets); err != nil {
		return nil, fmt.Errorf("reading %s: %w", routingStateFile, err)
	}

	var contents []Content
	if err := readStateFile(dir, dhtStateFile, &contents); err != nil {
		return nil, fmt.Errorf("reading %s: %w", dhtStateFile, err)
	}

	k, err := NewKad(ownerID, local.ID, local.UDPAddr().IP, kadState.Port, storage)
	if err != nil {
		return nil, err
	}

	restored := 0
	for _, b := range buckets {
		for _, c := range b.Contacts {
			if k.rt.Insert(c) {
				restored++
			}
		}
	}
	for _, c := range contents {
		k.store.Put(c)
	}

	log.Printf("Restored node %s: %d contacts, %d content items", local.ID, restored, len(contents))
	return k, nil
}
