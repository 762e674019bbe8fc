package main

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Kad is one node of the distributed hash table. It owns the routing table,
// the content store and the UDP server, and exposes the local operations:
// Connect, Put, Get, Refresh and Shutdown.
type Kad struct {
	ownerID string
	local   Contact
	rt      *RoutingTable
	store   *ContentStore
	server  *Server
	storage *Storage // optional contact journal

	shutdown chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewKad creates a node, binds its UDP port and starts the background
// refresh loop. A nil storage disables the contact journal.
func NewKad(ownerID string, id NodeID, ip net.IP, port uint16, storage *Storage) (*Kad, error) {
	k := &Kad{
		ownerID:  ownerID,
		rt:       NewRoutingTable(id),
		store:    NewContentStore(),
		storage:  storage,
		shutdown: make(chan struct{}),
	}

	handlers := map[byte]Handler{
		codeConnectRequest:       k.onConnectRequest,
		codeNodeLookupRequest:    k.onNodeLookupRequest,
		codeStoreRequest:         k.onStoreRequest,
		codeContentLookupRequest: k.onContentLookupRequest,
	}

	server, err := NewServer(port, handlers)
	if err != nil {
		return nil, err
	}
	k.server = server

	local, err := NewContact(id, ip, server.Port())
	if err != nil {
		server.Shutdown()
		return nil, err
	}
	k.local = local

	// Only serve once the node is fully wired; handlers reach back into it
	server.Start()

	// Warm the routing table from the journal of previously seen contacts
	if storage != nil {
		contacts, err := storage.Contacts()
		if err != nil {
			log.Printf("Warning: failed to load contact journal: %v", err)
		} else if len(contacts) > 0 {
			loaded := 0
			for _, c := range contacts {
				if k.rt.Insert(c) {
					loaded++
				}
			}
			log.Printf("Loaded %d cached contacts from journal", loaded)
		}
	}

	k.wg.Add(1)
	go k.refreshLoop()

	return k, nil
}

// observe records a contact that proved itself alive: into the routing table
// and, when the journal is enabled, onto disk
func (k *Kad) observe(c Contact) {
	if c.ID.Equals(k.local.ID) {
		return
	}
	k.rt.Insert(c)
	if k.storage != nil {
		if err := k.storage.SaveContact(c); err != nil {
			log.Printf("Warning: failed to journal contact %s: %v", c.ID, err)
		}
	}
}

// === Request handlers ===

func (k *Kad) onConnectRequest(msg Message, correlationID uint32) {
	req := msg.(*ConnectRequest)
	k.observe(req.Origin)

	if err := k.server.Reply(req.Origin, &ConnectReply{Origin: k.local}, correlationID); err != nil {
		log.Printf("Failed to acknowledge connect from %s: %v", req.Origin.UDPAddr(), err)
	}
}

func (k *Kad) onNodeLookupRequest(msg Message, correlationID uint32) {
	req := msg.(*NodeLookupRequest)
	k.observe(req.Origin)

	closest := k.rt.FindClosest(req.Target, K)
	if err := k.server.Reply(req.Origin, &NodeReply{Origin: k.local, Contacts: closest}, correlationID); err != nil {
		log.Printf("Failed to reply to node lookup from %s: %v", req.Origin.UDPAddr(), err)
	}
}

func (k *Kad) onStoreRequest(msg Message, correlationID uint32) {
	req := msg.(*StoreRequest)
	k.observe(req.Origin)
	k.store.Put(req.Content)
}

// onContentLookupRequest answers with the content when we hold it; otherwise
// with the K closest contacts to the key, so the lookup can keep converging
func (k *Kad) onContentLookupRequest(msg Message, correlationID uint32) {
	req := msg.(*ContentLookupRequest)
	k.observe(req.Origin)

	if content, ok := k.store.Get(req.Params); ok {
		if err := k.server.Reply(req.Origin, &ContentReply{Origin: k.local, Content: content}, correlationID); err != nil {
			log.Printf("Failed to reply with content to %s: %v", req.Origin.UDPAddr(), err)
		}
		return
	}

	closest := k.rt.FindClosest(req.Params.Key, K)
	if err := k.server.Reply(req.Origin, &NodeReply{Origin: k.local, Contacts: closest}, correlationID); err != nil {
		log.Printf("Failed to reply to content lookup from %s: %v", req.Origin.UDPAddr(), err)
	}
}

// === Operations ===

// connectReceiver waits for the bootstrap node's acknowledgement
type connectReceiver struct {
	acked chan bool
}

func (r *connectReceiver) Receive(msg Message, correlationID uint32) {
	r.acked <- true
}

func (r *connectReceiver) Timeout(correlationID uint32) {
	r.acked <- false
}

// Connect joins an existing network through the bootstrap contact: handshake
// with the bootstrap node, look up our own identifier to populate the
// routing table, then refresh every bucket.
func (k *Kad) Connect(bootstrap Contact) error {
	k.observe(bootstrap)

	acked := false
	for attempt := 1; attempt <= MaxConnectAttempts; attempt++ {
		recv := &connectReceiver{acked: make(chan bool, 1)}
		if _, err := k.server.SendMessage(bootstrap, &ConnectRequest{Origin: k.local}, recv); err != nil {
			return fmt.Errorf("connect to %s: %w", bootstrap.UDPAddr(), err)
		}
		if <-recv.acked {
			acked = true
			break
		}
		log.Printf("Connect attempt %d/%d to %s timed out", attempt, MaxConnectAttempts, bootstrap.UDPAddr())
	}
	if !acked {
		k.rt.Remove(bootstrap)
		return fmt.Errorf("bootstrap node %s unreachable: %w", bootstrap.UDPAddr(), ErrRoutingTimeout)
	}

	// Find the nodes closest to ourselves
	if _, err := newNodeLookup(k.server, k.rt, k.local, k.local.ID).execute(); err != nil {
		return fmt.Errorf("bootstrap lookup failed: %w", err)
	}

	k.refreshBuckets()
	log.Printf("Connected to network via %s (%d contacts)", bootstrap.UDPAddr(), k.rt.Size())
	return nil
}

// Put places a content item on the K nodes closest to its key (all nodes if
// the network holds fewer than K). Returns how many nodes the content was
// handed to; the local node stores directly when it is among the closest.
func (k *Kad) Put(content Content) (int, error) {
	closest, err := newNodeLookup(k.server, k.rt, k.local, content.Key).execute()
	if err != nil {
		return 0, err
	}

	var stored int64
	g := new(errgroup.Group)
	g.SetLimit(Concurrency)

	for _, c := range closest {
		if c.ID.Equals(k.local.ID) {
			k.store.Put(content)
			atomic.AddInt64(&stored, 1)
			continue
		}

		c := c
		g.Go(func() error {
			if _, err := k.server.SendMessage(c, &StoreRequest{Origin: k.local, Content: content}, nil); err != nil {
				log.Printf("Store to %s failed: %v", c.UDPAddr(), err)
				return nil
			}
			atomic.AddInt64(&stored, 1)
			return nil
		})
	}
	g.Wait()

	return int(stored), nil
}

// Get returns content matching the parameters: from the local store when
// present, otherwise from the network, collecting up to numResults distinct
// replies. Fails with ErrContentNotFound when the lookup converges empty.
func (k *Kad) Get(param GetParameter, numResults int) ([]Content, error) {
	if content, ok := k.store.Get(param); ok {
		log.Printf("Found content for %s locally", param.Key)
		return []Content{content}, nil
	}

	return newContentLookup(k.server, k.rt, k.local, param, numResults).executeContent()
}

// Refresh re-looks-up an identifier in every bucket's range and re-places
// the locally held content on its closest nodes
func (k *Kad) Refresh() error {
	k.refreshBuckets()

	for _, content := range k.store.Entries() {
		if _, err := k.Put(content); err != nil {
			log.Printf("Warning: failed to re-place content %s: %v", content.Key, err)
		}
	}
	return nil
}

// refreshBuckets runs one node lookup per bucket range, bounded to
// Concurrency lookups at a time
func (k *Kad) refreshBuckets() {
	g := new(errgroup.Group)
	g.SetLimit(Concurrency)

	for _, id := range k.rt.RefreshIDs() {
		id := id
		g.Go(func() error {
			if _, err := newNodeLookup(k.server, k.rt, k.local, id).execute(); err != nil {
				log.Printf("Bucket refresh lookup for %s failed: %v", id, err)
			}
			return nil
		})
	}
	g.Wait()
}

// refreshLoop re-runs Refresh every RestoreInterval until shutdown
func (k *Kad) refreshLoop() {
	defer k.wg.Done()

	ticker := time.NewTicker(RestoreInterval)
	defer ticker.Stop()

	for {
		select {
		case <-k.shutdown:
			return
		case <-ticker.C:
			log.Printf("Running periodic refresh...")
			if err := k.Refresh(); err != nil {
				log.Printf("Refresh failed: %v", err)
			}
		}
	}
}

// Shutdown stops the node: the refresh loop, then the server (failing any
// in-flight operations), then the state snapshot when configured
func (k *Kad) Shutdown() {
	k.stopOnce.Do(func() {
		close(k.shutdown)
		k.wg.Wait()
		k.server.Shutdown()

		if SaveStateOnShutdown {
			if err := k.saveState(); err != nil {
				log.Printf("Warning: failed to save node state: %v", err)
			}
		}

		if k.storage != nil {
			if err := k.storage.Close(); err != nil {
				log.Printf("Warning: failed to close contact journal: %v", err)
			}
		}

		log.Printf("Node %s stopped", k.local.ID)
	})
}

// === Accessors ===

// GetOwnerID returns the owner this node stores state under
func (k *Kad) GetOwnerID() string {
	return k.ownerID
}

// GetLocalContact returns the node's own contact
func (k *Kad) GetLocalContact() Contact {
	return k.local
}

// GetRoutingTable returns the routing table
func (k *Kad) GetRoutingTable() *RoutingTable {
	return k.rt
}

// GetContentStore returns the local content store
func (k *Kad) GetContentStore() *ContentStore {
	return k.store
}

// GetPort returns the UDP port the node is bound to
func (k *Kad) GetPort() uint16 {
	return k.server.Port()
}
