package main

import (
	"log"
	"sync"
	"time"
)

// nodeStatus tracks where a contact is in the lookup lifecycle
type nodeStatus byte

const (
	statusUnasked nodeStatus = iota
	statusAwaiting
	statusAsked
	statusFailed
)

// lookupEntry is one contact the lookup has seen, with its status
type lookupEntry struct {
	contact Contact
	status  nodeStatus
}

// lookup is the bounded-parallel iterative lookup state machine. It drives
// both node lookups and, when params is set, content lookups: the outgoing
// message becomes a ContentLookupRequest and a matching ContentReply is a
// terminal result.
//
// The lookup registers itself as the Receiver for every message it sends;
// replies and timeouts arrive on the server's goroutines and rendezvous with
// the waiting caller through the done channel. All state is guarded by mu.
type lookup struct {
	server *Server
	rt     *RoutingTable
	local  Contact
	target NodeID

	// Content-lookup variant
	params     *GetParameter
	numResults int

	mu           sync.Mutex
	entries      map[NodeID]*lookupEntry
	inFlight     map[uint32]Contact
	terminated   bool
	lastActivity time.Time
	found        []Content
	done         chan struct{}
}

// newNodeLookup prepares a lookup for the K closest nodes to target
func newNodeLookup(server *Server, rt *RoutingTable, local Contact, target NodeID) *lookup {
	return &lookup{
		server:   server,
		rt:       rt,
		local:    local,
		target:   target,
		entries:  make(map[NodeID]*lookupEntry),
		inFlight: make(map[uint32]Contact),
		done:     make(chan struct{}),
	}
}

// newContentLookup prepares a lookup that collects up to numResults content
// items matching params, falling back to node discovery while searching
func newContentLookup(server *Server, rt *RoutingTable, local Contact, params GetParameter, numResults int) *lookup {
	l := newNodeLookup(server, rt, local, params.Key)
	l.params = &params
	l.numResults = numResults
	return l
}

// execute runs the lookup to completion and returns the K closest contacts
// that answered. It fails with ErrRoutingTimeout when no reply or timeout
// arrives for OperationTimeout after the last activity.
func (l *lookup) execute() ([]Contact, error) {
	l.mu.Lock()

	// The local node counts as already asked; everything the routing table
	// knows starts unasked
	l.entries[l.local.ID] = &lookupEntry{contact: l.local, status: statusAsked}
	for _, c := range l.rt.AllNodes() {
		l.addUnasked(c)
	}

	l.lastActivity = time.Now()
	l.step()
	l.mu.Unlock()

	// Pending timeouts are delivered up to one sweep late; give the stall
	// detector the same slack so a delivered timeout always wins the race
	grace := OperationTimeout + 2*TimeoutSweepInterval

	for {
		l.mu.Lock()
		if l.terminated {
			result := l.closestWithStatus(statusAsked)
			l.mu.Unlock()
			return result, nil
		}
		deadline := l.lastActivity.Add(grace)
		l.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			l.mu.Lock()
			l.terminated = true
			l.mu.Unlock()
			return nil, ErrRoutingTimeout
		}

		select {
		case <-l.done:
		case <-time.After(wait):
		}
	}
}

// executeContent runs the content variant and returns the collected items
func (l *lookup) executeContent() ([]Content, error) {
	if _, err := l.execute(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.found) == 0 {
		return nil, ErrContentNotFound
	}
	return l.found, nil
}

// step asks unasked nodes among the K closest seen, keeping no more than
// Concurrency messages in transit. Called with mu held after every reply,
// every timeout, and once at the start. When there is nothing left to ask
// and nothing in transit, the lookup is finished.
func (l *lookup) step() {
	for {
		if l.terminated || len(l.inFlight) >= Concurrency {
			return
		}

		candidates := l.closestUnasked()
		if len(candidates) == 0 {
			if len(l.inFlight) == 0 {
				l.finish()
			}
			return
		}

		progressed := false
		for _, c := range candidates {
			if len(l.inFlight) >= Concurrency {
				return
			}

			cid, err := l.server.SendMessage(c, l.buildMessage(), l)
			if err != nil {
				log.Printf("Lookup send to %s failed: %v", c.UDPAddr(), err)
				l.entries[c.ID].status = statusFailed
				l.rt.Remove(c)
				continue
			}

			l.entries[c.ID].status = statusAwaiting
			l.inFlight[cid] = c
			progressed = true
		}

		if progressed {
			return
		}
		// Every candidate failed at send time; re-evaluate with the
		// remaining contacts
	}
}

// buildMessage returns the outgoing request for this lookup variant
func (l *lookup) buildMessage() Message {
	if l.params != nil {
		return &ContentLookupRequest{Origin: l.local, Params: *l.params}
	}
	return &NodeLookupRequest{Origin: l.local, Target: l.target}
}

// Receive handles a reply to one of this lookup's requests
func (l *lookup) Receive(msg Message, correlationID uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.terminated {
		return
	}

	delete(l.inFlight, correlationID)

	// The responder proved itself alive
	origin := msg.OriginContact()
	l.rt.Insert(origin)
	if e, ok := l.entries[origin.ID]; ok {
		e.status = statusAsked
	} else {
		l.entries[origin.ID] = &lookupEntry{contact: origin, status: statusAsked}
	}

	switch reply := msg.(type) {
	case *NodeReply:
		for _, c := range reply.Contacts {
			l.addUnasked(c)
		}

	case *ContentReply:
		if l.params != nil && l.params.Matches(reply.Content) {
			l.collect(reply.Content)
			if len(l.found) >= l.numResults {
				l.finish()
				return
			}
		}
	}

	l.lastActivity = time.Now()
	l.step()
}

// Timeout handles an expired request: the contact failed and leaves both the
// lookup's consideration and the routing table
func (l *lookup) Timeout(correlationID uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.terminated {
		return
	}

	c, ok := l.inFlight[correlationID]
	if !ok {
		// Unknown correlation id; the fault stops at this seam
		log.Printf("Lookup timeout for unknown correlation id %d", correlationID)
		return
	}
	delete(l.inFlight, correlationID)

	l.entries[c.ID].status = statusFailed
	l.rt.Remove(c)

	l.lastActivity = time.Now()
	l.step()
}

// addUnasked registers a newly seen contact; contacts already tracked keep
// their status. Requires mu.
func (l *lookup) addUnasked(c Contact) {
	if _, seen := l.entries[c.ID]; seen {
		return
	}
	l.entries[c.ID] = &lookupEntry{contact: c, status: statusUnasked}
}

// collect appends a content item, skipping duplicates from different
// responders. Requires mu.
func (l *lookup) collect(content Content) {
	for _, existing := range l.found {
		if existing.Key.Equals(content.Key) &&
			existing.OwnerID == content.OwnerID &&
			existing.Type == content.Type {
			return
		}
	}
	l.found = append(l.found, content)
}

// finish marks the lookup terminated and wakes the caller. Requires mu.
func (l *lookup) finish() {
	if l.terminated {
		return
	}
	l.terminated = true
	close(l.done)
}

// sortedNotFailed returns every non-failed entry sorted by XOR distance to
// the target. Requires mu.
func (l *lookup) sortedNotFailed() []*lookupEntry {
	sorted := make([]*lookupEntry, 0, len(l.entries))
	for _, e := range l.entries {
		if e.status != statusFailed {
			sorted = append(sorted, e)
		}
	}

	// Insertion sort by XOR distance; lookup populations are small
	for i := 1; i < len(sorted); i++ {
		j := i
		for j > 0 && closerToTarget(l.target, sorted[j].contact.ID, sorted[j-1].contact.ID) {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
			j--
		}
	}
	return sorted
}

// closestUnasked returns the unasked contacts among the K closest non-failed
// entries, closest first. Requires mu.
func (l *lookup) closestUnasked() []Contact {
	var unasked []Contact
	for i, e := range l.sortedNotFailed() {
		if i >= K {
			break
		}
		if e.status == statusUnasked {
			unasked = append(unasked, e.contact)
		}
	}
	return unasked
}

// closestWithStatus returns up to K contacts with the given status, closest
// to the target first. Requires mu.
func (l *lookup) closestWithStatus(status nodeStatus) []Contact {
	closest := make([]Contact, 0, K)
	for _, e := range l.sortedNotFailed() {
		if e.status == status {
			closest = append(closest, e.contact)
			if len(closest) == K {
				break
			}
		}
	}
	return closest
}
