package main

// bucket holds up to K contacts at one prefix depth, ordered from
// least-recently-seen to most-recently-seen
type bucket struct {
	depth    int
	contacts []Contact
}

func newBucket(depth int) *bucket {
	return &bucket{
		depth:    depth,
		contacts: make([]Contact, 0, K),
	}
}

// insert adds a contact, refreshes it if already present, or rejects it when
// the bucket is full. A re-seen contact moves to the most-recently-seen end.
// Returns true if the contact is in the bucket afterwards.
func (b *bucket) insert(c Contact) bool {
	for i, existing := range b.contacts {
		if existing.ID.Equals(c.ID) {
			// Liveness touch: move to the most-recently-seen end and pick up
			// any endpoint change
			b.contacts = append(append(b.contacts[:i:i], b.contacts[i+1:]...), c)
			return true
		}
	}

	if len(b.contacts) < K {
		b.contacts = append(b.contacts, c)
		return true
	}

	// Bucket full. The Kademlia paper pings the least-recently-seen contact
	// before deciding; we take the conservative branch and keep the old one.
	return false
}

// contains checks membership by identifier
func (b *bucket) contains(c Contact) bool {
	for _, existing := range b.contacts {
		if existing.ID.Equals(c.ID) {
			return true
		}
	}
	return false
}

// remove drops a contact by identifier; no-op when absent
func (b *bucket) remove(c Contact) {
	for i, existing := range b.contacts {
		if existing.ID.Equals(c.ID) {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			return
		}
	}
}

func (b *bucket) size() int {
	return len(b.contacts)
}

// nodes returns a copy of the bucket's contacts
func (b *bucket) nodes() []Contact {
	out := make([]Contact, len(b.contacts))
	copy(out, b.contacts)
	return out
}
