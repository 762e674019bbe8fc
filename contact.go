package main

import (
	"fmt"
	"net"
)

// Contact pairs an identifier with a reachable IPv4 UDP endpoint.
// Contacts are cheap values and are copied freely.
type Contact struct {
	ID   NodeID
	IP   [4]byte
	Port uint16
}

// NewContact builds a contact from an identifier and an address.
// Non-IPv4 addresses are rejected: the wire format carries 4-byte addresses.
func NewContact(id NodeID, ip net.IP, port uint16) (Contact, error) {
	v4 := ip.To4()
	if v4 == nil {
		return Contact{}, fmt.Errorf("contact requires an IPv4 address, got %s", ip)
	}
	c := Contact{ID: id, Port: port}
	copy(c.IP[:], v4)
	return c, nil
}

// UDPAddr returns the contact's socket address
func (c Contact) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{
		IP:   net.IPv4(c.IP[0], c.IP[1], c.IP[2], c.IP[3]),
		Port: int(c.Port),
	}
}

// Equals compares by identifier; the routing table keys contacts by id
func (c Contact) Equals(other Contact) bool {
	return c.ID.Equals(other.ID)
}

func (c Contact) String() string {
	return fmt.Sprintf("%s@%d.%d.%d.%d:%d", c.ID, c.IP[0], c.IP[1], c.IP[2], c.IP[3], c.Port)
}
