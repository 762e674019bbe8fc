package main

import (
	"errors"
	"net"
	"testing"
	"time"
)

// shortTimeouts tightens the network tunables so failure paths resolve in
// milliseconds instead of seconds. Tests sharing these globals must not run
// in parallel.
func shortTimeouts(t *testing.T) {
	t.Helper()

	oldOp := OperationTimeout
	oldSweep := TimeoutSweepInterval
	oldSave := SaveStateOnShutdown
	oldAttempts := MaxConnectAttempts

	OperationTimeout = 300 * time.Millisecond
	TimeoutSweepInterval = 50 * time.Millisecond
	SaveStateOnShutdown = false
	MaxConnectAttempts = 2

	t.Cleanup(func() {
		OperationTimeout = oldOp
		TimeoutSweepInterval = oldSweep
		SaveStateOnShutdown = oldSave
		MaxConnectAttempts = oldAttempts
	})
}

// newTestKad starts a node on an ephemeral loopback port
func newTestKad(t *testing.T, ownerID string, id NodeID) *Kad {
	t.Helper()

	k, err := NewKad(ownerID, id, net.ParseIP("127.0.0.1"), 0, nil)
	if err != nil {
		t.Fatalf("NewKad(%s): %v", ownerID, err)
	}
	t.Cleanup(k.Shutdown)
	return k
}

// waitFor polls a condition until it holds or the deadline passes
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// =============================================================================
// BOOTSTRAP TESTS
// =============================================================================

// TestKad_TwoNodeBootstrap verifies that after B connects to A, each routing
// table holds the other node exactly once
func TestKad_TwoNodeBootstrap(t *testing.T) {
	shortTimeouts(t)

	a := newTestKad(t, "JoshuaK", idWithSuffix(0x01))
	b := newTestKad(t, "Crystal", idWithSuffix(0x02))

	if err := b.Connect(a.GetLocalContact()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	aNodes := a.GetRoutingTable().AllNodes()
	if len(aNodes) != 1 {
		t.Fatalf("A knows %d nodes, want 1", len(aNodes))
	}
	if !aNodes[0].ID.Equals(b.GetLocalContact().ID) {
		t.Errorf("A knows %s, want %s", aNodes[0].ID, b.GetLocalContact().ID)
	}

	if !b.GetRoutingTable().Contains(a.GetLocalContact()) {
		t.Error("B's routing table should contain A")
	}
	if b.GetRoutingTable().Size() != 1 {
		t.Errorf("B knows %d nodes, want 1", b.GetRoutingTable().Size())
	}
}

func TestKad_Connect_UnreachableBootstrap(t *testing.T) {
	shortTimeouts(t)

	a := newTestKad(t, "JoshuaK", idWithSuffix(0x01))
	dead := deadContact(idWithSuffix(0x0F))

	err := a.Connect(dead)
	if err == nil {
		t.Fatal("Connect to a dead port should fail")
	}
	if !errors.Is(err, ErrRoutingTimeout) {
		t.Errorf("error should wrap ErrRoutingTimeout, got %v", err)
	}
	if a.GetRoutingTable().Contains(dead) {
		t.Error("failed bootstrap contact should be removed from the routing table")
	}
}

// =============================================================================
// PUT / GET TESTS
// =============================================================================

// TestKad_PutGet verifies content placed on a two-node network lands on both
// nodes and can be read back from either side
func TestKad_PutGet(t *testing.T) {
	shortTimeouts(t)

	a := newTestKad(t, "JoshuaK", idWithSuffix(0x01))
	b := newTestKad(t, "Crystal", idWithSuffix(0x02))

	if err := b.Connect(a.GetLocalContact()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	content := Content{
		Key:     idWithSuffix(0x02),
		OwnerID: "Crystal",
		Value:   []byte("x"),
	}

	stored, err := b.Put(content)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if stored != 2 {
		t.Errorf("Put stored on %d nodes, want 2", stored)
	}

	param := GetParameter{Key: content.Key}

	// The store message to A is fire-and-forget; wait for it to land
	waitFor(t, 2*time.Second, func() bool {
		return a.GetContentStore().Contains(param)
	}, "content never arrived at A")

	results, err := a.Get(param, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Get returned %d items, want 1", len(results))
	}
	if string(results[0].Value) != "x" {
		t.Errorf("value = %q, want x", results[0].Value)
	}
}

// TestKad_Get_FromNetwork verifies a node that does not hold the content
// retrieves it from a peer through a content lookup
func TestKad_Get_FromNetwork(t *testing.T) {
	shortTimeouts(t)

	a := newTestKad(t, "JoshuaK", idWithSuffix(0x01))
	b := newTestKad(t, "Crystal", idWithSuffix(0x02))
	c := newTestKad(t, "Visitor", idWithSuffix(0x03))

	if err := b.Connect(a.GetLocalContact()); err != nil {
		t.Fatalf("Connect B: %v", err)
	}

	content := NewContent("Crystal", "note", []byte("remote data"))
	if _, err := b.Put(content); err != nil {
		t.Fatalf("Put: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return a.GetContentStore().Contains(GetParameter{Key: content.Key})
	}, "content never arrived at A")

	if err := c.Connect(a.GetLocalContact()); err != nil {
		t.Fatalf("Connect C: %v", err)
	}

	param := GetParameter{Key: content.Key, OwnerID: "Crystal"}
	if c.GetContentStore().Contains(param) {
		t.Fatal("C should not hold the content locally")
	}

	results, err := c.Get(param, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(results) != 1 || string(results[0].Value) != "remote data" {
		t.Errorf("Get returned %v", results)
	}
}

func TestKad_Get_NotFound(t *testing.T) {
	shortTimeouts(t)

	a := newTestKad(t, "JoshuaK", idWithSuffix(0x01))
	b := newTestKad(t, "Crystal", idWithSuffix(0x02))
	if err := b.Connect(a.GetLocalContact()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err := b.Get(GetParameter{Key: RandomNodeID()}, 1)
	if !errors.Is(err, ErrContentNotFound) {
		t.Errorf("error should wrap ErrContentNotFound, got %v", err)
	}
}

func TestKad_Put_IsolatedNodeStoresLocally(t *testing.T) {
	shortTimeouts(t)

	a := newTestKad(t, "JoshuaK", idWithSuffix(0x01))
	content := NewContent("JoshuaK", "", []byte("solo"))

	stored, err := a.Put(content)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if stored != 1 {
		t.Errorf("Put stored on %d nodes, want 1 (just the local node)", stored)
	}
	if !a.GetContentStore().Contains(GetParameter{Key: content.Key}) {
		t.Error("content missing from the local store")
	}
}

// =============================================================================
// LOOKUP TESTS
// =============================================================================

// TestKad_LookupConvergence_TenNodes bootstraps ten nodes through node 0 and
// verifies a lookup from node 0 converges on the target
func TestKad_LookupConvergence_TenNodes(t *testing.T) {
	shortTimeouts(t)

	nodes := make([]*Kad, 10)
	for i := range nodes {
		nodes[i] = newTestKad(t, "node", idWithSuffix(byte(i+1)))
		if i > 0 {
			if err := nodes[i].Connect(nodes[0].GetLocalContact()); err != nil {
				t.Fatalf("Connect node %d: %v", i, err)
			}
		}
	}

	target := nodes[9].GetLocalContact().ID
	closest, err := newNodeLookup(nodes[0].server, nodes[0].rt, nodes[0].GetLocalContact(), target).execute()
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	if len(closest) != K {
		t.Errorf("lookup returned %d contacts, want %d", len(closest), K)
	}

	found := false
	for _, c := range closest {
		if c.ID.Equals(target) {
			found = true
			break
		}
	}
	if !found {
		t.Error("lookup result should include the target node")
	}
}

// TestKad_Lookup_TimeoutRemovesFailed verifies a fabricated unreachable
// contact is marked failed and evicted, and the lookup still completes
func TestKad_Lookup_TimeoutRemovesFailed(t *testing.T) {
	shortTimeouts(t)

	a := newTestKad(t, "JoshuaK", idWithSuffix(0x01))
	dead := deadContact(idWithSuffix(0x0F))
	a.GetRoutingTable().Insert(dead)

	closest, err := newNodeLookup(a.server, a.rt, a.GetLocalContact(), RandomNodeID()).execute()
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	if a.GetRoutingTable().Contains(dead) {
		t.Error("timed-out contact should be removed from the routing table")
	}

	// Only the local node answered
	if len(closest) != 1 || !closest[0].ID.Equals(a.GetLocalContact().ID) {
		t.Errorf("lookup returned %v, want just the local contact", closest)
	}
}

// TestKad_UnknownCorrelationID injects a NodeReply the node never asked for
// and verifies no state changes
func TestKad_UnknownCorrelationID(t *testing.T) {
	shortTimeouts(t)

	a := newTestKad(t, "JoshuaK", idWithSuffix(0x01))
	before := a.GetRoutingTable().Size()

	forged := &NodeReply{
		Origin:   deadContact(idWithSuffix(0x55)),
		Contacts: []Contact{deadContact(idWithSuffix(0x66))},
	}
	data, err := encodeDatagram(0xBADC0DE, forged)
	if err != nil {
		t.Fatal(err)
	}

	conn, err := net.DialUDP("udp4", nil, a.GetLocalContact().UDPAddr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write(data); err != nil {
		t.Fatal(err)
	}

	time.Sleep(300 * time.Millisecond)

	if got := a.GetRoutingTable().Size(); got != before {
		t.Errorf("routing table size changed from %d to %d", before, got)
	}
}

// =============================================================================
// REFRESH TESTS
// =============================================================================

// TestKad_Refresh_RepublishesContent verifies refresh re-places local content
// on nodes that joined after the original put
func TestKad_Refresh_RepublishesContent(t *testing.T) {
	shortTimeouts(t)

	a := newTestKad(t, "JoshuaK", idWithSuffix(0x01))

	content := NewContent("JoshuaK", "", []byte("republished"))
	if _, err := a.Put(content); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// B joins after the content was stored
	b := newTestKad(t, "Crystal", idWithSuffix(0x02))
	if err := b.Connect(a.GetLocalContact()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := a.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	param := GetParameter{Key: content.Key}
	waitFor(t, 2*time.Second, func() bool {
		return b.GetContentStore().Contains(param)
	}, "refresh never re-placed the content on B")
}
