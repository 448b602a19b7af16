// Package testing provides an in-memory nearby-devices network for
// deterministic tests of partymesh sessions.
//
// # Overview
//
// A SimulatedNetwork hosts any number of SimulatedAdapter nodes. Each adapter
// implements transport.Adapter the way a real peer-to-peer radio would:
// advertising and browsing produce found and lost events, invitations are
// answered asynchronously, accepted invitations link both ends, and data
// sent over a link arrives as data events on the other side. Events are
// queued without bound so a slow consumer never blocks the network.
//
// # Handles
//
// A node keeps its handle across advertising restarts. RenewHandle makes it
// show up under a fresh handle on its next advertisement, while links made
// under the old one linger until disconnected. This is what a real radio
// does after a session reset and what stale-handle eviction has to cope
// with.
//
// # Usage
//
//	net := testing.NewSimulatedNetwork()
//	a := net.NewAdapter("alice", "Alice")
//	b := net.NewAdapter("bob", "Bob")
//	defer net.Close()
//
//	// Hand a and b to partymesh.New as their transport.
//
// # Fault Injection
//
// DropTraffic silently discards data flowing one way between two nodes while
// both ends keep reporting the link as connected. InjectLost delivers a
// discovery lost report even though the peer is still around. Together they
// reproduce the stale and half-open links keepalive exists for.
//
// # Delivery Logs
//
// Every Send is recorded as a DeliveryRecord. Use GetDeliveryLog and
// ClearDeliveryLog to inspect traffic between test steps.
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
package testing
