// Package partymesh implements a serverless peer session for small local
// multiplayer parties.
//
// Devices near each other discover one another over a peer-to-peer radio
// transport, connect into a party of bounded size, agree on a single host,
// optionally lock the party so strangers cannot join mid-game, and exchange
// typed application messages. There is no central server: every decision is
// made by a deterministic rule all peers apply the same way.
//
// # Getting Started
//
// Load or create the device identity, pick a transport and start a session:
//
//	rec, err := identity.LoadOrCreate(identity.NewFileStore("identity.json"), "Alice")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	opts := partymesh.NewOptions()
//	opts.MaxPartySize = 4
//
//	session, err := partymesh.New(adapter, rec, opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Stop()
//
//	session.OnPeerUpdated(func(u peer.Update) {
//	    fmt.Printf("%s is now %s\n", u.Peer.DisplayName, u.State)
//	})
//	session.OnHostUpdated(func(host *peer.Peer) {
//	    if host != nil {
//	        fmt.Printf("host is %s\n", host.DisplayName)
//	    }
//	})
//
//	if err := session.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Messages
//
// Application messages are JSON bodies sent under an event name:
//
//	session.Subscribe("move", func(m router.Message) {
//	    var mv Move
//	    if err := m.Decode(&mv); err == nil {
//	        apply(m.SenderID, mv)
//	    }
//	})
//
//	session.Send("move", Move{Card: 7}, nil, router.Reliable)
//
// An empty target list broadcasts to every connected peer. Event names
// starting with "mesh." are reserved for the session's own control traffic
// and are never delivered to wildcard subscribers.
//
// # Parties
//
// Only the peer with the lower stable identity of any pair sends an
// invitation, so two devices never invite each other at once. Invitations
// are retried with a fixed backoff; when every attempt fails the session
// resets itself. Links the transport reports are double-checked with a
// keepalive ping before they count as connected.
//
// # Host Election
//
// With two devices the lower identity becomes host automatically. Any peer
// can take over with PromoteSelfToHost; the most recent promotion wins.
//
// # Group Lock
//
// When the party is full each member broadcasts its sorted roster. Once
// every member agrees, the party is locked under a short id derived from the
// roster and discovery only matches devices advertising that id.
//
// # Configuration
//
// Options can be loaded from TOML with LoadOptions; keys absent from the
// file keep their NewOptions defaults. ConfigureLogging applies the logging
// section to logrus.
package partymesh
