// Package peer implements the rats peer session runtime: a TCP client that
// accepts inbound connections, dials outbound ones over IPv4 and IPv6,
// identifies each peer by a random 160-bit session hash exchanged in a
// handshake, and dispatches framed messages to registered callbacks.
//
// Example:
//
//	client, err := peer.NewClient(peer.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client.OnConnect(func(id peer.ID) {
//	    fmt.Println("connected to", id)
//	})
//	client.OnStringData(func(id peer.ID, payload []byte) {
//	    fmt.Printf("%s: %s\n", id, payload)
//	})
//	if err := client.Start(8080); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Stop()
//
//	if _, err := client.ConnectToPeer("198.51.100.7", 8080); err != nil {
//	    log.Fatal(err)
//	}
//	client.Broadcast([]byte("hello"))
//
// # Callback serialization
//
// Callbacks fire from the owning session's read goroutine: for any single
// peer at most one callback runs at a time and messages are delivered in
// arrival order. Callbacks for different peers may run concurrently. No
// internal lock is held while a callback runs.
package peer
