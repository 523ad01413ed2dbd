// Package dht implements a Kademlia node speaking the BitTorrent Mainline
// KRPC protocol over UDP.
//
// The node keeps a 160-bucket routing table keyed by XOR distance from the
// local node ID, answers ping, find_node, get_peers and announce_peer
// queries, and performs iterative lookups for content discovery and peer
// rendezvous.
//
// # Lifecycle
//
//	node, err := dht.NewNode(dht.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := node.Start(8881); err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Stop()
//
//	node.Bootstrap([]platform.Endpoint{{Addr: "127.0.0.1", Port: 6881}})
//	node.FindPeers(infoHash, func(ep platform.Endpoint) {
//	    fmt.Println("found peer", ep)
//	})
//	node.Announce(infoHash, 8080)
//
// # Thread Safety
//
// The routing table, token store and announcement store are individually
// locked; query correlation state has its own lock. No lock is held while
// waiting on the network or while invoking a caller's callback.
package dht
