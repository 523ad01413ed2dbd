package dht

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rats/platform"
)

// alpha is the Kademlia concurrency parameter: queries in flight per
// lookup round.
const alpha = 3

// candidate is one shortlist entry during an iterative lookup.
type candidate struct {
	rec     *NodeRecord
	queried bool
	failed  bool
	token   string
}

// lookupResult carries everything a lookup learned: discovered peer
// endpoints, the closest responsive nodes, and their announce tokens.
type lookupResult struct {
	peers   []platform.Endpoint
	closest []*candidate
}

// FindPeers performs an iterative get_peers lookup for infoHash. Each
// discovered endpoint is passed to emit as it arrives (emit may be nil) and
// the full de-duplicated set is returned.
func (n *Node) FindPeers(infoHash InfoHash, emit func(platform.Endpoint)) ([]platform.Endpoint, error) {
	n.mu.Lock()
	running := n.running
	n.mu.Unlock()
	if !running {
		return nil, ErrNotRunning
	}

	res := n.iterativeLookup(infoHash, methodGetPeers, emit)
	return res.peers, nil
}

// Announce publishes that the local peer serves infoHash on port. It looks
// up the closest nodes, then sends announce_peer to each one that issued a
// token. The announcement is repeated periodically until Stop.
func (n *Node) Announce(infoHash InfoHash, port uint16) error {
	n.mu.Lock()
	running := n.running
	n.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	n.annMu.Lock()
	n.announced[infoHash] = port
	n.annMu.Unlock()

	return n.announceOnce(infoHash, port)
}

// announceOnce performs one lookup-and-announce round.
func (n *Node) announceOnce(infoHash InfoHash, port uint16) error {
	res := n.iterativeLookup(infoHash, methodGetPeers, nil)

	sent := 0
	for _, cand := range res.closest {
		if cand.token == "" {
			continue
		}
		go func(rec *NodeRecord, token string) {
			_, err := n.query(rec.Addr, methodAnnouncePeer, map[string]any{
				"id":        string(n.id[:]),
				"info_hash": string(infoHash[:]),
				"port":      int(port),
				"token":     token,
			})
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function":  "announceOnce",
					"node":      rec.ID.String(),
					"info_hash": infoHash.String(),
					"error":     err.Error(),
				}).Debug("announce_peer failed")
			}
		}(cand.rec, cand.token)
		sent++
	}

	logrus.WithFields(logrus.Fields{
		"function":  "announceOnce",
		"info_hash": infoHash.String(),
		"targets":   sent,
	}).Debug("Announced info hash")
	return nil
}

// lookup is the find_node flavor used by Bootstrap for the self-lookup.
func (n *Node) lookup(target NodeID, emit func(platform.Endpoint)) {
	n.iterativeLookup(target, methodFindNode, emit)
}

// iterativeLookup runs the Kademlia lookup procedure: keep a shortlist of
// the closest known candidates, query the alpha nearest un-queried ones in
// parallel each round, and fold node suggestions and peer values back in.
// It terminates when the BucketSize closest known candidates have all been
// queried or a round makes no progress.
func (n *Node) iterativeLookup(target NodeID, method string, emit func(platform.Endpoint)) *lookupResult {
	n.table.Touch(target)

	shortlist := make(map[NodeID]*candidate)
	for _, rec := range n.table.FindClosest(target, BucketSize*2) {
		shortlist[rec.ID] = &candidate{rec: rec}
	}

	res := &lookupResult{}
	seenPeers := make(map[string]struct{})

	args := map[string]any{"id": string(n.id[:])}
	if method == methodGetPeers {
		args["info_hash"] = string(target[:])
	} else {
		args["target"] = string(target[:])
	}

	for {
		batch := nextLookupBatch(shortlist, target)
		if len(batch) == 0 {
			break
		}

		type reply struct {
			cand  *candidate
			body  *krpcResponseBody
			nodes []*NodeRecord
		}
		replies := make(chan reply, len(batch))

		var wg sync.WaitGroup
		for _, cand := range batch {
			cand.queried = true
			wg.Add(1)
			go func(c *candidate) {
				defer wg.Done()
				body, err := n.query(c.rec.Addr, method, args)
				if err != nil {
					c.failed = true
					n.table.MarkQuestionable(c.rec.ID)
					return
				}
				replies <- reply{cand: c, body: body, nodes: n.integrateResponse(c.rec.Addr, body)}
			}(cand)
		}
		wg.Wait()
		close(replies)

		progressed := false
		for r := range replies {
			r.cand.token = r.body.Token

			for _, rec := range r.nodes {
				if rec.ID == n.id {
					continue
				}
				if _, known := shortlist[rec.ID]; !known {
					shortlist[rec.ID] = &candidate{rec: rec}
					progressed = true
				}
			}

			for _, value := range r.body.Values {
				ep, err := ParseCompactPeer([]byte(value))
				if err != nil {
					continue
				}
				if _, dup := seenPeers[ep.String()]; dup {
					continue
				}
				seenPeers[ep.String()] = struct{}{}
				res.peers = append(res.peers, ep)
				if emit != nil {
					emit(ep)
				}
			}
		}

		if !progressed || lookupConverged(shortlist, target) {
			break
		}
	}

	// The closest queried, responsive candidates are the announce targets.
	var done []*candidate
	for _, cand := range shortlist {
		if cand.queried && !cand.failed {
			done = append(done, cand)
		}
	}
	sort.Slice(done, func(i, j int) bool {
		return done[i].rec.ID.Distance(target).Less(done[j].rec.ID.Distance(target))
	})
	if len(done) > BucketSize {
		done = done[:BucketSize]
	}
	res.closest = done

	logrus.WithFields(logrus.Fields{
		"function": "iterativeLookup",
		"target":   target.String(),
		"method":   method,
		"peers":    len(res.peers),
		"closest":  len(res.closest),
	}).Debug("Lookup finished")
	return res
}

// nextLookupBatch picks the alpha closest un-queried candidates.
func nextLookupBatch(shortlist map[NodeID]*candidate, target NodeID) []*candidate {
	var pending []*candidate
	for _, cand := range shortlist {
		if !cand.queried {
			pending = append(pending, cand)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].rec.ID.Distance(target).Less(pending[j].rec.ID.Distance(target))
	})
	if len(pending) > alpha {
		pending = pending[:alpha]
	}
	return pending
}

// lookupConverged reports whether the BucketSize closest candidates have
// all been queried.
func lookupConverged(shortlist map[NodeID]*candidate, target NodeID) bool {
	all := make([]*candidate, 0, len(shortlist))
	for _, cand := range shortlist {
		all = append(all, cand)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].rec.ID.Distance(target).Less(all[j].rec.ID.Distance(target))
	})
	if len(all) > BucketSize {
		all = all[:BucketSize]
	}
	for _, cand := range all {
		if !cand.queried {
			return false
		}
	}
	return true
}
