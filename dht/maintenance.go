package dht

import (
	"time"

	"github.com/sirupsen/logrus"
)

// maintenanceTick is how often the maintenance loop wakes up to check its
// schedules. Each individual task keeps its own interval.
const maintenanceTick = 30 * time.Second

// maintenanceLoop drives the periodic tasks: stale-bucket refresh,
// re-announcement of active info-hashes, announcement expiry and pruning of
// questionable nodes.
func (n *Node) maintenanceLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(maintenanceTick)
	defer ticker.Stop()

	lastRefresh := time.Now()
	lastAnnounce := time.Now()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		if now.Sub(lastRefresh) >= n.cfg.RefreshInterval {
			lastRefresh = now
			n.refreshStaleBuckets()
		}
		if now.Sub(lastAnnounce) >= n.cfg.ReannounceInterval {
			lastAnnounce = now
			n.reannounce()
		}
		n.expireAnnouncements()
		n.pruneQuestionable()
	}
}

// refreshStaleBuckets issues a find_node lookup on a random ID inside every
// bucket that saw no activity during the refresh interval.
func (n *Node) refreshStaleBuckets() {
	stale := n.table.StaleBuckets(n.cfg.RefreshInterval)
	if len(stale) == 0 {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "refreshStaleBuckets",
		"buckets":  len(stale),
	}).Debug("Refreshing stale buckets")

	for _, idx := range stale {
		target, err := RandomIDInBucket(n.id, idx)
		if err != nil {
			continue
		}
		n.lookup(target, nil)

		select {
		case <-n.ctx.Done():
			return
		default:
		}
	}
}

// reannounce repeats announce_peer for every info-hash this node is
// actively announcing.
func (n *Node) reannounce() {
	n.annMu.Lock()
	active := make(map[InfoHash]uint16, len(n.announced))
	for hash, port := range n.announced {
		active[hash] = port
	}
	n.annMu.Unlock()

	for hash, port := range active {
		if err := n.announceOnce(hash, port); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "reannounce",
				"info_hash": hash.String(),
				"error":     err.Error(),
			}).Warn("Re-announce failed")
		}
	}
}

// expireAnnouncements drops stored peer announcements older than the TTL.
func (n *Node) expireAnnouncements() {
	cutoff := time.Now().Add(-n.cfg.AnnouncementTTL)

	n.annMu.Lock()
	defer n.annMu.Unlock()
	for hash, entries := range n.announcements {
		for key, entry := range entries {
			if entry.seen.Before(cutoff) {
				delete(entries, key)
			}
		}
		if len(entries) == 0 {
			delete(n.announcements, hash)
		}
	}
}

// pruneQuestionable removes nodes that failed their queries and have not
// been heard from for a full refresh interval. Fresher questionable nodes
// stay until a bucket insertion needs their slot.
func (n *Node) pruneQuestionable() {
	cutoff := time.Now().Add(-n.cfg.RefreshInterval)
	for _, rec := range n.table.AllNodes() {
		if rec.Status == StatusQuestionable && rec.LastSeen.Before(cutoff) {
			n.table.RemoveNode(rec.ID)
		}
	}
}
