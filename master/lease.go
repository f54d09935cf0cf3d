package master

import (
	"time"

	log "github.com/sirupsen/logrus"

	minigfs "github.com/kkyrenc/mini-gfs"
)

// leaseManager hands out the exclusive, time-bounded write lease of each
// chunk. A lease is never revoked; it lapses on its own and holders must
// stop writing at expiry. Granting a fresh lease bumps the chunk version,
// which is what fences writes by former holders.
type leaseManager struct {
	cm       *chunkManager
	state    func(minigfs.NodeID) minigfs.NodeState
	duration time.Duration
}

func newLeaseManager(cm *chunkManager, state func(minigfs.NodeID) minigfs.NodeState, duration time.Duration) *leaseManager {
	return &leaseManager{cm: cm, state: state, duration: duration}
}

// Grant gives node the chunk's lease. It succeeds when no active lease
// exists, when node already holds it (renewal), or when the current holder
// is Dead. Renewal only pushes the expiry; a fresh grant also increments the
// chunk version and is logged before it takes effect. Conflicts fail with
// the current holder named, and the returned Lease describes that holder so
// callers can surface it.
func (lm *leaseManager) Grant(id minigfs.ChunkID, node minigfs.NodeID, now time.Time) (minigfs.Lease, error) {
	if lm.state(node) == minigfs.NodeDead {
		return minigfs.Lease{}, minigfs.Errorf(minigfs.NodeUnknown, "node %v is not registered as alive", node)
	}

	c, err := lm.cm.lookup(id)
	if err != nil {
		return minigfs.Lease{}, err
	}
	c.Lock()
	defer c.Unlock()

	if !c.replicas[node] {
		return minigfs.Lease{}, minigfs.Errorf(minigfs.NodeNotReplica, "node %v holds no replica of chunk %v", node, id)
	}

	current := minigfs.Lease{Primary: c.primary, Version: c.version, Expire: c.expire}
	active := current.Active(now) && lm.state(c.primary) != minigfs.NodeDead
	switch {
	case active && c.primary == node:
		// renewal: extend only. Not logged; recovery floors every
		// lease by one duration, which covers extensions lost in a
		// crash.
		c.expire = now.Add(lm.duration)

	case active:
		return current,
			minigfs.Errorf(minigfs.LeaseConflict, "chunk %v is leased by %v until %v", id, c.primary, c.expire.Format(time.RFC3339Nano))

	default:
		expire := now.Add(lm.duration)
		err := lm.cm.wal.Append(&logEntry{
			Kind:    opLeaseGrant,
			Chunk:   id,
			Node:    node,
			Version: c.version + 1,
			Expire:  expire,
		})
		if err != nil {
			return minigfs.Lease{}, err
		}
		c.version++
		c.primary = node
		c.expire = expire
		log.Infof("lease on chunk %v granted to %v until %v, version %v", id, node, expire.Format(time.RFC3339Nano), c.version)
	}

	return minigfs.Lease{Primary: node, Version: c.version, Expire: c.expire}, nil
}

// Verify reports whether node currently holds the chunk's lease. Storage
// nodes call this before applying a write they were asked to lead.
func (lm *leaseManager) Verify(id minigfs.ChunkID, node minigfs.NodeID, now time.Time) (minigfs.Lease, bool, error) {
	c, err := lm.cm.lookup(id)
	if err != nil {
		return minigfs.Lease{}, false, err
	}
	c.Lock()
	defer c.Unlock()

	lease := minigfs.Lease{Primary: c.primary, Version: c.version, Expire: c.expire}
	return lease, lease.Active(now) && c.primary == node, nil
}
