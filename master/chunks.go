package master

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	minigfs "github.com/kkyrenc/mini-gfs"
)

// chunkManager owns the chunk table: id, version, replica target and the
// replica set of every chunk. Each chunk carries its own lock, so mutations
// of different chunks never serialize against each other; the manager's
// outer lock only covers the table maps themselves.
type chunkManager struct {
	sync.RWMutex
	chunks   map[minigfs.ChunkID]*chunkInfo
	holdings map[minigfs.NodeID]map[minigfs.ChunkID]bool // node -> chunks it is recorded to hold
	wal      *opLog
}

type chunkInfo struct {
	sync.Mutex
	id       minigfs.ChunkID
	version  minigfs.ChunkVersion
	target   int
	replicas map[minigfs.NodeID]bool
	primary  minigfs.NodeID // last lease holder, active while expire is in the future
	expire   time.Time
	checksum minigfs.Checksum // latest reported content checksum, rebuilt from inventories
	degraded bool             // under-replicated and the reconciler ran out of options
}

// chunkSnapshot is a consistent copy of one chunk's state for callers
// outside the manager.
type chunkSnapshot struct {
	ID       minigfs.ChunkID
	Version  minigfs.ChunkVersion
	Target   int
	Replicas []minigfs.NodeID
	Primary  minigfs.NodeID
	Expire   time.Time
	Checksum minigfs.Checksum
	Degraded bool
}

func newChunkManager(wal *opLog) *chunkManager {
	return &chunkManager{
		chunks:   make(map[minigfs.ChunkID]*chunkInfo),
		holdings: make(map[minigfs.NodeID]map[minigfs.ChunkID]bool),
		wal:      wal,
	}
}

func (cm *chunkManager) lookup(id minigfs.ChunkID) (*chunkInfo, error) {
	cm.RLock()
	defer cm.RUnlock()
	c, ok := cm.chunks[id]
	if !ok {
		return nil, minigfs.Errorf(minigfs.ChunkNotFound, "chunk %v not found", id)
	}
	return c, nil
}

// holdings index maintenance; callers hold cm.Lock.
func (cm *chunkManager) indexAdd(node minigfs.NodeID, id minigfs.ChunkID) {
	if cm.holdings[node] == nil {
		cm.holdings[node] = make(map[minigfs.ChunkID]bool)
	}
	cm.holdings[node][id] = true
}

func (cm *chunkManager) indexRemove(node minigfs.NodeID, id minigfs.ChunkID) {
	if set, ok := cm.holdings[node]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(cm.holdings, node)
		}
	}
}

// Create registers a new chunk at version 1 on the given replicas. The entry
// is logged before the chunk becomes visible.
func (cm *chunkManager) Create(path minigfs.Path, id minigfs.ChunkID, target int, replicas []minigfs.NodeID) error {
	cm.Lock()
	defer cm.Unlock()

	err := cm.wal.Append(&logEntry{
		Kind:     opAppendChunk,
		Path:     path,
		Chunk:    id,
		Version:  1,
		Target:   target,
		Replicas: replicas,
	})
	if err != nil {
		return err
	}

	c := &chunkInfo{
		id:       id,
		version:  1,
		target:   target,
		replicas: make(map[minigfs.NodeID]bool, len(replicas)),
	}
	for _, n := range replicas {
		c.replicas[n] = true
		cm.indexAdd(n, id)
	}
	cm.chunks[id] = c
	return nil
}

// Get returns a copy of the chunk's state.
func (cm *chunkManager) Get(id minigfs.ChunkID) (chunkSnapshot, bool) {
	c, err := cm.lookup(id)
	if err != nil {
		return chunkSnapshot{}, false
	}
	c.Lock()
	defer c.Unlock()
	return chunkSnapshot{
		ID:       c.id,
		Version:  c.version,
		Target:   c.target,
		Replicas: replicaList(c.replicas),
		Primary:  c.primary,
		Expire:   c.expire,
		Checksum: c.checksum,
		Degraded: c.degraded,
	}, true
}

// Location assembles the client-visible placement of a chunk. The primary is
// reported only while its lease is active; addrOf resolves replica addresses
// and drops nodes that have no known address.
func (cm *chunkManager) Location(id minigfs.ChunkID, now time.Time, addrOf func(minigfs.NodeID) (minigfs.ServerAddress, bool)) (minigfs.ChunkLocation, error) {
	c, err := cm.lookup(id)
	if err != nil {
		return minigfs.ChunkLocation{}, err
	}
	c.Lock()
	defer c.Unlock()

	loc := minigfs.ChunkLocation{
		ID:      c.id,
		Version: c.version,
	}
	if c.primary != "" && now.Before(c.expire) {
		loc.Primary = c.primary
		loc.Expire = c.expire
	}
	for _, n := range replicaList(c.replicas) {
		if addr, ok := addrOf(n); ok {
			loc.Replicas = append(loc.Replicas, minigfs.NodeRef{ID: n, Address: addr})
		}
	}
	return loc, nil
}

// AddReplica records that node now holds the chunk. No-op when already
// recorded. The full resulting set is logged, which keeps replay a plain
// overwrite.
func (cm *chunkManager) AddReplica(id minigfs.ChunkID, node minigfs.NodeID) error {
	return cm.mutateReplicas(id, func(set map[minigfs.NodeID]bool) bool {
		if set[node] {
			return false
		}
		set[node] = true
		return true
	})
}

// RemoveReplica records that node no longer holds the chunk.
func (cm *chunkManager) RemoveReplica(id minigfs.ChunkID, node minigfs.NodeID) error {
	return cm.mutateReplicas(id, func(set map[minigfs.NodeID]bool) bool {
		if !set[node] {
			return false
		}
		delete(set, node)
		return true
	})
}

func (cm *chunkManager) mutateReplicas(id minigfs.ChunkID, mutate func(map[minigfs.NodeID]bool) bool) error {
	c, err := cm.lookup(id)
	if err != nil {
		return err
	}
	c.Lock()
	defer c.Unlock()

	next := make(map[minigfs.NodeID]bool, len(c.replicas)+1)
	for n := range c.replicas {
		next[n] = true
	}
	if !mutate(next) {
		return nil
	}
	err = cm.wal.Append(&logEntry{
		Kind:     opSetReplicas,
		Chunk:    id,
		Replicas: replicaList(next),
	})
	if err != nil {
		return err
	}
	cm.installReplicas(c, next)
	return nil
}

// installReplicas swaps the replica set and keeps the holdings index in
// step. The caller holds c's lock.
func (cm *chunkManager) installReplicas(c *chunkInfo, next map[minigfs.NodeID]bool) {
	cm.Lock()
	defer cm.Unlock()
	for n := range c.replicas {
		if !next[n] {
			cm.indexRemove(n, c.id)
		}
	}
	for n := range next {
		if !c.replicas[n] {
			cm.indexAdd(n, c.id)
		}
	}
	c.replicas = next
}

// Remove drops the chunk record entirely and returns the nodes that were
// still holding it, so delete commands can be queued for them.
func (cm *chunkManager) Remove(id minigfs.ChunkID) ([]minigfs.NodeID, error) {
	c, err := cm.lookup(id)
	if err != nil {
		return nil, err
	}
	c.Lock()
	defer c.Unlock()

	if err := cm.wal.Append(&logEntry{Kind: opRemoveChunk, Chunk: id}); err != nil {
		return nil, err
	}
	holders := replicaList(c.replicas)

	cm.Lock()
	for n := range c.replicas {
		cm.indexRemove(n, id)
	}
	delete(cm.chunks, id)
	cm.Unlock()
	return holders, nil
}

// ChunksOn lists every chunk the node is recorded to hold.
func (cm *chunkManager) ChunksOn(node minigfs.NodeID) []minigfs.ChunkID {
	cm.RLock()
	defer cm.RUnlock()

	out := make([]minigfs.ChunkID, 0, len(cm.holdings[node]))
	for id := range cm.holdings[node] {
		out = append(out, id)
	}
	return out
}

// IDs returns every chunk id in the table.
func (cm *chunkManager) IDs() []minigfs.ChunkID {
	cm.RLock()
	defer cm.RUnlock()

	out := make([]minigfs.ChunkID, 0, len(cm.chunks))
	for id := range cm.chunks {
		out = append(out, id)
	}
	return out
}

func (cm *chunkManager) Count() int {
	cm.RLock()
	defer cm.RUnlock()
	return len(cm.chunks)
}

// SetChecksum keeps the latest reported content checksum. Soft state, never
// logged: it is rebuilt from inventories after a restart.
func (cm *chunkManager) SetChecksum(id minigfs.ChunkID, sum minigfs.Checksum) {
	c, err := cm.lookup(id)
	if err != nil {
		return
	}
	c.Lock()
	c.checksum = sum
	c.Unlock()
}

// SetDegraded flips the under-replicated-and-unresolved marker. Soft state.
func (cm *chunkManager) SetDegraded(id minigfs.ChunkID, degraded bool) {
	c, err := cm.lookup(id)
	if err != nil {
		return
	}
	c.Lock()
	changed := c.degraded != degraded
	c.degraded = degraded
	c.Unlock()
	if changed && degraded {
		log.Errorf("chunk %v is under-replicated and cannot be repaired right now", id)
	}
	if changed && !degraded {
		log.Infof("chunk %v recovered to its replica target", id)
	}
}

// Degraded lists the chunks the reconciler has given up on for now.
func (cm *chunkManager) Degraded() []minigfs.ChunkID {
	cm.RLock()
	chunks := make([]*chunkInfo, 0, len(cm.chunks))
	for _, c := range cm.chunks {
		chunks = append(chunks, c)
	}
	cm.RUnlock()

	var out []minigfs.ChunkID
	for _, c := range chunks {
		c.Lock()
		if c.degraded {
			out = append(out, c.id)
		}
		c.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FloorLeases pushes every recorded lease expiry to at least floor. Called
// once after recovery: renewals are not logged, so a lease may have been
// extended in memory right before the crash, but never beyond crash time
// plus one lease duration.
func (cm *chunkManager) FloorLeases(floor time.Time) {
	cm.RLock()
	chunks := make([]*chunkInfo, 0, len(cm.chunks))
	for _, c := range cm.chunks {
		chunks = append(chunks, c)
	}
	cm.RUnlock()

	for _, c := range chunks {
		c.Lock()
		if c.primary != "" && c.expire.Before(floor) {
			c.expire = floor
		}
		c.Unlock()
	}
}

func replicaList(set map[minigfs.NodeID]bool) []minigfs.NodeID {
	out := make([]minigfs.NodeID, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

//------ replay and checkpointing

func (cm *chunkManager) applyAppendChunk(e *logEntry) {
	cm.Lock()
	defer cm.Unlock()

	if _, ok := cm.chunks[e.Chunk]; ok {
		return
	}
	c := &chunkInfo{
		id:       e.Chunk,
		version:  e.Version,
		target:   e.Target,
		replicas: make(map[minigfs.NodeID]bool, len(e.Replicas)),
	}
	for _, n := range e.Replicas {
		c.replicas[n] = true
		cm.indexAdd(n, e.Chunk)
	}
	cm.chunks[e.Chunk] = c
}

func (cm *chunkManager) applySetReplicas(e *logEntry) {
	c, err := cm.lookup(e.Chunk)
	if err != nil {
		return
	}
	next := make(map[minigfs.NodeID]bool, len(e.Replicas))
	for _, n := range e.Replicas {
		next[n] = true
	}
	c.Lock()
	cm.installReplicas(c, next)
	c.Unlock()
}

// applyLeaseGrant is idempotent through the version monotonicity rule: the
// version only moves forward.
func (cm *chunkManager) applyLeaseGrant(e *logEntry) {
	c, err := cm.lookup(e.Chunk)
	if err != nil {
		return
	}
	c.Lock()
	if e.Version > c.version {
		c.version = e.Version
	}
	c.primary = e.Node
	c.expire = e.Expire
	c.Unlock()
}

func (cm *chunkManager) applyRemoveChunk(e *logEntry) {
	cm.Lock()
	defer cm.Unlock()

	c, ok := cm.chunks[e.Chunk]
	if !ok {
		return
	}
	for n := range c.replicas {
		cm.indexRemove(n, e.Chunk)
	}
	delete(cm.chunks, e.Chunk)
}

func (cm *chunkManager) snapshot() []chunkRecord {
	cm.RLock()
	chunks := make([]*chunkInfo, 0, len(cm.chunks))
	for _, c := range cm.chunks {
		chunks = append(chunks, c)
	}
	cm.RUnlock()

	out := make([]chunkRecord, 0, len(chunks))
	for _, c := range chunks {
		c.Lock()
		out = append(out, chunkRecord{
			ID:       c.id,
			Version:  c.version,
			Target:   c.target,
			Replicas: replicaList(c.replicas),
			Primary:  c.primary,
			Expire:   c.expire,
		})
		c.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (cm *chunkManager) load(recs []chunkRecord) {
	cm.Lock()
	defer cm.Unlock()

	for _, rec := range recs {
		c := &chunkInfo{
			id:       rec.ID,
			version:  rec.Version,
			target:   rec.Target,
			replicas: make(map[minigfs.NodeID]bool, len(rec.Replicas)),
			primary:  rec.Primary,
			expire:   rec.Expire,
		}
		for _, n := range rec.Replicas {
			c.replicas[n] = true
			cm.indexAdd(n, rec.ID)
		}
		cm.chunks[rec.ID] = c
	}
}
