// Package master implements the coordination service of the cluster: the
// file and chunk tables, node health tracking, lease management, garbage
// collection and replica repair. Storage nodes and clients reach it over
// net/rpc; chunk data never flows through it.
package master

import (
	"net"
	"net/rpc"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	minigfs "github.com/kkyrenc/mini-gfs"
	"github.com/kkyrenc/mini-gfs/ring"
)

// Master Server struct
type Master struct {
	address  minigfs.ServerAddress
	dir      string
	cfg      minigfs.Config
	l        net.Listener
	shutdown chan struct{}
	stopped  atomic.Bool

	// readOnly is set when recovery finds the log corrupt or truncated.
	// Every mutating operation is refused until an operator intervenes.
	readOnly atomic.Bool

	wal  *opLog
	ring *ring.Ring
	nm   *namespaceManager
	cm   *chunkManager
	mon  *heartbeatMonitor
	lm   *leaseManager
	rm   *replicationManager
	gc   *collector
}

// NewAndServe recovers the metadata under dir, starts serving RPC on addr
// and launches the background loops.
func NewAndServe(addr minigfs.ServerAddress, dir string, cfg minigfs.Config) (*Master, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Master{
		address:  addr,
		dir:      dir,
		cfg:      cfg,
		shutdown: make(chan struct{}),
	}

	if err := m.recover(); err != nil {
		return nil, err
	}

	m.mon = newHeartbeatMonitor(m.cm, m.ring, cfg.HeartbeatInterval, cfg.HeartbeatMissLimit)
	m.lm = newLeaseManager(m.cm, m.mon.State, cfg.LeaseDuration)
	m.rm = newReplicationManager(m.cm, m.mon, m.ring, cfg, m.readOnly.Load)
	m.gc = newCollector(cfg.GCGracePeriod)
	m.mon.notify = m.rm.Kick

	rpcs := rpc.NewServer()
	if err := rpcs.Register(m); err != nil {
		return nil, errors.Wrap(err, "register rpc")
	}
	l, err := net.Listen("tcp", string(m.address))
	if err != nil {
		return nil, errors.Wrap(err, "listen")
	}
	m.l = l

	// RPC Handler
	go func() {
		for {
			conn, err := m.l.Accept()
			if err != nil {
				select {
				case <-m.shutdown:
				default:
					log.Errorf("accept error: %v", err)
				}
				return
			}
			go func() {
				rpcs.ServeConn(conn)
				conn.Close()
			}()
		}
	}()

	m.rm.Run()
	m.every(cfg.HeartbeatInterval, m.sweepOnce)
	m.every(cfg.GCInterval, m.collectOnce)

	log.Infof("Master is running now. addr = %v", addr)
	return m, nil
}

// recover loads the checkpoint and replays the log tail. Corruption is not
// fatal for reads: the valid prefix is applied and the master comes up
// read-only.
func (m *Master) recover() error {
	wal, rec, err := openLog(m.dir)
	if err != nil {
		return err
	}
	m.wal = wal
	m.ring = ring.New(m.cfg.VirtualNodes)
	m.nm = newNamespaceManager(wal)
	m.cm = newChunkManager(wal)

	if rec.checkpoint != nil {
		m.nm.load(rec.checkpoint.Files)
		m.cm.load(rec.checkpoint.Chunks)
	}
	for i := range rec.entries {
		if err := m.applyEntry(&rec.entries[i]); err != nil {
			rec.err = err
			break
		}
	}
	if rec.err != nil {
		m.readOnly.Store(true)
		m.wal.corrupt = true
		log.Errorf("recovery log is damaged, refusing writes until repaired: %v", rec.err)
	} else if rec.checkpoint != nil || len(rec.entries) > 0 {
		log.Infof("recovered %v files and %v chunks, %v log entries replayed", m.nm.Count(), m.cm.Count(), len(rec.entries))
	}

	// Renewals are not logged. A lease extended just before the crash is
	// still bounded by crash time plus one duration, so flooring every
	// recorded lease keeps former holders fenced.
	m.cm.FloorLeases(time.Now().Add(m.cfg.LeaseDuration))
	return nil
}

func (m *Master) applyEntry(e *logEntry) error {
	switch e.Kind {
	case opCreateFile:
		m.nm.applyCreate(e)
	case opDeleteFile:
		m.nm.applyDelete(e)
	case opAppendChunk:
		m.cm.applyAppendChunk(e)
		m.nm.applyAttach(e.Path, e.Chunk)
	case opSetReplicas:
		m.cm.applySetReplicas(e)
	case opLeaseGrant:
		m.cm.applyLeaseGrant(e)
	case opRemoveChunk:
		m.cm.applyRemoveChunk(e)
	default:
		return errors.Errorf("log entry %d has unknown kind %d", e.Seq, e.Kind)
	}
	return nil
}

// every runs f on a fixed cadence until shutdown.
func (m *Master) every(d time.Duration, f func()) {
	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-m.shutdown:
				return
			case <-ticker.C:
				f()
			}
		}
	}()
}

func (m *Master) sweepOnce() {
	m.mon.Sweep(time.Now())
}

// collectOnce is the lazy deletion pass: orphaned chunks enter the grace
// queue on first sighting and are dropped, with delete commands queued for
// their holders, once the grace period has passed. Old tombstones and the
// log are compacted on the same cadence.
func (m *Master) collectOnce() {
	now := time.Now()
	live := m.nm.LiveChunks()

	for _, id := range m.cm.IDs() {
		if live[id] {
			m.gc.Forget(id)
		} else {
			m.gc.Note(id, now)
		}
	}

	if m.readOnly.Load() {
		return
	}
	for _, id := range m.gc.Due(now) {
		if live[id] {
			continue
		}
		holders, err := m.cm.Remove(id)
		if err != nil {
			log.Errorf("cannot collect chunk %v: %v", id, err)
			continue
		}
		for _, n := range holders {
			m.mon.AddGarbage(n, id)
		}
		log.Infof("collected orphaned chunk %v, delete queued on %v node(s)", id, len(holders))
	}
	m.nm.PruneGraves(now.Add(-m.cfg.GCGracePeriod))
	m.maybeCheckpoint()
}

func (m *Master) maybeCheckpoint() {
	if !m.wal.NeedCheckpoint(m.cfg.CheckpointEvery) {
		return
	}
	cp := &checkpointState{
		Files:  m.nm.snapshot(),
		Chunks: m.cm.snapshot(),
	}
	if err := m.wal.WriteCheckpoint(cp); err != nil {
		log.Errorf("checkpoint failed: %v", err)
		return
	}
	log.Infof("checkpoint written: %v files, %v chunks", len(cp.Files), len(cp.Chunks))
}

// Shutdown shuts down master. Safe to call twice.
func (m *Master) Shutdown() {
	if m.stopped.Swap(true) {
		return
	}
	close(m.shutdown)
	m.l.Close()
	m.rm.Stop()
	if err := m.wal.Close(); err != nil {
		log.Errorf("closing recovery log: %v", err)
	}
	log.Infof("Master at %v is down", m.address)
}

// writable gates every mutating RPC.
func (m *Master) writable() error {
	if m.readOnly.Load() {
		return minigfs.Errorf(minigfs.ReadOnlyMaster, "master is read-only: recovery log damaged")
	}
	return nil
}

// allocateChunk creates one chunk for path, placed on the ring's first
// choices among alive nodes. Placement never exceeds the file's replica
// target; when fewer nodes qualify the chunk starts under-replicated and the
// reconciler finishes the job as nodes arrive.
func (m *Master) allocateChunk(path minigfs.Path) (minigfs.ChunkID, error) {
	return m.nm.AllocateChunk(path, func(target int) (minigfs.ChunkID, error) {
		id := minigfs.ChunkID(uuid.NewString())
		replicas := m.ring.LocateFunc(string(id), target, m.mon.Alive)
		if len(replicas) == 0 {
			return "", minigfs.Errorf(minigfs.NoEnoughNodes, "no alive node can hold a new chunk of %v", path)
		}
		if len(replicas) < target {
			log.Warningf("chunk %v starts with %v of %v replicas, not enough alive nodes", id, len(replicas), target)
		}
		if err := m.cm.Create(path, id, target, replicas); err != nil {
			return "", err
		}
		return id, nil
	})
}
