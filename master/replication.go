package master

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	minigfs "github.com/kkyrenc/mini-gfs"
	"github.com/kkyrenc/mini-gfs/ring"
	"github.com/kkyrenc/mini-gfs/util"
)

// replicationManager drives every chunk back to its replica target. A
// periodic reconcile pass (plus kicks from the heartbeat monitor) compares
// live replicas against targets, issues copy commands to source nodes for
// deficits and trims excess replicas in reverse ring-preference order.
//
// At most one repair task is in flight per chunk. Failed tasks retry with an
// alternate destination a bounded number of times; after that the chunk is
// surfaced as degraded until cluster membership changes.
type replicationManager struct {
	cm   *chunkManager
	mon  *heartbeatMonitor
	ring *ring.Ring
	cfg  minigfs.Config

	mu       sync.Mutex
	pending  map[minigfs.ChunkID]*repairTask
	attempts map[minigfs.ChunkID]int
	tried    map[minigfs.ChunkID]map[minigfs.NodeID]bool
	gen      uint64 // membership generation the budgets were computed under

	queue   chan *repairTask
	kick    chan struct{}
	limiter *rate.Limiter

	readOnly func() bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type repairTask struct {
	id       string
	chunk    minigfs.ChunkID
	version  minigfs.ChunkVersion
	checksum minigfs.Checksum
	source   minigfs.NodeRef
	dest     minigfs.NodeRef
	attempt  int
	// superseded tasks run to completion but must not touch metadata.
	superseded atomic.Bool
}

func newReplicationManager(cm *chunkManager, mon *heartbeatMonitor, r *ring.Ring, cfg minigfs.Config, readOnly func() bool) *replicationManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &replicationManager{
		cm:       cm,
		mon:      mon,
		ring:     r,
		cfg:      cfg,
		pending:  make(map[minigfs.ChunkID]*repairTask),
		attempts: make(map[minigfs.ChunkID]int),
		tried:    make(map[minigfs.ChunkID]map[minigfs.NodeID]bool),
		queue:    make(chan *repairTask, cfg.ReplicationWorkers*2),
		kick:     make(chan struct{}, 1),
		limiter:  rate.NewLimiter(rate.Limit(cfg.ReplicationRate), cfg.ReplicationBurst),
		readOnly: readOnly,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (rm *replicationManager) Run() {
	rm.wg.Add(1 + rm.cfg.ReplicationWorkers)
	go rm.loop()
	for i := 0; i < rm.cfg.ReplicationWorkers; i++ {
		go rm.worker()
	}
}

func (rm *replicationManager) Stop() {
	rm.cancel()
	rm.wg.Wait()
}

// Kick schedules a reconcile pass soon; multiple kicks coalesce.
func (rm *replicationManager) Kick() {
	select {
	case rm.kick <- struct{}{}:
	default:
	}
}

func (rm *replicationManager) loop() {
	defer rm.wg.Done()
	ticker := time.NewTicker(rm.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rm.ctx.Done():
			return
		case <-ticker.C:
		case <-rm.kick:
		}
		rm.reconcile()
	}
}

func (rm *replicationManager) worker() {
	defer rm.wg.Done()
	for {
		select {
		case <-rm.ctx.Done():
			return
		case t := <-rm.queue:
			rm.execute(t)
		}
	}
}

func (rm *replicationManager) reconcile() {
	if rm.readOnly() {
		return // repairs mutate the chunk table, which a read-only master must not
	}

	// Membership moved since the budgets were computed: degraded chunks
	// get a fresh chance, tried destinations are forgotten.
	gen := rm.mon.Generation()
	rm.mu.Lock()
	if gen != rm.gen {
		rm.gen = gen
		rm.attempts = make(map[minigfs.ChunkID]int)
		rm.tried = make(map[minigfs.ChunkID]map[minigfs.NodeID]bool)
	}
	rm.mu.Unlock()

	for _, id := range rm.cm.IDs() {
		snap, ok := rm.cm.Get(id)
		if !ok {
			continue
		}
		rm.reconcileChunk(snap)
	}
}

func (rm *replicationManager) reconcileChunk(snap chunkSnapshot) {
	id := snap.ID

	live := 0
	var sources []minigfs.NodeID // only Alive nodes serve as copy sources
	for _, n := range snap.Replicas {
		switch rm.mon.State(n) {
		case minigfs.NodeAlive:
			live++
			sources = append(sources, n)
		case minigfs.NodeSuspect:
			live++
		}
	}

	rm.mu.Lock()
	if t := rm.pending[id]; t != nil {
		if rm.mon.State(t.dest.ID) != minigfs.NodeDead {
			rm.mu.Unlock()
			return // one task in flight per chunk
		}
		// destination died mid-copy: the old task completes harmlessly,
		// a replacement may be issued right away
		t.superseded.Store(true)
		delete(rm.pending, id)
		log.Warningf("repair of chunk %v to dead node %v superseded", id, t.dest.ID)
	}
	rm.mu.Unlock()

	if live >= snap.Target {
		if snap.Degraded {
			rm.cm.SetDegraded(id, false)
		}
		rm.mu.Lock()
		delete(rm.attempts, id)
		delete(rm.tried, id)
		rm.mu.Unlock()
		if live > snap.Target {
			rm.trimExcess(snap)
		}
		return
	}

	rm.scheduleRepair(snap, sources)
}

func (rm *replicationManager) scheduleRepair(snap chunkSnapshot, sources []minigfs.NodeID) {
	id := snap.ID
	if len(sources) == 0 {
		// nothing alive to copy from; keep surfacing the chunk until a
		// holder comes back
		rm.cm.SetDegraded(id, true)
		return
	}

	rm.mu.Lock()
	if rm.attempts[id] >= rm.cfg.ReplicationRetries {
		rm.mu.Unlock()
		rm.cm.SetDegraded(id, true)
		return
	}
	attempt := rm.attempts[id] + 1
	tried := rm.tried[id]
	rm.mu.Unlock()

	holders := make(map[minigfs.NodeID]bool, len(snap.Replicas))
	for _, n := range snap.Replicas {
		holders[n] = true
	}
	cands := rm.ring.LocateFunc(string(id), 1, func(n minigfs.NodeID) bool {
		return rm.mon.Alive(n) && !holders[n] && !tried[n]
	})
	if len(cands) == 0 {
		// no admissible destination under current membership
		rm.cm.SetDegraded(id, true)
		return
	}
	dest := cands[0]

	pick, err := util.Sample(len(sources), 1)
	if err != nil {
		return
	}
	src := sources[pick[0]]

	srcAddr, ok := rm.mon.AddressOf(src)
	if !ok {
		return
	}
	destAddr, ok := rm.mon.AddressOf(dest)
	if !ok {
		return
	}

	t := &repairTask{
		id:       uuid.NewString(),
		chunk:    id,
		version:  snap.Version,
		checksum: snap.Checksum,
		source:   minigfs.NodeRef{ID: src, Address: srcAddr},
		dest:     minigfs.NodeRef{ID: dest, Address: destAddr},
		attempt:  attempt,
	}

	rm.mu.Lock()
	if rm.pending[id] != nil {
		rm.mu.Unlock()
		return
	}
	rm.pending[id] = t
	rm.mu.Unlock()

	select {
	case rm.queue <- t:
		log.Infof("repair task %v: chunk %v from %v to %v, attempt %d", t.id, id, src, dest, attempt)
	default:
		// queue full; the deficit is rediscovered next pass
		rm.clearPending(t)
	}
}

func (rm *replicationManager) execute(t *repairTask) {
	if err := rm.limiter.Wait(rm.ctx); err != nil {
		rm.clearPending(t)
		return
	}
	if t.superseded.Load() {
		rm.clearPending(t)
		return
	}

	var reply minigfs.PushChunkReply
	err := util.CallTimeout(t.source.Address, "Node.RPCPushChunk", minigfs.PushChunkArg{
		Chunk:    t.chunk,
		Version:  t.version,
		To:       t.dest.Address,
		Checksum: t.checksum,
	}, &reply, rm.cfg.ReplicationTimeout)

	rm.clearPending(t)
	if t.superseded.Load() {
		// whether the copy landed will show up in inventory reports;
		// metadata stays untouched here
		return
	}
	if err != nil {
		log.Warningf("repair task %v failed: %v", t.id, err)
		rm.noteFailure(t)
		return
	}
	if rm.mon.State(t.dest.ID) == minigfs.NodeDead {
		return // died right after the copy; its next registration decides
	}
	if err := rm.cm.AddReplica(t.chunk, t.dest.ID); err != nil {
		log.Errorf("repair task %v copied chunk %v but the replica cannot be recorded: %v", t.id, t.chunk, err)
		return
	}
	log.Infof("repair task %v done: chunk %v now on %v", t.id, t.chunk, t.dest.ID)

	rm.mu.Lock()
	delete(rm.attempts, t.chunk)
	delete(rm.tried, t.chunk)
	rm.mu.Unlock()
	rm.Kick() // the chunk may still be short, or others may be waiting
}

func (rm *replicationManager) clearPending(t *repairTask) {
	rm.mu.Lock()
	if rm.pending[t.chunk] == t {
		delete(rm.pending, t.chunk)
	}
	rm.mu.Unlock()
}

func (rm *replicationManager) noteFailure(t *repairTask) {
	rm.mu.Lock()
	rm.attempts[t.chunk]++
	if rm.tried[t.chunk] == nil {
		rm.tried[t.chunk] = make(map[minigfs.NodeID]bool)
	}
	rm.tried[t.chunk][t.dest.ID] = true
	exhausted := rm.attempts[t.chunk] >= rm.cfg.ReplicationRetries
	rm.mu.Unlock()

	if exhausted {
		rm.cm.SetDegraded(t.chunk, true)
		return
	}
	rm.Kick() // retry promptly with an alternate destination
}

// trimExcess removes live replicas beyond the target, least ring-preferred
// first, and queues the deletions on the losing nodes. Replicas within the
// target are never touched.
func (rm *replicationManager) trimExcess(snap chunkSnapshot) {
	id := snap.ID
	type ranked struct {
		node minigfs.NodeID
		rank int
	}
	var live []ranked
	for _, n := range snap.Replicas {
		if rm.mon.State(n) == minigfs.NodeDead {
			continue
		}
		r := rm.ring.Rank(string(id), n)
		if r < 0 {
			r = math.MaxInt // off the ring entirely: first to go
		}
		live = append(live, ranked{node: n, rank: r})
	}
	sort.Slice(live, func(i, j int) bool { return live[i].rank > live[j].rank })

	for i := 0; i < len(live)-snap.Target; i++ {
		victim := live[i].node
		if err := rm.cm.RemoveReplica(id, victim); err != nil {
			log.Errorf("cannot trim replica of chunk %v on %v: %v", id, victim, err)
			return
		}
		rm.mon.AddGarbage(victim, id)
		log.Infof("trimmed excess replica of chunk %v on %v", id, victim)
	}
}
