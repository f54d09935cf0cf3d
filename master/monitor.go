package master

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	minigfs "github.com/kkyrenc/mini-gfs"
	"github.com/kkyrenc/mini-gfs/ring"
)

// heartbeatMonitor tracks storage node health. Nodes move Alive -> Suspect
// after one missed heartbeat interval and Suspect -> Dead after
// missLimit consecutive missed intervals. A Dead node never comes back
// through heartbeats alone: its beats are answered with a re-registration
// demand until it goes through Register again.
type heartbeatMonitor struct {
	sync.RWMutex
	nodes map[minigfs.NodeID]*nodeInfo

	cm        *chunkManager
	ring      *ring.Ring
	interval  time.Duration
	missLimit int

	// gen counts membership changes (registrations, deregistrations,
	// deaths). The reconciler resets its retry budgets when it moves.
	gen atomic.Uint64
	// notify pokes the reconciler; set once during wiring.
	notify func()
}

type nodeInfo struct {
	sync.Mutex
	id   minigfs.NodeID
	addr minigfs.ServerAddress // written only under the monitor's write lock

	state      atomic.Int32 // minigfs.NodeState; transitions happen under Mutex
	lastBeat   time.Time
	missed     int
	capacity   int64
	used       int64
	chunkCount int
	garbage    []minigfs.ChunkID // chunk deletions to piggyback on the next beat
}

func (n *nodeInfo) loadState() minigfs.NodeState {
	return minigfs.NodeState(n.state.Load())
}

func newHeartbeatMonitor(cm *chunkManager, r *ring.Ring, interval time.Duration, missLimit int) *heartbeatMonitor {
	return &heartbeatMonitor{
		nodes:     make(map[minigfs.NodeID]*nodeInfo),
		cm:        cm,
		ring:      r,
		interval:  interval,
		missLimit: missLimit,
	}
}

func (mon *heartbeatMonitor) bump() {
	mon.gen.Add(1)
}

func (mon *heartbeatMonitor) Generation() uint64 {
	return mon.gen.Load()
}

func (mon *heartbeatMonitor) kickReconciler() {
	if mon.notify != nil {
		mon.notify()
	}
}

// Register admits a node, first contact and Dead-node readmission alike.
// The reported inventory is adopted, so a node that kept its disk across an
// outage contributes its replicas back (the reconciler trims any resulting
// excess). The returned garbage names reported chunks the master no longer
// wants.
func (mon *heartbeatMonitor) Register(args minigfs.RegisterNodeArg, now time.Time) ([]minigfs.ChunkID, error) {
	if args.ID == "" || args.Address == "" {
		return nil, minigfs.Errorf(minigfs.UnknownError, "registration needs a node id and an address")
	}

	mon.Lock()
	n, ok := mon.nodes[args.ID]
	if !ok {
		n = &nodeInfo{id: args.ID}
		mon.nodes[args.ID] = n
		log.Infof("new node %v at %v", args.ID, args.Address)
	} else {
		log.Infof("node %v re-registered at %v", args.ID, args.Address)
	}
	n.addr = args.Address
	mon.Unlock()

	n.Lock()
	n.lastBeat = now
	n.missed = 0
	n.capacity = args.CapacityBytes
	n.used = args.UsedBytes
	n.chunkCount = len(args.Chunks)
	n.garbage = nil
	n.state.Store(int32(minigfs.NodeAlive))
	n.Unlock()

	mon.ring.Add(args.ID)
	garbage := mon.syncInventory(n, args.Chunks)

	mon.bump()
	mon.kickReconciler()
	return garbage, nil
}

// Deregister takes a node out of service deliberately. Its replicas are
// recorded lost so the reconciler re-creates them elsewhere.
func (mon *heartbeatMonitor) Deregister(id minigfs.NodeID) error {
	mon.Lock()
	_, ok := mon.nodes[id]
	if !ok {
		mon.Unlock()
		return minigfs.Errorf(minigfs.NodeUnknown, "node %v is not registered", id)
	}
	delete(mon.nodes, id)
	mon.Unlock()

	mon.ring.Remove(id)
	mon.dropHoldings(id)
	log.Infof("node %v deregistered", id)

	mon.bump()
	mon.kickReconciler()
	return nil
}

// Beat handles one heartbeat. Unknown and Dead senders are told to go
// through registration, as is a node beating from an address other than the
// one it registered with: that is a new incarnation whose inventory must be
// re-adopted. Beats of unrelated nodes never contend: only the sender's own
// record is touched.
func (mon *heartbeatMonitor) Beat(args minigfs.HeartbeatArg, now time.Time) minigfs.HeartbeatReply {
	mon.RLock()
	n, ok := mon.nodes[args.ID]
	var addr minigfs.ServerAddress
	if ok {
		addr = n.addr
	}
	mon.RUnlock()
	if !ok {
		return minigfs.HeartbeatReply{Reregister: true}
	}
	if args.Address != "" && args.Address != addr {
		log.Warningf("node %v beats from %v but registered at %v", args.ID, args.Address, addr)
		return minigfs.HeartbeatReply{Reregister: true}
	}

	n.Lock()
	if n.loadState() == minigfs.NodeDead {
		n.Unlock()
		return minigfs.HeartbeatReply{Reregister: true}
	}
	was := n.loadState()
	n.state.Store(int32(minigfs.NodeAlive))
	n.lastBeat = now
	n.missed = 0
	n.capacity = args.CapacityBytes
	n.used = args.UsedBytes
	n.chunkCount = len(args.Chunks)
	n.Unlock()
	if was == minigfs.NodeSuspect {
		log.Infof("node %v is alive again", args.ID)
	}

	garbage := mon.syncInventory(n, args.Chunks)

	n.Lock()
	garbage = append(garbage, n.garbage...)
	n.garbage = nil
	n.Unlock()
	return minigfs.HeartbeatReply{Garbage: garbage}
}

// syncInventory reconciles a node's reported chunk list against the chunk
// table. Unknown and stale chunks become garbage, unexpected matching
// replicas are adopted, and chunks the table records on this node but the
// node no longer reports are treated as silently lost. Called without any
// monitor lock held.
func (mon *heartbeatMonitor) syncInventory(n *nodeInfo, reports []minigfs.ChunkReport) []minigfs.ChunkID {
	held := mon.cm.ChunksOn(n.id)

	var garbage []minigfs.ChunkID
	changed := false
	reported := make(map[minigfs.ChunkID]bool, len(reports))
	for _, rep := range reports {
		reported[rep.ID] = true
		snap, ok := mon.cm.Get(rep.ID)
		switch {
		case !ok:
			garbage = append(garbage, rep.ID)
		case rep.Version < snap.Version:
			log.Warningf("node %v holds chunk %v at stale version %v (current %v)", n.id, rep.ID, rep.Version, snap.Version)
			garbage = append(garbage, rep.ID)
			if err := mon.cm.RemoveReplica(rep.ID, n.id); err != nil {
				log.Errorf("cannot drop stale replica of %v on %v: %v", rep.ID, n.id, err)
			} else {
				changed = true
			}
		case rep.Version > snap.Version:
			log.Errorf("node %v reports chunk %v at version %v, ahead of the table (%v); ignoring", n.id, rep.ID, rep.Version, snap.Version)
		default:
			mon.cm.SetChecksum(rep.ID, rep.Checksum)
			if !containsNode(snap.Replicas, n.id) {
				if err := mon.cm.AddReplica(rep.ID, n.id); err != nil {
					log.Errorf("cannot adopt replica of %v on %v: %v", rep.ID, n.id, err)
				} else {
					log.Infof("adopted replica of chunk %v on node %v", rep.ID, n.id)
					changed = true
				}
			}
		}
	}

	for _, id := range held {
		if reported[id] {
			continue
		}
		log.Warningf("node %v silently lost chunk %v", n.id, id)
		if err := mon.cm.RemoveReplica(id, n.id); err != nil {
			log.Errorf("cannot record replica loss of %v on %v: %v", id, n.id, err)
		} else {
			changed = true
		}
	}

	if changed {
		mon.kickReconciler()
	}
	return garbage
}

// Sweep advances the health state machine. It runs once per heartbeat
// interval from the master's background loop, so state transitions are
// serialized while beats of healthy nodes stay untouched.
func (mon *heartbeatMonitor) Sweep(now time.Time) []minigfs.NodeID {
	mon.RLock()
	nodes := make([]*nodeInfo, 0, len(mon.nodes))
	for _, n := range mon.nodes {
		nodes = append(nodes, n)
	}
	mon.RUnlock()

	var dead []minigfs.NodeID
	for _, n := range nodes {
		n.Lock()
		st := n.loadState()
		if st == minigfs.NodeDead {
			n.Unlock()
			continue
		}
		elapsed := now.Sub(n.lastBeat)
		if elapsed <= mon.interval {
			n.Unlock()
			continue
		}
		n.missed = int(elapsed / mon.interval)
		if n.missed >= mon.missLimit {
			n.state.Store(int32(minigfs.NodeDead))
			n.garbage = nil
			dead = append(dead, n.id)
			log.Warningf("node %v declared dead after %d missed heartbeats", n.id, n.missed)
		} else if st == minigfs.NodeAlive {
			n.state.Store(int32(minigfs.NodeSuspect))
			log.Warningf("node %v is suspect, %d missed heartbeat(s)", n.id, n.missed)
		}
		n.Unlock()
	}

	for _, id := range dead {
		mon.ring.Remove(id)
		mon.dropHoldings(id)
		mon.bump()
	}
	if len(dead) > 0 {
		mon.kickReconciler()
	}
	return dead
}

// dropHoldings records the loss of every replica on a departed node so the
// deficit becomes visible to the reconciler. The node record itself stays
// (death is remembered), only the chunk table is touched.
func (mon *heartbeatMonitor) dropHoldings(id minigfs.NodeID) {
	for _, chunk := range mon.cm.ChunksOn(id) {
		if err := mon.cm.RemoveReplica(chunk, id); err != nil {
			log.Errorf("cannot record replica loss of chunk %v on node %v: %v", chunk, id, err)
		}
	}
}

// State reports a node's health; unknown nodes count as Dead for every
// placement or lease decision.
func (mon *heartbeatMonitor) State(id minigfs.NodeID) minigfs.NodeState {
	mon.RLock()
	n, ok := mon.nodes[id]
	mon.RUnlock()
	if !ok {
		return minigfs.NodeDead
	}
	return n.loadState()
}

func (mon *heartbeatMonitor) Alive(id minigfs.NodeID) bool {
	return mon.State(id) == minigfs.NodeAlive
}

// AddressOf resolves a node's RPC address.
func (mon *heartbeatMonitor) AddressOf(id minigfs.NodeID) (minigfs.ServerAddress, bool) {
	mon.RLock()
	defer mon.RUnlock()
	n, ok := mon.nodes[id]
	if !ok {
		return "", false
	}
	return n.addr, true
}

func (mon *heartbeatMonitor) AliveCount() int {
	mon.RLock()
	defer mon.RUnlock()
	count := 0
	for _, n := range mon.nodes {
		if n.loadState() == minigfs.NodeAlive {
			count++
		}
	}
	return count
}

// AddGarbage queues chunk deletions for delivery with the node's next
// heartbeat reply. Queues of unknown or dead nodes are dropped; whatever
// such a node still stores is re-reported and re-judged when it returns.
func (mon *heartbeatMonitor) AddGarbage(id minigfs.NodeID, chunks ...minigfs.ChunkID) {
	mon.RLock()
	n, ok := mon.nodes[id]
	mon.RUnlock()
	if !ok {
		return
	}
	n.Lock()
	defer n.Unlock()
	if n.loadState() == minigfs.NodeDead {
		return
	}
	n.garbage = append(n.garbage, chunks...)
}

// Status snapshots the registry for the status RPC, Dead nodes included.
func (mon *heartbeatMonitor) Status() []minigfs.NodeStatus {
	type pair struct {
		n    *nodeInfo
		addr minigfs.ServerAddress // addr is guarded by the monitor lock, capture it here
	}
	mon.RLock()
	nodes := make([]pair, 0, len(mon.nodes))
	for _, n := range mon.nodes {
		nodes = append(nodes, pair{n, n.addr})
	}
	mon.RUnlock()

	out := make([]minigfs.NodeStatus, 0, len(nodes))
	for _, p := range nodes {
		p.n.Lock()
		out = append(out, minigfs.NodeStatus{
			ID:            p.n.id,
			Address:       p.addr,
			State:         p.n.loadState(),
			LastHeartbeat: p.n.lastBeat,
			CapacityBytes: p.n.capacity,
			UsedBytes:     p.n.used,
			Chunks:        p.n.chunkCount,
		})
		p.n.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func containsNode(nodes []minigfs.NodeID, id minigfs.NodeID) bool {
	for _, n := range nodes {
		if n == id {
			return true
		}
	}
	return false
}
