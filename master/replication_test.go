package master

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	minigfs "github.com/kkyrenc/mini-gfs"
)

// The reconciler under test is never started. Each test calls reconcile()
// itself and drains the task queue inline, so every pass and every task is
// observable without racing a background loop.
type replFixture struct {
	t   *testing.T
	cfg minigfs.Config
	ms  *managers
	fc  *fakeCluster
	rm  *replicationManager
	t0  time.Time
}

func newReplFixture(t *testing.T) *replFixture {
	t.Helper()
	cfg := fastConfig()
	ms := newTestManagers(t, cfg.HeartbeatInterval, cfg.HeartbeatMissLimit)
	rm := newReplicationManager(ms.cm, ms.mon, ms.r, cfg, func() bool { return false })
	return &replFixture{t: t, cfg: cfg, ms: ms, fc: newFakeCluster(), rm: rm, t0: time.Now()}
}

// node starts a fake storage node and registers it with the monitor.
func (f *replFixture) node(id minigfs.NodeID) *fakeNode {
	f.t.Helper()
	n := f.fc.start(f.t, id)
	_, err := f.ms.mon.Register(minigfs.RegisterNodeArg{
		ID:            id,
		Address:       n.addr,
		CapacityBytes: 1 << 30,
		Chunks:        n.inventory(),
	}, f.t0)
	require.NoError(f.t, err)
	return n
}

func (f *replFixture) drain() {
	for {
		select {
		case task := <-f.rm.queue:
			f.rm.execute(task)
		default:
			return
		}
	}
}

func (f *replFixture) pendingCount() int {
	f.rm.mu.Lock()
	defer f.rm.mu.Unlock()
	return len(f.rm.pending)
}

func TestReplicationRepairsDeficit(t *testing.T) {
	f := newReplFixture(t)
	n1 := f.node("n1")
	nodes := map[minigfs.NodeID]*fakeNode{"n1": n1, "n2": f.node("n2"), "n3": f.node("n3")}

	require.NoError(t, f.ms.cm.Create("/a", "c1", 2, []minigfs.NodeID{"n1"}))
	n1.put("c1", 1)

	expected := f.ms.r.LocateFunc("c1", 1, func(n minigfs.NodeID) bool { return n != "n1" })
	require.Len(t, expected, 1)

	f.rm.reconcile()
	require.Equal(t, 1, f.pendingCount())
	f.drain()

	assert.Zero(t, f.pendingCount())
	snap, _ := f.ms.cm.Get("c1")
	assert.ElementsMatch(t, []minigfs.NodeID{"n1", expected[0]}, snap.Replicas)
	assert.True(t, nodes[expected[0]].has("c1"))
	assert.Equal(t, 1, n1.pushCount())
	assert.Empty(t, f.ms.cm.Degraded())
}

func TestReplicationSingleTaskPerChunk(t *testing.T) {
	f := newReplFixture(t)
	n1 := f.node("n1")
	f.node("n2")
	f.node("n3")

	require.NoError(t, f.ms.cm.Create("/a", "c1", 3, []minigfs.NodeID{"n1"}))
	n1.put("c1", 1)

	f.rm.reconcile()
	f.rm.reconcile()
	f.rm.reconcile()

	assert.Equal(t, 1, f.pendingCount())
	assert.Len(t, f.rm.queue, 1)

	// two replicas short, but the deficit closes one copy per pass
	f.drain()
	snap, _ := f.ms.cm.Get("c1")
	assert.Len(t, snap.Replicas, 2)
}

func TestReplicationRetriesAlternateDestination(t *testing.T) {
	f := newReplFixture(t)
	n1 := f.node("n1")
	nodes := map[minigfs.NodeID]*fakeNode{"n1": n1, "n2": f.node("n2"), "n3": f.node("n3")}

	require.NoError(t, f.ms.cm.Create("/a", "c1", 2, []minigfs.NodeID{"n1"}))
	n1.put("c1", 1)

	order := f.ms.r.LocateFunc("c1", 2, func(n minigfs.NodeID) bool { return n != "n1" })
	require.Len(t, order, 2)
	first, second := order[0], order[1]
	nodes[first].setFailRecv(true)

	f.rm.reconcile()
	f.drain() // the push to the preferred destination fails

	snap, _ := f.ms.cm.Get("c1")
	assert.Len(t, snap.Replicas, 1)
	assert.Empty(t, f.ms.cm.Degraded()) // retries remain

	f.rm.reconcile() // the failed destination is remembered, the next one is picked
	f.drain()

	snap, _ = f.ms.cm.Get("c1")
	assert.ElementsMatch(t, []minigfs.NodeID{"n1", second}, snap.Replicas)
	assert.True(t, nodes[second].has("c1"))
	assert.False(t, nodes[first].has("c1"))
	assert.Equal(t, 2, n1.pushCount())
}

func TestReplicationExhaustionMarksDegraded(t *testing.T) {
	f := newReplFixture(t)
	n1 := f.node("n1")
	f.node("d1")
	f.node("d2")
	f.node("d3")

	require.NoError(t, f.ms.cm.Create("/a", "c1", 2, []minigfs.NodeID{"n1"}))
	n1.put("c1", 1)
	n1.setFailPush(true)

	for i := 0; i < f.cfg.ReplicationRetries; i++ {
		f.rm.reconcile()
		f.drain()
	}
	assert.Equal(t, []minigfs.ChunkID{"c1"}, f.ms.cm.Degraded())
	assert.Equal(t, f.cfg.ReplicationRetries, n1.pushCount())

	// further passes under the same membership do not spend more pushes
	f.rm.reconcile()
	f.drain()
	assert.Equal(t, f.cfg.ReplicationRetries, n1.pushCount())

	// membership movement resets the budgets and the repair goes through
	n1.setFailPush(false)
	f.node("d4")
	f.rm.reconcile()
	f.drain()
	snap, _ := f.ms.cm.Get("c1")
	assert.Len(t, snap.Replicas, 2)

	f.rm.reconcile() // the next pass observes the restored count
	assert.Empty(t, f.ms.cm.Degraded())
}

func TestReplicationTrimsExcessByRingOrder(t *testing.T) {
	f := newReplFixture(t)
	all := []minigfs.NodeID{"n1", "n2", "n3", "n4"}
	nodes := make(map[minigfs.NodeID]*fakeNode, len(all))
	for _, id := range all {
		nodes[id] = f.node(id)
	}
	require.NoError(t, f.ms.cm.Create("/a", "c1", 2, all))

	preferred := f.ms.r.Locate("c1", 2)
	require.Len(t, preferred, 2)
	keep := map[minigfs.NodeID]bool{preferred[0]: true, preferred[1]: true}
	for _, id := range preferred {
		nodes[id].put("c1", 1)
	}

	f.rm.reconcile()

	snap, _ := f.ms.cm.Get("c1")
	assert.ElementsMatch(t, preferred, snap.Replicas)
	assert.Empty(t, f.ms.cm.Degraded())
	assert.Zero(t, f.pendingCount()) // a trim is not a repair task

	// the losers are told to delete their copy with the next beat
	now := f.t0.Add(time.Millisecond)
	for _, id := range all {
		reply := f.ms.mon.Beat(minigfs.HeartbeatArg{ID: id, Chunks: nodes[id].inventory()}, now)
		if keep[id] {
			assert.Empty(t, reply.Garbage, "node %v keeps its replica", id)
		} else {
			assert.Equal(t, []minigfs.ChunkID{"c1"}, reply.Garbage, "node %v drops its replica", id)
		}
	}
}

func TestReplicationSupersededTaskLeavesNoTrace(t *testing.T) {
	f := newReplFixture(t)
	n1 := f.node("n1")
	n2 := f.node("n2")

	require.NoError(t, f.ms.cm.Create("/a", "c1", 2, []minigfs.NodeID{"n1"}))
	n1.put("c1", 1)

	f.rm.reconcile() // a task to n2 sits in the queue
	require.Equal(t, 1, f.pendingCount())

	// the destination dies before the copy runs
	f.ms.mon.Beat(minigfs.HeartbeatArg{ID: "n1", Chunks: n1.inventory()}, f.t0.Add(f.cfg.HeartbeatInterval*5/2))
	dead := f.ms.mon.Sweep(f.t0.Add(f.cfg.HeartbeatInterval * 3))
	require.Equal(t, []minigfs.NodeID{"n2"}, dead)

	f.rm.reconcile() // supersedes the stale task; no destination is left
	assert.Zero(t, f.pendingCount())
	assert.Equal(t, []minigfs.ChunkID{"c1"}, f.ms.cm.Degraded())

	f.drain() // the stale task runs to completion without effect

	assert.Zero(t, n1.pushCount())
	assert.Zero(t, n2.count())
	snap, _ := f.ms.cm.Get("c1")
	assert.Equal(t, []minigfs.NodeID{"n1"}, snap.Replicas)
}

func TestReplicationReadOnlySkipsReconcile(t *testing.T) {
	cfg := fastConfig()
	ms := newTestManagers(t, cfg.HeartbeatInterval, cfg.HeartbeatMissLimit)
	rm := newReplicationManager(ms.cm, ms.mon, ms.r, cfg, func() bool { return true })

	t0 := time.Now()
	ms.register(t, "n1", "10.0.0.1:70", t0)
	ms.register(t, "n2", "10.0.0.2:70", t0)
	require.NoError(t, ms.cm.Create("/a", "c1", 2, []minigfs.NodeID{"n1"}))

	rm.reconcile()

	rm.mu.Lock()
	assert.Empty(t, rm.pending)
	rm.mu.Unlock()
	assert.Empty(t, rm.queue)
	assert.Empty(t, ms.cm.Degraded())
}
