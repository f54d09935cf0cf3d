package master

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	minigfs "github.com/kkyrenc/mini-gfs"
)

const beatInterval = 100 * time.Millisecond

func TestMonitorRegisterValidation(t *testing.T) {
	ms := newTestManagers(t, beatInterval, 3)
	now := time.Now()

	_, err := ms.mon.Register(minigfs.RegisterNodeArg{Address: "10.0.0.1:70"}, now)
	require.Error(t, err)
	_, err = ms.mon.Register(minigfs.RegisterNodeArg{ID: "n1"}, now)
	require.Error(t, err)

	ms.register(t, "n1", "10.0.0.1:70", now)
	assert.Equal(t, minigfs.NodeAlive, ms.mon.State("n1"))
	assert.True(t, ms.r.Contains("n1"))
	assert.Equal(t, 1, ms.mon.AliveCount())

	addr, ok := ms.mon.AddressOf("n1")
	require.True(t, ok)
	assert.Equal(t, minigfs.ServerAddress("10.0.0.1:70"), addr)

	// unknown nodes count as dead everywhere
	assert.Equal(t, minigfs.NodeDead, ms.mon.State("ghost"))
	_, ok = ms.mon.AddressOf("ghost")
	assert.False(t, ok)
}

func TestMonitorSweepProgression(t *testing.T) {
	ms := newTestManagers(t, beatInterval, 3)
	t0 := time.Now()
	ms.register(t, "n1", "10.0.0.1:70", t0)

	// within one interval: still alive
	assert.Empty(t, ms.mon.Sweep(t0.Add(beatInterval)))
	assert.Equal(t, minigfs.NodeAlive, ms.mon.State("n1"))

	// one missed interval: suspect
	assert.Empty(t, ms.mon.Sweep(t0.Add(beatInterval*3/2)))
	assert.Equal(t, minigfs.NodeSuspect, ms.mon.State("n1"))

	// two missed: still suspect with a miss limit of three
	assert.Empty(t, ms.mon.Sweep(t0.Add(beatInterval*5/2)))
	assert.Equal(t, minigfs.NodeSuspect, ms.mon.State("n1"))

	// three missed: dead, and off the ring
	dead := ms.mon.Sweep(t0.Add(beatInterval * 3))
	assert.Equal(t, []minigfs.NodeID{"n1"}, dead)
	assert.Equal(t, minigfs.NodeDead, ms.mon.State("n1"))
	assert.False(t, ms.r.Contains("n1"))
	assert.Zero(t, ms.mon.AliveCount())
}

func TestMonitorBeatRevivesSuspect(t *testing.T) {
	ms := newTestManagers(t, beatInterval, 3)
	t0 := time.Now()
	ms.register(t, "n1", "10.0.0.1:70", t0)

	ms.mon.Sweep(t0.Add(beatInterval * 2))
	require.Equal(t, minigfs.NodeSuspect, ms.mon.State("n1"))

	reply := ms.mon.Beat(minigfs.HeartbeatArg{ID: "n1", Address: "10.0.0.1:70"}, t0.Add(beatInterval*2))
	assert.False(t, reply.Reregister)
	assert.Equal(t, minigfs.NodeAlive, ms.mon.State("n1"))

	// the miss counter restarted from the new beat
	assert.Empty(t, ms.mon.Sweep(t0.Add(beatInterval*5/2)))
	assert.Equal(t, minigfs.NodeAlive, ms.mon.State("n1"))
}

func TestMonitorDeadBeatsBounceToRegistration(t *testing.T) {
	ms := newTestManagers(t, beatInterval, 3)
	t0 := time.Now()
	ms.register(t, "n1", "10.0.0.1:70", t0)
	ms.mon.Sweep(t0.Add(beatInterval * 10))
	require.Equal(t, minigfs.NodeDead, ms.mon.State("n1"))

	// a beat from the dead: ignored, even its inventory
	reply := ms.mon.Beat(minigfs.HeartbeatArg{
		ID:     "n1",
		Chunks: []minigfs.ChunkReport{report("ghost-chunk", 1)},
	}, t0.Add(beatInterval*11))
	assert.True(t, reply.Reregister)
	assert.Empty(t, reply.Garbage)
	assert.Equal(t, minigfs.NodeDead, ms.mon.State("n1"))

	// same for a node never seen at all
	reply = ms.mon.Beat(minigfs.HeartbeatArg{ID: "stranger"}, t0)
	assert.True(t, reply.Reregister)

	// registration is the only way back
	ms.register(t, "n1", "10.0.0.1:70", t0.Add(beatInterval*12))
	assert.Equal(t, minigfs.NodeAlive, ms.mon.State("n1"))
	assert.True(t, ms.r.Contains("n1"))
}

func TestMonitorBeatFromMovedAddressBounces(t *testing.T) {
	ms := newTestManagers(t, beatInterval, 3)
	t0 := time.Now()
	ms.register(t, "n1", "10.0.0.1:70", t0)

	// a beat from elsewhere is a new incarnation, not a heartbeat
	reply := ms.mon.Beat(minigfs.HeartbeatArg{ID: "n1", Address: "10.0.0.9:70"}, t0.Add(beatInterval/2))
	assert.True(t, reply.Reregister)

	// re-registering at the new address makes it the address of record
	ms.register(t, "n1", "10.0.0.9:70", t0.Add(beatInterval/2))
	reply = ms.mon.Beat(minigfs.HeartbeatArg{ID: "n1", Address: "10.0.0.9:70"}, t0.Add(beatInterval))
	assert.False(t, reply.Reregister)
	addr, ok := ms.mon.AddressOf("n1")
	require.True(t, ok)
	assert.Equal(t, minigfs.ServerAddress("10.0.0.9:70"), addr)
}

func TestMonitorDeathStripsReplicas(t *testing.T) {
	ms := newTestManagers(t, beatInterval, 3)
	t0 := time.Now()
	ms.register(t, "n1", "10.0.0.1:70", t0)
	ms.register(t, "n2", "10.0.0.2:70", t0)
	require.NoError(t, ms.cm.Create("/a", "c1", 2, []minigfs.NodeID{"n1", "n2"}))

	ms.mon.Beat(minigfs.HeartbeatArg{ID: "n2", Chunks: []minigfs.ChunkReport{report("c1", 1)}}, t0.Add(beatInterval*5/2))
	ms.mon.Sweep(t0.Add(beatInterval * 3))
	require.Equal(t, minigfs.NodeDead, ms.mon.State("n1"))
	require.Equal(t, minigfs.NodeAlive, ms.mon.State("n2"))

	snap, _ := ms.cm.Get("c1")
	assert.Equal(t, []minigfs.NodeID{"n2"}, snap.Replicas)
	assert.Empty(t, ms.cm.ChunksOn("n1"))
}

func TestMonitorReregistrationAdoptsInventory(t *testing.T) {
	ms := newTestManagers(t, beatInterval, 3)
	t0 := time.Now()
	ms.register(t, "n1", "10.0.0.1:70", t0)
	require.NoError(t, ms.cm.Create("/a", "c1", 1, []minigfs.NodeID{"n1"}))

	ms.mon.Sweep(t0.Add(beatInterval * 4))
	require.Equal(t, minigfs.NodeDead, ms.mon.State("n1"))
	snap, _ := ms.cm.Get("c1")
	require.Empty(t, snap.Replicas)

	// the node kept its disk across the outage and reports the chunk back
	garbage := ms.register(t, "n1", "10.0.0.1:70", t0.Add(beatInterval*6), report("c1", 1))
	assert.Empty(t, garbage)
	snap, _ = ms.cm.Get("c1")
	assert.Equal(t, []minigfs.NodeID{"n1"}, snap.Replicas)
}

func TestMonitorInventoryVersions(t *testing.T) {
	ms := newTestManagers(t, beatInterval, 3)
	t0 := time.Now()
	ms.register(t, "n1", "10.0.0.1:70", t0)
	ms.register(t, "n2", "10.0.0.2:70", t0)
	require.NoError(t, ms.cm.Create("/a", "c1", 2, []minigfs.NodeID{"n1", "n2"}))
	ms.cm.applyLeaseGrant(&logEntry{Chunk: "c1", Node: "n1", Version: 2, Expire: t0})

	// stale version: garbage, and the replica record goes away
	reply := ms.mon.Beat(minigfs.HeartbeatArg{ID: "n2", Chunks: []minigfs.ChunkReport{report("c1", 1)}}, t0.Add(beatInterval/2))
	assert.Equal(t, []minigfs.ChunkID{"c1"}, reply.Garbage)
	snap, _ := ms.cm.Get("c1")
	assert.Equal(t, []minigfs.NodeID{"n1"}, snap.Replicas)

	// unknown chunk: garbage
	reply = ms.mon.Beat(minigfs.HeartbeatArg{ID: "n2", Chunks: []minigfs.ChunkReport{report("never-existed", 1)}}, t0.Add(beatInterval/2))
	assert.Equal(t, []minigfs.ChunkID{"never-existed"}, reply.Garbage)

	// version ahead of the table: ignored, not garbage
	reply = ms.mon.Beat(minigfs.HeartbeatArg{ID: "n1", Chunks: []minigfs.ChunkReport{report("c1", 5)}}, t0.Add(beatInterval/2))
	assert.Empty(t, reply.Garbage)
	snap, _ = ms.cm.Get("c1")
	assert.Equal(t, minigfs.ChunkVersion(2), snap.Version)

	// matching version: adopted and checksum recorded
	reply = ms.mon.Beat(minigfs.HeartbeatArg{ID: "n2", Chunks: []minigfs.ChunkReport{report("c1", 2)}}, t0.Add(beatInterval/2))
	assert.Empty(t, reply.Garbage)
	snap, _ = ms.cm.Get("c1")
	assert.Contains(t, snap.Replicas, minigfs.NodeID("n2"))
	assert.Equal(t, chunkSum("c1"), snap.Checksum)
}

func TestMonitorSilentLossDetected(t *testing.T) {
	ms := newTestManagers(t, beatInterval, 3)
	t0 := time.Now()
	ms.register(t, "n1", "10.0.0.1:70", t0)
	require.NoError(t, ms.cm.Create("/a", "c1", 1, []minigfs.NodeID{"n1"}))

	// full inventory without the chunk: the replica is recorded lost
	ms.mon.Beat(minigfs.HeartbeatArg{ID: "n1"}, t0.Add(beatInterval/2))
	snap, ok := ms.cm.Get("c1")
	require.True(t, ok) // the chunk itself survives, only the replica is gone
	assert.Empty(t, snap.Replicas)
	assert.Empty(t, ms.cm.ChunksOn("n1"))
}

func TestMonitorGarbageDelivery(t *testing.T) {
	ms := newTestManagers(t, beatInterval, 3)
	t0 := time.Now()
	ms.register(t, "n1", "10.0.0.1:70", t0)

	ms.mon.AddGarbage("n1", "c1", "c2")
	ms.mon.AddGarbage("ghost", "c9") // unknown node: dropped silently

	reply := ms.mon.Beat(minigfs.HeartbeatArg{ID: "n1"}, t0.Add(beatInterval/2))
	assert.ElementsMatch(t, []minigfs.ChunkID{"c1", "c2"}, reply.Garbage)

	// delivered exactly once
	reply = ms.mon.Beat(minigfs.HeartbeatArg{ID: "n1"}, t0.Add(beatInterval))
	assert.Empty(t, reply.Garbage)

	// a queue pending at death is discarded, not replayed after rebirth
	ms.mon.AddGarbage("n1", "c3")
	ms.mon.Sweep(t0.Add(beatInterval * 10))
	require.Equal(t, minigfs.NodeDead, ms.mon.State("n1"))
	ms.register(t, "n1", "10.0.0.1:70", t0.Add(beatInterval*11))
	reply = ms.mon.Beat(minigfs.HeartbeatArg{ID: "n1"}, t0.Add(beatInterval*12))
	assert.Empty(t, reply.Garbage)
}

func TestMonitorDeregister(t *testing.T) {
	ms := newTestManagers(t, beatInterval, 3)
	t0 := time.Now()
	ms.register(t, "n1", "10.0.0.1:70", t0)
	require.NoError(t, ms.cm.Create("/a", "c1", 1, []minigfs.NodeID{"n1"}))

	err := ms.mon.Deregister("ghost")
	assert.Equal(t, minigfs.NodeUnknown, minigfs.CodeOf(err))

	require.NoError(t, ms.mon.Deregister("n1"))
	assert.False(t, ms.r.Contains("n1"))
	assert.Empty(t, ms.mon.Status())
	snap, _ := ms.cm.Get("c1")
	assert.Empty(t, snap.Replicas)

	// the record is gone entirely, not just dead
	reply := ms.mon.Beat(minigfs.HeartbeatArg{ID: "n1"}, t0)
	assert.True(t, reply.Reregister)
}

func TestMonitorStatusSorted(t *testing.T) {
	ms := newTestManagers(t, beatInterval, 3)
	t0 := time.Now()
	ms.register(t, "n2", "10.0.0.2:70", t0)
	ms.register(t, "n1", "10.0.0.1:70", t0)
	ms.register(t, "n3", "10.0.0.3:70", t0)
	ms.mon.Sweep(t0.Add(beatInterval * 2)) // everyone suspect

	ms.mon.Beat(minigfs.HeartbeatArg{ID: "n2", Address: "10.0.0.2:70", UsedBytes: 42}, t0.Add(beatInterval*2))

	st := ms.mon.Status()
	require.Len(t, st, 3)
	assert.Equal(t, minigfs.NodeID("n1"), st[0].ID)
	assert.Equal(t, minigfs.NodeID("n2"), st[1].ID)
	assert.Equal(t, minigfs.NodeID("n3"), st[2].ID)
	assert.Equal(t, minigfs.NodeSuspect, st[0].State)
	assert.Equal(t, minigfs.NodeAlive, st[1].State)
	assert.Equal(t, int64(42), st[1].UsedBytes)
}

func TestMonitorGenerationMovesOnMembershipChanges(t *testing.T) {
	ms := newTestManagers(t, beatInterval, 3)
	t0 := time.Now()

	g0 := ms.mon.Generation()
	ms.register(t, "n1", "10.0.0.1:70", t0)
	g1 := ms.mon.Generation()
	assert.Greater(t, g1, g0)

	// beats alone do not move the generation
	ms.mon.Beat(minigfs.HeartbeatArg{ID: "n1"}, t0.Add(beatInterval/2))
	assert.Equal(t, g1, ms.mon.Generation())

	ms.mon.Sweep(t0.Add(beatInterval * 4))
	require.Equal(t, minigfs.NodeDead, ms.mon.State("n1"))
	assert.Greater(t, ms.mon.Generation(), g1)
}
