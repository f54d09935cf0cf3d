// Package minigfs holds the types shared between the master, the storage
// nodes that talk to it, and the command line tools.
package minigfs

import "time"

type Path string
type NodeID string
type ServerAddress string
type ChunkID string
type ChunkIndex int
type ChunkVersion int64
type Checksum uint64

// NodeState is the master's view of a storage node's health.
type NodeState int

const (
	NodeAlive NodeState = iota
	NodeSuspect
	NodeDead
)

func (s NodeState) String() string {
	switch s {
	case NodeAlive:
		return "alive"
	case NodeSuspect:
		return "suspect"
	case NodeDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Lease describes the current write lease of a chunk. A zero Primary means
// nobody holds the lease. Expiry is passive: holders must stop writing once
// Expire passes, the master never revokes.
type Lease struct {
	Primary NodeID
	Version ChunkVersion
	Expire  time.Time
}

func (l Lease) Active(now time.Time) bool {
	return l.Primary != "" && now.Before(l.Expire)
}

// NodeRef pairs a node id with the address it serves RPC on.
type NodeRef struct {
	ID      NodeID
	Address ServerAddress
}

// ChunkLocation is the client-visible placement of one chunk.
type ChunkLocation struct {
	ID       ChunkID
	Version  ChunkVersion
	Primary  NodeID // empty if no active lease
	Expire   time.Time
	Replicas []NodeRef
}

// ChunkReport is one entry of a node's chunk inventory, sent with every
// heartbeat and with registration.
type ChunkReport struct {
	ID       ChunkID
	Version  ChunkVersion
	Checksum Checksum
}

// NodeStatus is the registry view returned by RPCClusterStatus.
type NodeStatus struct {
	ID            NodeID
	Address       ServerAddress
	State         NodeState
	LastHeartbeat time.Time
	CapacityBytes int64
	UsedBytes     int64
	Chunks        int
}
