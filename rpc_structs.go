package minigfs

import (
	"time"
)

//------ Master

// RegisterNodeArg introduces a node to the master, or readmits one the
// master declared dead. The inventory lets the master adopt whatever
// replicas the node still carries.
type RegisterNodeArg struct {
	ID            NodeID
	Address       ServerAddress
	CapacityBytes int64
	UsedBytes     int64
	Chunks        []ChunkReport
}
type RegisterNodeReply struct {
	// Garbage lists chunks the node reported but the master no longer
	// wants: unknown ids and stale versions. The node should delete them.
	Garbage []ChunkID
}

type DeregisterNodeArg struct {
	ID NodeID
}
type DeregisterNodeReply struct{}

type HeartbeatArg struct {
	ID            NodeID
	Address       ServerAddress
	CapacityBytes int64
	UsedBytes     int64
	Chunks        []ChunkReport // full inventory, every beat
}
type HeartbeatReply struct {
	// Reregister is set when the sender is unknown or was declared dead;
	// the beat was ignored and the node must go through RPCRegisterNode.
	Reregister bool
	Garbage    []ChunkID
}

type CreateFileArg struct {
	Path Path
	// InitialChunks asks for this many chunks allocated at creation.
	InitialChunks int
	// Replicas overrides the default replica target for this file. Zero
	// means the configured default.
	Replicas int
}
type CreateFileReply struct {
	Chunks []ChunkLocation
}

type AppendChunkArg struct {
	Path Path
}
type AppendChunkReply struct {
	Chunk ChunkLocation
}

type DeleteFileArg struct {
	Path Path
}
type DeleteFileReply struct{}

type LookupArg struct {
	Path Path
	// Index selects a single chunk; AllChunks returns the whole file.
	Index ChunkIndex
}
type LookupReply struct {
	Chunks []ChunkLocation
}

// AllChunks as LookupArg.Index requests every chunk of the file.
const AllChunks ChunkIndex = -1

type GetFileInfoArg struct {
	Path Path
}
type GetFileInfoReply struct {
	Chunks   int
	Replicas int
}

type ListFilesArg struct {
	Prefix Path
}
type ListFilesReply struct {
	Paths []Path
}

type RequestLeaseArg struct {
	Chunk ChunkID
	Node  NodeID
}
type RequestLeaseReply struct {
	Granted bool
	// Holder and Expire describe the conflicting lease when Granted is
	// false, and the caller's own lease when it is true.
	Holder  NodeID
	Version ChunkVersion
	Expire  time.Time
}

type VerifyLeaseArg struct {
	Chunk ChunkID
	Node  NodeID
}
type VerifyLeaseReply struct {
	Valid   bool
	Version ChunkVersion
	Expire  time.Time
}

type ClusterStatusArg struct{}
type ClusterStatusReply struct {
	Nodes    []NodeStatus
	Degraded []ChunkID // under-replicated chunks the reconciler gave up on
	Files    int
	Chunks   int
	ReadOnly bool
}

//------ Storage node
//
// Storage nodes register their RPC receiver under the name "Node". The
// master only ever issues PushChunk; deletions travel as garbage lists in
// heartbeat replies.

// PushChunkArg tells the holding node to copy one chunk to To. The receiver
// verifies its local copy against Version and Checksum before sending.
type PushChunkArg struct {
	Chunk    ChunkID
	Version  ChunkVersion
	To       ServerAddress
	Checksum Checksum
}
type PushChunkReply struct{}
