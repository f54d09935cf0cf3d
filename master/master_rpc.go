package master

import (
	"time"

	log "github.com/sirupsen/logrus"

	minigfs "github.com/kkyrenc/mini-gfs"
)

// RPCRegisterNode is called by a storage node on startup and whenever the
// master demands re-registration. It is the only way back from Dead.
func (m *Master) RPCRegisterNode(args minigfs.RegisterNodeArg, reply *minigfs.RegisterNodeReply) error {
	garbage, err := m.mon.Register(args, time.Now())
	if err != nil {
		return err
	}
	reply.Garbage = garbage
	return nil
}

// RPCDeregisterNode takes a node out of service on purpose. Its replicas are
// re-created elsewhere by the reconciler.
func (m *Master) RPCDeregisterNode(args minigfs.DeregisterNodeArg, reply *minigfs.DeregisterNodeReply) error {
	return m.mon.Deregister(args.ID)
}

// RPCHeartbeat is called by storage nodes on every heartbeat interval with
// their full chunk inventory. The reply piggybacks pending chunk deletions.
func (m *Master) RPCHeartbeat(args minigfs.HeartbeatArg, reply *minigfs.HeartbeatReply) error {
	*reply = m.mon.Beat(args, time.Now())
	return nil
}

// RPCCreateFile registers a new file, optionally with initial chunks already
// allocated. The file's replica target defaults to the cluster default.
func (m *Master) RPCCreateFile(args minigfs.CreateFileArg, reply *minigfs.CreateFileReply) error {
	if err := m.writable(); err != nil {
		return err
	}
	if args.Path == "" {
		return minigfs.Errorf(minigfs.UnknownError, "empty path")
	}
	target := args.Replicas
	if target == 0 {
		target = m.cfg.DefaultReplicas
	}
	if target < 1 {
		return minigfs.Errorf(minigfs.UnknownError, "replica target %v must be positive", target)
	}
	if err := m.nm.Create(args.Path, target); err != nil {
		return err
	}
	for i := 0; i < args.InitialChunks; i++ {
		id, err := m.allocateChunk(args.Path)
		if err != nil {
			return err
		}
		loc, err := m.cm.Location(id, time.Now(), m.mon.AddressOf)
		if err != nil {
			return err
		}
		reply.Chunks = append(reply.Chunks, loc)
	}
	return nil
}

// RPCAppendChunk allocates the next chunk of a file and returns its
// placement.
func (m *Master) RPCAppendChunk(args minigfs.AppendChunkArg, reply *minigfs.AppendChunkReply) error {
	if err := m.writable(); err != nil {
		return err
	}
	id, err := m.allocateChunk(args.Path)
	if err != nil {
		return err
	}
	reply.Chunk, err = m.cm.Location(id, time.Now(), m.mon.AddressOf)
	return err
}

// RPCDeleteFile tombstones a file. Its chunks are collected lazily after the
// grace period.
func (m *Master) RPCDeleteFile(args minigfs.DeleteFileArg, reply *minigfs.DeleteFileReply) error {
	if err := m.writable(); err != nil {
		return err
	}
	return m.nm.Delete(args.Path)
}

// RPCLookup resolves a file to chunk placements: every chunk in order, or a
// single one when Index is non-negative.
func (m *Master) RPCLookup(args minigfs.LookupArg, reply *minigfs.LookupReply) error {
	chunks, err := m.nm.Chunks(args.Path)
	if err != nil {
		return err
	}
	if args.Index != minigfs.AllChunks {
		if args.Index < 0 || int(args.Index) >= len(chunks) {
			return minigfs.Errorf(minigfs.ChunkNotFound, "file %v has no chunk %v", args.Path, args.Index)
		}
		chunks = chunks[args.Index : args.Index+1]
	}
	now := time.Now()
	for _, id := range chunks {
		loc, err := m.cm.Location(id, now, m.mon.AddressOf)
		if err != nil {
			log.Errorf("file %v references chunk %v that the chunk table lost: %v", args.Path, id, err)
			return err
		}
		reply.Chunks = append(reply.Chunks, loc)
	}
	return nil
}

// RPCGetFileInfo reports a live file's chunk count and replica target.
func (m *Master) RPCGetFileInfo(args minigfs.GetFileInfoArg, reply *minigfs.GetFileInfoReply) error {
	chunks, target, err := m.nm.Info(args.Path)
	if err != nil {
		return err
	}
	reply.Chunks = chunks
	reply.Replicas = target
	return nil
}

// RPCListFiles lists live paths under a prefix.
func (m *Master) RPCListFiles(args minigfs.ListFilesArg, reply *minigfs.ListFilesReply) error {
	reply.Paths = m.nm.List(args.Prefix)
	return nil
}

// RPCRequestLease grants or renews the primary lease of a chunk. A conflict
// is an expected outcome, not a transport error: the reply then names the
// current holder and its expiry so the caller can retry after it lapses.
func (m *Master) RPCRequestLease(args minigfs.RequestLeaseArg, reply *minigfs.RequestLeaseReply) error {
	if err := m.writable(); err != nil {
		return err
	}
	lease, err := m.lm.Grant(args.Chunk, args.Node, time.Now())
	if err != nil {
		if minigfs.CodeOf(err) == minigfs.LeaseConflict {
			reply.Granted = false
			reply.Holder = lease.Primary
			reply.Version = lease.Version
			reply.Expire = lease.Expire
			return nil
		}
		return err
	}
	reply.Granted = true
	reply.Holder = lease.Primary
	reply.Version = lease.Version
	reply.Expire = lease.Expire
	return nil
}

// RPCVerifyLease is the write guard of the data path: a node asked to lead a
// mutation checks here that it still holds the chunk's lease.
func (m *Master) RPCVerifyLease(args minigfs.VerifyLeaseArg, reply *minigfs.VerifyLeaseReply) error {
	lease, valid, err := m.lm.Verify(args.Chunk, args.Node, time.Now())
	if err != nil {
		return err
	}
	reply.Valid = valid
	reply.Version = lease.Version
	reply.Expire = lease.Expire
	return nil
}

// RPCClusterStatus reports node health, degraded chunks and table sizes.
func (m *Master) RPCClusterStatus(args minigfs.ClusterStatusArg, reply *minigfs.ClusterStatusReply) error {
	reply.Nodes = m.mon.Status()
	reply.Degraded = m.cm.Degraded()
	reply.Files = m.nm.Count()
	reply.Chunks = m.cm.Count()
	reply.ReadOnly = m.readOnly.Load()
	return nil
}
