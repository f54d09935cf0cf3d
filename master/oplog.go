package master

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	minigfs "github.com/kkyrenc/mini-gfs"
)

// The recovery log is an append-only file of self-describing entries. Every
// metadata mutation is appended and synced before it takes effect in memory.
// A checkpoint file plus the log tail reconstructs the full file and chunk
// tables after a restart.

type opKind uint8

const (
	opCreateFile opKind = iota + 1
	opDeleteFile
	opAppendChunk
	opSetReplicas
	opLeaseGrant
	opRemoveChunk
)

func (k opKind) String() string {
	switch k {
	case opCreateFile:
		return "create-file"
	case opDeleteFile:
		return "delete-file"
	case opAppendChunk:
		return "append-chunk"
	case opSetReplicas:
		return "set-replicas"
	case opLeaseGrant:
		return "lease-grant"
	case opRemoveChunk:
		return "remove-chunk"
	default:
		return "unknown"
	}
}

// entryFormat is bumped when logEntry changes shape; replay checks it before
// trusting an entry.
const entryFormat = 1

// logEntry is one logged mutation. Fields beyond Kind are op-specific; every
// entry carries the values replay needs to be idempotent (versions and full
// replica sets rather than deltas).
type logEntry struct {
	Seq      uint64               `cbor:"1,keyasint"`
	Fmt      uint8                `cbor:"2,keyasint"`
	Kind     opKind               `cbor:"3,keyasint"`
	At       time.Time            `cbor:"4,keyasint"`
	Path     minigfs.Path         `cbor:"5,keyasint,omitempty"`
	Chunk    minigfs.ChunkID      `cbor:"6,keyasint,omitempty"`
	Node     minigfs.NodeID       `cbor:"7,keyasint,omitempty"`
	Version  minigfs.ChunkVersion `cbor:"8,keyasint,omitempty"`
	Target   int                  `cbor:"9,keyasint,omitempty"`
	Replicas []minigfs.NodeID     `cbor:"10,keyasint,omitempty"`
	Expire   time.Time            `cbor:"11,keyasint"`
}

// fileRecord and chunkRecord are the checkpoint projections of the file and
// chunk tables.
type fileRecord struct {
	Path      minigfs.Path      `cbor:"1,keyasint"`
	Target    int               `cbor:"2,keyasint"`
	Chunks    []minigfs.ChunkID `cbor:"3,keyasint,omitempty"`
	Deleted   bool              `cbor:"4,keyasint,omitempty"`
	DeletedAt time.Time         `cbor:"5,keyasint"`
}

type chunkRecord struct {
	ID       minigfs.ChunkID      `cbor:"1,keyasint"`
	Version  minigfs.ChunkVersion `cbor:"2,keyasint"`
	Target   int                  `cbor:"3,keyasint"`
	Replicas []minigfs.NodeID     `cbor:"4,keyasint,omitempty"`
	Primary  minigfs.NodeID       `cbor:"5,keyasint,omitempty"`
	Expire   time.Time            `cbor:"6,keyasint"`
}

type checkpointState struct {
	Seq    uint64        `cbor:"1,keyasint"`
	Files  []fileRecord  `cbor:"2,keyasint,omitempty"`
	Chunks []chunkRecord `cbor:"3,keyasint,omitempty"`
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.EncOptions{Time: cbor.TimeUnixMicro, Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		panic(err)
	}
	cborDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

const (
	walName  = "master.wal"
	ckptName = "master.ckpt"

	// frames above this size cannot be legitimate and are treated as
	// corruption rather than allocated.
	maxFrameSize = 1 << 20
)

// opLog owns the write-ahead file. mu serializes appends from the different
// managers, and every append is synced before it returns.
type opLog struct {
	mu      sync.Mutex
	dir     string
	f       *os.File
	seq     uint64
	since   int // entries since the last checkpoint
	corrupt bool
}

type recovered struct {
	checkpoint *checkpointState
	entries    []logEntry
	// err is non-nil when the log was corrupt or truncated; entries then
	// holds the valid prefix and the master must refuse further writes.
	err error
}

// openLog loads the checkpoint and log under dir and opens the log for
// appending. The returned recovery carries whatever state could be read even
// when corruption was found.
func openLog(dir string) (*opLog, *recovered, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, errors.Wrap(err, "create metadata dir")
	}

	l := &opLog{dir: dir}
	rec := &recovered{}

	cp, err := readCheckpoint(filepath.Join(dir, ckptName))
	if err != nil {
		rec.err = err
	} else if cp != nil {
		rec.checkpoint = cp
		l.seq = cp.Seq
	}

	if rec.err == nil {
		entries, walErr := readWAL(filepath.Join(dir, walName), l.seq)
		rec.entries = entries
		if walErr != nil {
			rec.err = walErr
		}
		for _, e := range entries {
			if e.Seq > l.seq {
				l.seq = e.Seq
			}
		}
		l.since = len(entries)
	}
	if rec.err != nil {
		l.corrupt = true
	}

	f, err := os.OpenFile(filepath.Join(dir, walName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open recovery log")
	}
	l.f = f
	return l, rec, nil
}

func readCheckpoint(path string) (*checkpointState, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read checkpoint")
	}
	var cp checkpointState
	if err := cborDec.Unmarshal(raw, &cp); err != nil {
		return nil, errors.Wrap(err, "decode checkpoint")
	}
	return &cp, nil
}

// readWAL decodes frames until clean EOF. Anything else, a torn frame, a bad
// checksum, an undecodable entry, stops the read and surfaces an error; the
// entries decoded so far are still returned. Entries at or below cpSeq are
// already covered by the checkpoint and skipped.
func readWAL(path string, cpSeq uint64) ([]logEntry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "open recovery log")
	}
	defer f.Close()

	var entries []logEntry
	r := bufio.NewReader(f)
	for i := 0; ; i++ {
		size, err := binary.ReadUvarint(r)
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return entries, errors.Wrapf(err, "log frame %d: bad length", i)
		}
		if size == 0 || size > maxFrameSize {
			return entries, errors.Errorf("log frame %d: implausible length %d", i, size)
		}
		buf := make([]byte, 8+size)
		if _, err := io.ReadFull(r, buf); err != nil {
			return entries, errors.Wrapf(err, "log frame %d: truncated", i)
		}
		if binary.LittleEndian.Uint64(buf[:8]) != xxhash.Sum64(buf[8:]) {
			return entries, errors.Errorf("log frame %d: checksum mismatch", i)
		}
		var e logEntry
		if err := cborDec.Unmarshal(buf[8:], &e); err != nil {
			return entries, errors.Wrapf(err, "log frame %d: undecodable", i)
		}
		if e.Fmt > entryFormat {
			return entries, errors.Errorf("log frame %d: format %d newer than this build", i, e.Fmt)
		}
		if e.Seq <= cpSeq {
			continue
		}
		entries = append(entries, e)
	}
}

// Append assigns the next sequence number, frames the entry and syncs it to
// disk. The mutation the entry describes must not be applied unless Append
// returns nil.
func (l *opLog) Append(e *logEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.corrupt {
		return minigfs.Errorf(minigfs.LogCorrupted, "recovery log is corrupt, master is read-only")
	}

	e.Seq = l.seq + 1
	e.Fmt = entryFormat
	if e.At.IsZero() {
		e.At = time.Now()
	}

	payload, err := cborEnc.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "encode log entry")
	}
	frame := make([]byte, 0, binary.MaxVarintLen64+8+len(payload))
	frame = binary.AppendUvarint(frame, uint64(len(payload)))
	frame = binary.LittleEndian.AppendUint64(frame, xxhash.Sum64(payload))
	frame = append(frame, payload...)

	if _, err := l.f.Write(frame); err != nil {
		return errors.Wrap(err, "append log entry")
	}
	if err := l.f.Sync(); err != nil {
		return errors.Wrap(err, "sync recovery log")
	}
	l.seq++
	l.since++
	log.Debugf("logged %v, seq %d", e.Kind, e.Seq)
	return nil
}

// NeedCheckpoint reports whether enough entries accumulated since the last
// checkpoint to justify compaction.
func (l *opLog) NeedCheckpoint(every int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.since >= every
}

// WriteCheckpoint atomically replaces the checkpoint file and starts a fresh
// log. A crash between the rename and the truncation is harmless: leftover
// entries are at or below the checkpoint sequence and replay skips them.
func (l *opLog) WriteCheckpoint(cp *checkpointState) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.corrupt {
		return minigfs.Errorf(minigfs.LogCorrupted, "recovery log is corrupt, master is read-only")
	}
	cp.Seq = l.seq

	raw, err := cborEnc.Marshal(cp)
	if err != nil {
		return errors.Wrap(err, "encode checkpoint")
	}
	tmp := filepath.Join(l.dir, ckptName+".tmp")
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return errors.Wrap(err, "write checkpoint")
	}
	if err := os.Rename(tmp, filepath.Join(l.dir, ckptName)); err != nil {
		return errors.Wrap(err, "install checkpoint")
	}

	if err := l.f.Close(); err != nil {
		return errors.Wrap(err, "rotate recovery log")
	}
	f, err := os.OpenFile(filepath.Join(l.dir, walName), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "rotate recovery log")
	}
	l.f = f
	l.since = 0
	return nil
}

func (l *opLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
