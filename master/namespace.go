package master

import (
	"sort"
	"strings"
	"sync"
	"time"

	minigfs "github.com/kkyrenc/mini-gfs"
)

// namespaceManager owns the file table: a flat path namespace mapping each
// file to its ordered chunk list. Deletion only plants a tombstone; the
// chunks stop being referenced and the collector reaps them after the grace
// period. A tombstoned path can be created again, the fresh entry simply
// replaces the grave.
type namespaceManager struct {
	sync.RWMutex
	files map[minigfs.Path]*fileEntry
	wal   *opLog
}

type fileEntry struct {
	path      minigfs.Path
	target    int // replica target inherited by this file's chunks
	chunks    []minigfs.ChunkID
	deleted   bool
	deletedAt time.Time
}

func newNamespaceManager(wal *opLog) *namespaceManager {
	return &namespaceManager{
		files: make(map[minigfs.Path]*fileEntry),
		wal:   wal,
	}
}

func (nm *namespaceManager) live(path minigfs.Path) *fileEntry {
	e, ok := nm.files[path]
	if !ok || e.deleted {
		return nil
	}
	return e
}

// Create registers a new empty file. Creating over a tombstone succeeds and
// orphans whatever chunks the grave still listed.
func (nm *namespaceManager) Create(path minigfs.Path, target int) error {
	nm.Lock()
	defer nm.Unlock()

	if nm.live(path) != nil {
		return minigfs.Errorf(minigfs.FileExists, "file %v already exists", path)
	}
	err := nm.wal.Append(&logEntry{Kind: opCreateFile, Path: path, Target: target})
	if err != nil {
		return err
	}
	nm.files[path] = &fileEntry{path: path, target: target}
	return nil
}

// Delete plants the tombstone. Lookups fail from here on as if the file
// never existed; the chunk records stay until the collector's grace period
// runs out.
func (nm *namespaceManager) Delete(path minigfs.Path) error {
	nm.Lock()
	defer nm.Unlock()

	e := nm.live(path)
	if e == nil {
		return minigfs.Errorf(minigfs.FileNotFound, "file %v not found", path)
	}
	now := time.Now()
	err := nm.wal.Append(&logEntry{Kind: opDeleteFile, Path: path, At: now})
	if err != nil {
		return err
	}
	e.deleted = true
	e.deletedAt = now
	return nil
}

// AllocateChunk appends one chunk to the file while holding the namespace
// lock, so the attach order of concurrent appends matches the log order.
// create must log and register the chunk and is called with the file's
// replica target.
func (nm *namespaceManager) AllocateChunk(path minigfs.Path, create func(target int) (minigfs.ChunkID, error)) (minigfs.ChunkID, error) {
	nm.Lock()
	defer nm.Unlock()

	e := nm.live(path)
	if e == nil {
		return "", minigfs.Errorf(minigfs.FileNotFound, "file %v not found", path)
	}
	id, err := create(e.target)
	if err != nil {
		return "", err
	}
	e.chunks = append(e.chunks, id)
	return id, nil
}

// Chunks returns the ordered chunk list of a live file.
func (nm *namespaceManager) Chunks(path minigfs.Path) ([]minigfs.ChunkID, error) {
	nm.RLock()
	defer nm.RUnlock()

	e := nm.live(path)
	if e == nil {
		return nil, minigfs.Errorf(minigfs.FileNotFound, "file %v not found", path)
	}
	out := make([]minigfs.ChunkID, len(e.chunks))
	copy(out, e.chunks)
	return out, nil
}

// Info returns the chunk count and replica target of a live file.
func (nm *namespaceManager) Info(path minigfs.Path) (chunks, target int, err error) {
	nm.RLock()
	defer nm.RUnlock()

	e := nm.live(path)
	if e == nil {
		return 0, 0, minigfs.Errorf(minigfs.FileNotFound, "file %v not found", path)
	}
	return len(e.chunks), e.target, nil
}

func (nm *namespaceManager) Exists(path minigfs.Path) bool {
	nm.RLock()
	defer nm.RUnlock()
	return nm.live(path) != nil
}

// List returns the live paths under a prefix, sorted.
func (nm *namespaceManager) List(prefix minigfs.Path) []minigfs.Path {
	nm.RLock()
	defer nm.RUnlock()

	var out []minigfs.Path
	for p, e := range nm.files {
		if !e.deleted && strings.HasPrefix(string(p), string(prefix)) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LiveChunks is the set of chunks referenced by live files. Everything the
// chunk table holds beyond this set is an orphan.
func (nm *namespaceManager) LiveChunks() map[minigfs.ChunkID]bool {
	nm.RLock()
	defer nm.RUnlock()

	out := make(map[minigfs.ChunkID]bool)
	for _, e := range nm.files {
		if e.deleted {
			continue
		}
		for _, id := range e.chunks {
			out[id] = true
		}
	}
	return out
}

// PruneGraves drops tombstones deleted before the cutoff. Not logged:
// replay may resurrect a grave, which is invisible to every lookup and gets
// pruned again on the next sweep.
func (nm *namespaceManager) PruneGraves(cutoff time.Time) int {
	nm.Lock()
	defer nm.Unlock()

	pruned := 0
	for p, e := range nm.files {
		if e.deleted && e.deletedAt.Before(cutoff) {
			delete(nm.files, p)
			pruned++
		}
	}
	return pruned
}

func (nm *namespaceManager) Count() int {
	nm.RLock()
	defer nm.RUnlock()

	n := 0
	for _, e := range nm.files {
		if !e.deleted {
			n++
		}
	}
	return n
}

//------ replay and checkpointing

func (nm *namespaceManager) applyCreate(e *logEntry) {
	nm.Lock()
	defer nm.Unlock()
	nm.files[e.Path] = &fileEntry{path: e.Path, target: e.Target}
}

func (nm *namespaceManager) applyDelete(e *logEntry) {
	nm.Lock()
	defer nm.Unlock()
	if f, ok := nm.files[e.Path]; ok {
		f.deleted = true
		f.deletedAt = e.At
	}
}

func (nm *namespaceManager) applyAttach(path minigfs.Path, id minigfs.ChunkID) {
	nm.Lock()
	defer nm.Unlock()
	e := nm.live(path)
	if e == nil {
		return // deleted before the crash; the chunk is an orphan
	}
	for _, c := range e.chunks {
		if c == id {
			return
		}
	}
	e.chunks = append(e.chunks, id)
}

func (nm *namespaceManager) snapshot() []fileRecord {
	nm.RLock()
	defer nm.RUnlock()

	out := make([]fileRecord, 0, len(nm.files))
	for _, e := range nm.files {
		rec := fileRecord{
			Path:      e.path,
			Target:    e.target,
			Chunks:    append([]minigfs.ChunkID(nil), e.chunks...),
			Deleted:   e.deleted,
			DeletedAt: e.deletedAt,
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (nm *namespaceManager) load(recs []fileRecord) {
	nm.Lock()
	defer nm.Unlock()

	for _, rec := range recs {
		nm.files[rec.Path] = &fileEntry{
			path:      rec.Path,
			target:    rec.Target,
			chunks:    append([]minigfs.ChunkID(nil), rec.Chunks...),
			deleted:   rec.Deleted,
			deletedAt: rec.DeletedAt,
		}
	}
}
