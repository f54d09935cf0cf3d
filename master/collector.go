package master

import (
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"

	minigfs "github.com/kkyrenc/mini-gfs"
)

// collector holds the garbage-collection grace queue. Orphaned chunks (not
// referenced by any live file) are noted with an eligibility time one grace
// period ahead; sweeps pop everything whose time has come. The queue is
// ordered, so a sweep only ever looks at the front.
type collector struct {
	mu    sync.Mutex
	queue *treemap.Map              // eligible-at unix nanos -> set of chunk ids
	when  map[minigfs.ChunkID]int64 // chunk id -> its queue key
	grace time.Duration
}

func newCollector(grace time.Duration) *collector {
	return &collector{
		queue: treemap.NewWith(utils.Int64Comparator),
		when:  make(map[minigfs.ChunkID]int64),
		grace: grace,
	}
}

// Note records the first sighting of an orphan. Repeat sightings keep the
// original eligibility time.
func (gc *collector) Note(id minigfs.ChunkID, now time.Time) {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	if _, ok := gc.when[id]; ok {
		return
	}
	at := now.Add(gc.grace).UnixNano()
	gc.when[id] = at

	var set map[minigfs.ChunkID]bool
	if v, ok := gc.queue.Get(at); ok {
		set = v.(map[minigfs.ChunkID]bool)
	} else {
		set = make(map[minigfs.ChunkID]bool)
		gc.queue.Put(at, set)
	}
	set[id] = true
}

// Forget drops a chunk from the queue, for chunks that stopped existing
// through some other path before their grace ran out.
func (gc *collector) Forget(id minigfs.ChunkID) {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	at, ok := gc.when[id]
	if !ok {
		return
	}
	delete(gc.when, id)
	if v, ok := gc.queue.Get(at); ok {
		set := v.(map[minigfs.ChunkID]bool)
		delete(set, id)
		if len(set) == 0 {
			gc.queue.Remove(at)
		}
	}
}

// Due pops every chunk whose grace period has elapsed.
func (gc *collector) Due(now time.Time) []minigfs.ChunkID {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	cutoff := now.UnixNano()
	var out []minigfs.ChunkID
	for {
		k, v := gc.queue.Min()
		if k == nil || k.(int64) > cutoff {
			break
		}
		for id := range v.(map[minigfs.ChunkID]bool) {
			out = append(out, id)
			delete(gc.when, id)
		}
		gc.queue.Remove(k)
	}
	return out
}

func (gc *collector) Pending() int {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return len(gc.when)
}
