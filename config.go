package minigfs

import (
	"fmt"
	"time"
)

// Config carries every tunable of the master. The zero value is usable after
// SetDefaults. The defaults keep the ordering the coordination protocol
// depends on: a lease must expire well before its holder can be declared
// dead, and a dead holder must be detected well before re-replication of its
// chunks begins.
type Config struct {
	// HeartbeatInterval is how often nodes beat and how often the monitor
	// sweeps for missed beats.
	HeartbeatInterval time.Duration
	// HeartbeatMissLimit is the number of consecutive missed intervals at
	// which a node is declared Dead. The first miss already makes it
	// Suspect, so the limit must be at least 2.
	HeartbeatMissLimit int

	// LeaseDuration is the lifetime of a primary lease from grant or renewal.
	LeaseDuration time.Duration

	// ReconcileInterval is the period of the replication reconcile loop.
	ReconcileInterval time.Duration
	// ReplicationTimeout bounds one copy command, dial included.
	ReplicationTimeout time.Duration
	// ReplicationRetries is the number of alternate destinations tried
	// before a chunk is surfaced as degraded.
	ReplicationRetries int
	// ReplicationWorkers is the size of the copy-command worker pool.
	ReplicationWorkers int
	// ReplicationRate paces copy commands per second across the cluster,
	// with ReplicationBurst as the limiter burst.
	ReplicationRate  float64
	ReplicationBurst int

	// GCInterval is the period of the orphan sweep. GCGracePeriod is how
	// long an orphaned chunk must stay orphaned before deletion.
	GCInterval    time.Duration
	GCGracePeriod time.Duration

	// DefaultReplicas is the target replica count of files created
	// without an explicit target.
	DefaultReplicas int
	// VirtualNodes is the number of ring positions per storage node.
	VirtualNodes int

	// CheckpointEvery compacts the recovery log after this many entries.
	CheckpointEvery int
	// RPCTimeout bounds every other outbound call the master makes.
	RPCTimeout time.Duration
}

func (c *Config) SetDefaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 1 * time.Second
	}
	if c.HeartbeatMissLimit == 0 {
		c.HeartbeatMissLimit = 4
	}
	if c.LeaseDuration == 0 {
		c.LeaseDuration = 2 * time.Second
	}
	if c.ReconcileInterval == 0 {
		c.ReconcileInterval = 10 * time.Second
	}
	if c.ReplicationTimeout == 0 {
		c.ReplicationTimeout = 10 * time.Second
	}
	if c.ReplicationRetries == 0 {
		c.ReplicationRetries = 3
	}
	if c.ReplicationWorkers == 0 {
		c.ReplicationWorkers = 4
	}
	if c.ReplicationRate == 0 {
		c.ReplicationRate = 16
	}
	if c.ReplicationBurst == 0 {
		c.ReplicationBurst = 4
	}
	if c.GCInterval == 0 {
		c.GCInterval = 30 * time.Second
	}
	if c.GCGracePeriod == 0 {
		c.GCGracePeriod = 1 * time.Minute
	}
	if c.DefaultReplicas == 0 {
		c.DefaultReplicas = 3
	}
	if c.VirtualNodes == 0 {
		c.VirtualNodes = 20
	}
	if c.CheckpointEvery == 0 {
		c.CheckpointEvery = 1000
	}
	if c.RPCTimeout == 0 {
		c.RPCTimeout = 5 * time.Second
	}
}

// DeadAfter is how long a node can stay silent before it is declared Dead:
// HeartbeatMissLimit consecutive missed intervals.
func (c Config) DeadAfter() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.HeartbeatMissLimit)
}

// Validate rejects configurations that break the protocol ordering
// LeaseDuration < DeadAfter < ReconcileInterval. A crashed primary's lease
// must lapse before the monitor declares it Dead, and death must be detected
// before the reconciler starts moving its chunks.
func (c Config) Validate() error {
	if c.LeaseDuration >= c.DeadAfter() {
		return fmt.Errorf("lease duration %v must be shorter than the death deadline %v", c.LeaseDuration, c.DeadAfter())
	}
	if c.DeadAfter() >= c.ReconcileInterval {
		return fmt.Errorf("death deadline %v must be shorter than the reconcile interval %v", c.DeadAfter(), c.ReconcileInterval)
	}
	if c.HeartbeatMissLimit < 2 {
		return fmt.Errorf("heartbeat miss limit %v must be at least 2", c.HeartbeatMissLimit)
	}
	if c.DefaultReplicas < 1 {
		return fmt.Errorf("default replica count %v must be at least 1", c.DefaultReplicas)
	}
	if c.VirtualNodes < 1 {
		return fmt.Errorf("virtual node count %v must be at least 1", c.VirtualNodes)
	}
	return nil
}
