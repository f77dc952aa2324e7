// Package snowflake generates time-sortable 64-bit ids for append-only rows
// (corrections, audit records, cost events). Chronological ordering of the id
// doubles as insertion order, which keeps the audit queries index-only.
//
// Layout (64 bits): 1 sign, 41 timestamp ms since epoch, 10 node, 12 sequence.
package snowflake

import (
	"errors"
	"sync"
	"time"
)

const (
	// Custom epoch: 2025-01-01 00:00:00 UTC.
	epoch int64 = 1735689600000

	nodeIDBits   = 10
	sequenceBits = 12

	maxNodeID   = (1 << nodeIDBits) - 1   // 1023
	maxSequence = (1 << sequenceBits) - 1 // 4095

	timestampShift = nodeIDBits + sequenceBits // 22
	nodeIDShift    = sequenceBits              // 12
)

var (
	ErrInvalidNodeID  = errors.New("node ID must be between 0 and 1023")
	ErrClockMovedBack = errors.New("clock moved backwards")
)

// Generator generates unique snowflake ids.
type Generator struct {
	mu       sync.Mutex
	nodeID   int64
	sequence int64
	lastTime int64
}

// NewGenerator creates a generator for the given node.
func NewGenerator(nodeID int64) (*Generator, error) {
	if nodeID < 0 || nodeID > maxNodeID {
		return nil, ErrInvalidNodeID
	}
	return &Generator{nodeID: nodeID}, nil
}

// Generate returns a new unique id.
func (g *Generator) Generate() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := currentTimeMillis()
	if now < g.lastTime {
		return 0, ErrClockMovedBack
	}

	if now == g.lastTime {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// Sequence exhausted within this millisecond; spin to the next.
			for now <= g.lastTime {
				now = currentTimeMillis()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastTime = now

	id := ((now - epoch) << timestampShift) |
		(g.nodeID << nodeIDShift) |
		g.sequence
	return id, nil
}

// MustGenerate panics on error; the only failure mode is a clock moving
// backwards past the mutex, which is a deployment fault.
func (g *Generator) MustGenerate() int64 {
	id, err := g.Generate()
	if err != nil {
		panic(err)
	}
	return id
}

// Timestamp extracts the creation time from an id.
func Timestamp(id int64) time.Time {
	ms := (id >> timestampShift) + epoch
	return time.UnixMilli(ms).UTC()
}

// NodeID extracts the node component from an id.
func NodeID(id int64) int64 {
	return (id >> nodeIDShift) & maxNodeID
}

func currentTimeMillis() int64 {
	return time.Now().UnixMilli()
}
