// File: internal/registry/registry.go

// Package registry tracks opaque element handles for document nodes the
// agent has surfaced. Handles are non-owning: the registry never keeps a
// node alive, it only remembers how to find one and notices when it is
// gone. Slots live in an arena; each handle string encodes its slot index
// and a generation counter, so a stale handle fails a cheap generation
// check instead of needing a live probe against the page.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relayforge/agentbus/internal/config"
)

// ErrNotFound is returned when a handle is stale, malformed, or its node
// has left the document.
var ErrNotFound = errors.New("element not found")

// NodeID identifies one document node for the life of a page. Nodes reached
// through a nested frame carry the frame's ID so liveness probes can scope
// their lookup.
type NodeID struct {
	Backend int64
	Frame   string
}

// Point is a coordinate offset in top-frame space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Geometry is a node's bounding box in top-frame coordinates.
type Geometry struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
	CenterX float64 `json:"centerX"`
	CenterY float64 `json:"centerY"`
}

// LivenessProbe reports whether a node still exists in the document.
type LivenessProbe func(NodeID) bool

// GeometryProbe returns a node's bounding box in its own frame's
// coordinates, or false when it cannot be measured.
type GeometryProbe func(NodeID) (x, y, w, h float64, ok bool)

// slot is one arena cell. gen is bumped every time the slot is freed, which
// invalidates every handle minted against the old generation.
type slot struct {
	gen    uint32
	live   bool
	node   NodeID
	offset Point
}

// Registry owns the handle arena. No other component mutates it.
type Registry struct {
	cfg    config.RegistryConfig
	logger *zap.Logger
	probe  LivenessProbe

	mu    sync.Mutex
	slots []slot

	sweepCancel context.CancelFunc
	wg          sync.WaitGroup
}

// New creates an empty registry. The probe is consulted on resolve and
// during sweeps; a nil probe treats every stored node as live.
func New(cfg config.RegistryConfig, probe LivenessProbe, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:    cfg,
		logger: logger.Named("element_registry"),
		probe:  probe,
	}
}

// SetProbe installs the liveness probe after construction. The registry and
// the page adapter reference each other, so one of them has to be wired
// second.
func (r *Registry) SetProbe(probe LivenessProbe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probe = probe
}

// GetOrCreate returns the handle for a node, minting one if the node has
// never been surfaced. A linear scan over live slots is fine here: live
// node counts are bounded by viewport and document size. The frame offset
// is fixed at mint time.
func (r *Registry) GetOrCreate(node NodeID, offset Point) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	free := -1
	for i := range r.slots {
		if r.slots[i].live {
			if r.slots[i].node == node {
				return formatHandle(i, r.slots[i].gen)
			}
		} else if free < 0 {
			free = i
		}
	}

	if free < 0 {
		r.slots = append(r.slots, slot{})
		free = len(r.slots) - 1
	}
	s := &r.slots[free]
	s.live = true
	s.node = node
	s.offset = offset
	return formatHandle(free, s.gen)
}

// Resolve maps a handle back to its node. A handle whose node the probe
// reports gone is invalidated on the spot: the slot is freed, its
// generation bumped, and ErrNotFound returned. The next resolve of the
// same handle fails the generation check without any probe.
func (r *Registry) Resolve(handle string) (NodeID, error) {
	idx, gen, err := parseHandle(handle)
	if err != nil {
		return NodeID{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if idx >= len(r.slots) {
		return NodeID{}, ErrNotFound
	}
	s := &r.slots[idx]
	if !s.live || s.gen != gen {
		return NodeID{}, ErrNotFound
	}

	if r.probe != nil && !r.probe(s.node) {
		r.freeLocked(idx)
		return NodeID{}, ErrNotFound
	}
	return s.node, nil
}

// Offset returns the frame offset recorded when the handle was minted.
func (r *Registry) Offset(handle string) (Point, error) {
	idx, gen, err := parseHandle(handle)
	if err != nil {
		return Point{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if idx >= len(r.slots) || !r.slots[idx].live || r.slots[idx].gen != gen {
		return Point{}, ErrNotFound
	}
	return r.slots[idx].offset, nil
}

// BoundingGeometry resolves the handle and measures it, translating into
// top-frame coordinates by adding the offset recorded at mint time.
func (r *Registry) BoundingGeometry(handle string, measure GeometryProbe) (*Geometry, error) {
	node, err := r.Resolve(handle)
	if err != nil {
		return nil, err
	}
	offset, err := r.Offset(handle)
	if err != nil {
		return nil, err
	}

	x, y, w, h, ok := measure(node)
	if !ok {
		return nil, ErrNotFound
	}

	x += offset.X
	y += offset.Y
	return &Geometry{
		X:       x,
		Y:       y,
		Width:   w,
		Height:  h,
		CenterX: x + w/2,
		CenterY: y + h/2,
	}, nil
}

// Invalidate drops a handle explicitly, bumping the slot generation.
func (r *Registry) Invalidate(handle string) {
	idx, gen, err := parseHandle(handle)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx < len(r.slots) && r.slots[idx].live && r.slots[idx].gen == gen {
		r.freeLocked(idx)
	}
}

// Clear frees every slot. Used on navigation, when every node is gone at
// once.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slots {
		if r.slots[i].live {
			r.freeLocked(i)
		}
	}
}

// Sweep probes every live slot and frees the dead ones. Lazy invalidation
// on Resolve keeps the registry correct without this; the sweep only
// reclaims memory from handles nobody resolves anymore.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	probe := r.probe
	if probe == nil {
		r.mu.Unlock()
		return 0
	}
	// Snapshot so the probe runs without holding the lock.
	type probeTarget struct {
		idx  int
		gen  uint32
		node NodeID
	}
	targets := make([]probeTarget, 0, len(r.slots))
	for i := range r.slots {
		if r.slots[i].live {
			targets = append(targets, probeTarget{idx: i, gen: r.slots[i].gen, node: r.slots[i].node})
		}
	}
	r.mu.Unlock()

	freed := 0
	for _, t := range targets {
		if probe(t.node) {
			continue
		}
		r.mu.Lock()
		if t.idx < len(r.slots) && r.slots[t.idx].live && r.slots[t.idx].gen == t.gen {
			r.freeLocked(t.idx)
			freed++
		}
		r.mu.Unlock()
	}

	if freed > 0 {
		r.logger.Debug("Swept dead element handles", zap.Int("freed", freed))
	}
	return freed
}

// StartSweeper runs Sweep on the configured interval until ctx is done.
func (r *Registry) StartSweeper(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	if r.sweepCancel != nil {
		r.mu.Unlock()
		cancel()
		return
	}
	r.sweepCancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}

// StopSweeper halts the periodic sweep and waits for it to exit.
func (r *Registry) StopSweeper() {
	r.mu.Lock()
	cancel := r.sweepCancel
	r.sweepCancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// Len reports the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.slots {
		if r.slots[i].live {
			n++
		}
	}
	return n
}

// freeLocked releases one slot and bumps its generation. Caller holds r.mu.
func (r *Registry) freeLocked(idx int) {
	s := &r.slots[idx]
	s.live = false
	s.node = NodeID{}
	s.offset = Point{}
	s.gen++
}

func formatHandle(idx int, gen uint32) string {
	return fmt.Sprintf("e%d.%d", idx, gen)
}

func parseHandle(handle string) (idx int, gen uint32, err error) {
	if len(handle) < 2 || handle[0] != 'e' {
		return 0, 0, ErrNotFound
	}
	dot := strings.IndexByte(handle, '.')
	if dot < 2 {
		return 0, 0, ErrNotFound
	}
	idx, err = strconv.Atoi(handle[1:dot])
	if err != nil || idx < 0 {
		return 0, 0, ErrNotFound
	}
	g, err := strconv.ParseUint(handle[dot+1:], 10, 32)
	if err != nil {
		return 0, 0, ErrNotFound
	}
	return idx, uint32(g), nil
}
