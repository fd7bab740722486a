package imm

import (
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring"
)

// unassigned marks an observation that a sampler has taken out of its
// cluster and not yet placed again.
const unassigned = -1

// cluster is one slot of the partition arena.
type cluster struct {
	stats   *SufficientStatistics
	members *roaring.Bitmap
	// component holds the cluster's latent parameters in the conditionally
	// conjugate model; nil otherwise.
	component *Component
}

// Partition is the mutable state of a sampler: the assignment of every
// observation to a cluster and one SufficientStatistics per active cluster.
//
// Cluster ids index an arena of slots. A slot is freed when its cluster
// empties and its id is handed out again by the next cluster to open, so ids
// are unique among active clusters but not stable across a run.
//
// Observations are referenced, never copied. A Partition must not be used by
// more than one goroutine at a time.
type Partition struct {
	data   [][]float64
	dim    int
	assign []int
	slots  []*cluster
	free   []int
	active int
}

// NewPartition returns a partition of data with every observation in a
// single cluster. It is the starting point when no initial assignment is
// available. An empty data set yields a partition without clusters.
func NewPartition(data [][]float64) (*Partition, error) {
	return PartitionFromAssignment(data, make([]int, len(data)))
}

// PartitionFromAssignment builds a partition from arbitrary integer labels.
// Observations with equal labels share a cluster; labels need not be
// contiguous or non-negative. Cluster ids are assigned in order of first
// appearance.
func PartitionFromAssignment(data [][]float64, labels []int) (*Partition, error) {
	if len(labels) != len(data) {
		return nil, fmt.Errorf("%w: %d labels for %d observations", ErrInvalidData, len(labels), len(data))
	}
	dim, err := checkData(data)
	if err != nil {
		return nil, err
	}
	p := &Partition{
		data:   data,
		dim:    dim,
		assign: make([]int, len(data)),
	}
	ids := make(map[int]int)
	for i, l := range labels {
		id, ok := ids[l]
		if !ok {
			id = p.open()
			ids[l] = id
		}
		p.assign[i] = unassigned
		if err := p.add(i, id); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// checkData returns the common dimensionality of data.
func checkData(data [][]float64) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	dim := len(data[0])
	if dim == 0 {
		return 0, fmt.Errorf("%w: observations have dimension 0", ErrInvalidData)
	}
	for i, x := range data {
		if len(x) != dim {
			return 0, fmt.Errorf("%w: observation %d has dimension %d, want %d", ErrInvalidData, i, len(x), dim)
		}
		for j, v := range x {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return 0, fmt.Errorf("%w: observation %d has non-finite value at %d", ErrInvalidData, i, j)
			}
		}
	}
	return dim, nil
}

// Len returns the number of observations.
func (p *Partition) Len() int { return len(p.data) }

// Dim returns the observation dimensionality (0 for an empty data set).
func (p *Partition) Dim() int { return p.dim }

// Data returns the observations backing p.
func (p *Partition) Data() [][]float64 { return p.data }

// NumClusters returns the number of active clusters.
func (p *Partition) NumClusters() int { return p.active }

// ClusterIDs returns the ids of the active clusters in increasing order.
func (p *Partition) ClusterIDs() []int {
	ids := make([]int, 0, p.active)
	for id, c := range p.slots {
		if c != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// ClusterOf returns the cluster id of observation i.
func (p *Partition) ClusterOf(i int) int { return p.assign[i] }

// Size returns the number of observations in cluster id, or 0 if id is not
// active.
func (p *Partition) Size(id int) int {
	if c := p.slot(id); c != nil {
		return c.stats.Count()
	}
	return 0
}

// Stats returns the sufficient statistics of cluster id, or nil if id is not
// active. The result is owned by p.
func (p *Partition) Stats(id int) *SufficientStatistics {
	if c := p.slot(id); c != nil {
		return c.stats
	}
	return nil
}

// Component returns the latent parameters of cluster id under the
// conditionally conjugate model, or nil when none has been drawn.
func (p *Partition) Component(id int) *Component {
	if c := p.slot(id); c != nil {
		return c.component
	}
	return nil
}

// Members returns the observation indices of cluster id in increasing order.
func (p *Partition) Members(id int) []int {
	c := p.slot(id)
	if c == nil {
		return nil
	}
	out := make([]int, 0, c.members.GetCardinality())
	it := c.members.Iterator()
	for it.HasNext() {
		out = append(out, int(it.Next()))
	}
	return out
}

// Sizes returns the sizes of the active clusters in ClusterIDs order.
func (p *Partition) Sizes() []int {
	sizes := make([]int, 0, p.active)
	for _, c := range p.slots {
		if c != nil {
			sizes = append(sizes, c.stats.Count())
		}
	}
	return sizes
}

// Assignment returns a copy of the raw cluster id of every observation.
func (p *Partition) Assignment() []int {
	return append([]int(nil), p.assign...)
}

// Labels returns the assignment relabelled to 0..K-1 in order of first
// appearance.
func (p *Partition) Labels() []int {
	return Relabel(p.assign)
}

// Clone returns a deep copy of p sharing the observations.
func (p *Partition) Clone() *Partition {
	c := &Partition{
		data:   p.data,
		dim:    p.dim,
		assign: append([]int(nil), p.assign...),
		slots:  make([]*cluster, len(p.slots)),
		free:   append([]int(nil), p.free...),
		active: p.active,
	}
	for id, s := range p.slots {
		if s == nil {
			continue
		}
		c.slots[id] = &cluster{
			stats:     s.stats.Clone(),
			members:   s.members.Clone(),
			component: s.component,
		}
	}
	return c
}

func (p *Partition) slot(id int) *cluster {
	if id < 0 || id >= len(p.slots) {
		return nil
	}
	return p.slots[id]
}

// open activates an empty cluster, reusing a freed id when one exists.
func (p *Partition) open() int {
	c := &cluster{
		stats:   NewSufficientStatistics(max(p.dim, 1)),
		members: roaring.New(),
	}
	p.active++
	if n := len(p.free); n > 0 {
		id := p.free[n-1]
		p.free = p.free[:n-1]
		p.slots[id] = c
		return id
	}
	p.slots = append(p.slots, c)
	return len(p.slots) - 1
}

// close releases the slot of an emptied cluster.
func (p *Partition) close(id int) {
	p.slots[id] = nil
	p.free = append(p.free, id)
	p.active--
}

// add places the unassigned observation i in cluster id.
func (p *Partition) add(i, id int) error {
	c := p.slot(id)
	if c == nil {
		return fmt.Errorf("add observation %d to inactive cluster %d: %w", i, id, ErrInconsistentState)
	}
	if p.assign[i] != unassigned {
		return fmt.Errorf("observation %d is already in cluster %d: %w", i, p.assign[i], ErrInconsistentState)
	}
	c.stats.Add(p.data[i])
	c.members.Add(uint32(i))
	p.assign[i] = id
	return nil
}

// remove takes observation i out of its cluster, closing the cluster if it
// empties. It returns the former cluster id and whether it was closed.
func (p *Partition) remove(i int) (id int, closed bool, err error) {
	id = p.assign[i]
	c := p.slot(id)
	if c == nil {
		return id, false, fmt.Errorf("observation %d is in inactive cluster %d: %w", i, id, ErrInconsistentState)
	}
	if err := c.stats.Remove(p.data[i]); err != nil {
		return id, false, fmt.Errorf("cluster %d: %w", id, err)
	}
	c.members.Remove(uint32(i))
	p.assign[i] = unassigned
	if c.stats.IsEmpty() {
		if !c.members.IsEmpty() {
			return id, false, fmt.Errorf("cluster %d has members but zero count: %w", id, ErrInconsistentState)
		}
		p.close(id)
		return id, true, nil
	}
	return id, false, nil
}

// restore puts the unassigned observation i back into cluster id, reopening
// that slot when remove closed it. Samplers call it when a step fails after
// remove so the partition stays valid.
func (p *Partition) restore(i, id int) {
	if p.slot(id) == nil {
		for k, f := range p.free {
			if f == id {
				p.free = append(p.free[:k], p.free[k+1:]...)
				break
			}
		}
		for len(p.slots) <= id {
			p.slots = append(p.slots, nil)
		}
		p.slots[id] = &cluster{
			stats:   NewSufficientStatistics(max(p.dim, 1)),
			members: roaring.New(),
		}
		p.active++
	}
	c := p.slots[id]
	c.stats.Add(p.data[i])
	c.members.Add(uint32(i))
	p.assign[i] = id
}

// replace installs new contents for an active cluster. The members must
// already point at id in the assignment, or be moved there by the caller.
func (p *Partition) replace(id int, stats *SufficientStatistics, members *roaring.Bitmap) {
	c := p.slots[id]
	c.stats = stats
	c.members = members
	c.component = nil
}

// refresh recomputes the statistics of cluster id from its members.
func (p *Partition) refresh(id int) {
	c := p.slots[id]
	c.stats = p.recompute(c.members)
}

func (p *Partition) recompute(members *roaring.Bitmap) *SufficientStatistics {
	s := NewSufficientStatistics(max(p.dim, 1))
	it := members.Iterator()
	for it.HasNext() {
		s.Add(p.data[it.Next()])
	}
	return s
}

// statsTolerance bounds the drift accepted between incremental and
// recomputed statistics, relative to the magnitude of the recomputed ones.
const statsTolerance = 1e-6

// Validate checks the partition invariants: every observation belongs to
// exactly one active cluster, member sets agree with the assignment, counts
// add up to Len, and the incremental statistics match a recomputation from
// the members. Violations wrap ErrInconsistentState.
func (p *Partition) Validate() error {
	total := 0
	active := 0
	for id, c := range p.slots {
		if c == nil {
			continue
		}
		active++
		n := c.stats.Count()
		if n < 1 {
			return fmt.Errorf("cluster %d is active with count %d: %w", id, n, ErrInconsistentState)
		}
		if m := int(c.members.GetCardinality()); m != n {
			return fmt.Errorf("cluster %d has count %d but %d members: %w", id, n, m, ErrInconsistentState)
		}
		it := c.members.Iterator()
		for it.HasNext() {
			i := int(it.Next())
			if p.assign[i] != id {
				return fmt.Errorf("observation %d is a member of %d but assigned to %d: %w",
					i, id, p.assign[i], ErrInconsistentState)
			}
		}
		fresh := p.recompute(c.members)
		scale := 1.0
		for _, v := range fresh.Sum() {
			scale = max(scale, math.Abs(v))
		}
		if d := c.stats.maxAbsDiff(fresh); d > statsTolerance*scale*scale {
			return fmt.Errorf("cluster %d statistics drifted by %g: %w", id, d, ErrInconsistentState)
		}
		total += n
	}
	if active != p.active {
		return fmt.Errorf("%d active slots, %d recorded: %w", active, p.active, ErrInconsistentState)
	}
	if total != len(p.data) {
		return fmt.Errorf("cluster counts sum to %d, want %d: %w", total, len(p.data), ErrInconsistentState)
	}
	for i, id := range p.assign {
		if p.slot(id) == nil {
			return fmt.Errorf("observation %d assigned to inactive cluster %d: %w", i, id, ErrInconsistentState)
		}
	}
	return nil
}
