package main

// ===========================================================================
// REPRESENTATION GATHERER
// ===========================================================================
//
// Under data parallelism each process computes representations for its
// own shard of the batch. The contrastive loss gets much stronger the
// more in-batch negatives it sees, so before scoring, every process
// concatenates all processes' representations into one (W*B, H) tensor
// via an all-gather.
//
// The collective exchange does not carry gradients. The trick (and the
// invariant everything downstream relies on) is gather-then-overwrite:
// after the exchange, each process replaces its own rank's slot with the
// ORIGINAL locally computed tensor, not the copy that round-tripped
// through the collective. The backward pass then routes the gradient
// slice at the caller's rank offset back onto the local representation;
// all remote slices are constants.
//
// CALLING CONTRACT (liveness, not checkable from one process):
// the all-gather is a barrier. Every process in the group must issue the
// same sequence of gather calls - all representation streams, in the
// same fixed order (sentence, then positive, then negative). A process
// that gathers two streams while another gathers three deadlocks the
// group or silently misaligns data. The model code in model.go is the
// single place that issues gathers, in one fixed order, to keep this
// contract easy to audit.
//
// ===========================================================================

import "fmt"

// Communicator is the capability handed to the models for cross-process
// collectives. The process group behind it is initialized and torn down
// externally; the models only use it. Passing it explicitly (instead of
// consulting ambient global state) keeps single-process tests
// deterministic: inject SingleProcess or a LocalGroup rank.
type Communicator interface {
	// Active reports whether a multi-process group is running. When
	// false, gathers are no-ops.
	Active() bool

	// WorldSize returns the number of processes in the group.
	WorldSize() int

	// Rank returns this process's index in [0, WorldSize).
	Rank() int

	// AllGather blocks until every process in the group has contributed
	// a tensor, then returns value copies of all contributions in rank
	// order. The returned tensors are gradient-detached.
	AllGather(t *Tensor) ([]*Tensor, error)
}

// GatherRepresentations expands a local representation tensor r (B, H)
// to the union across all processes (W*B, H), in rank-ascending order.
//
// With an inactive communicator r is returned unchanged - same tensor,
// same gradient path. Otherwise the slice at this process's rank offset
// holds r's own values and remains gradient-connected via
// gatherBackward; remote slices are detached constants.
func GatherRepresentations(comm Communicator, r *Tensor) (*Tensor, error) {
	if !comm.Active() {
		return r, nil
	}

	w := comm.WorldSize()

	gathered, err := comm.AllGather(r)
	if err != nil {
		return nil, fmt.Errorf("gather: all-gather failed: %w", err)
	}
	if len(gathered) != w {
		return nil, fmt.Errorf("gather: expected %d tensors, got %d", w, len(gathered))
	}

	parts := make([]*Tensor, w)
	for i, g := range gathered {
		if !shapeEqual(g.shape, r.shape) {
			return nil, fmt.Errorf("%w: rank %d contributed shape %v, local shape %v",
				ErrShapeMismatch, i, g.shape, r.shape)
		}
		parts[i] = g
	}

	// Overwrite our own slot with the original tensor. The copy that
	// came back through the collective is value-identical but detached;
	// using it would sever the gradient path to r.
	parts[comm.Rank()] = r

	return ConcatRows(parts...), nil
}

// gatherBackward extracts the local-rank slice of the gradient of a
// gathered tensor. This is the backward rule for GatherRepresentations:
// only the rows this process contributed carry gradient back to the
// local representation; remote rows were constants.
//
// gradGathered is (W*B, H); the result is (B, H).
func gatherBackward(comm Communicator, gradGathered *Tensor, localBatch int) *Tensor {
	if !comm.Active() {
		return gradGathered
	}

	h := gradGathered.shape[1]
	offset := comm.Rank() * localBatch

	local := NewTensor(localBatch, h)
	copy(local.data, gradGathered.data[offset*h:(offset+localBatch)*h])
	return local
}

// ===========================================================================
// COMMUNICATOR IMPLEMENTATIONS
// ===========================================================================

// SingleProcess is the communicator for non-distributed training.
// Gathers are no-ops.
type SingleProcess struct{}

func (SingleProcess) Active() bool    { return false }
func (SingleProcess) WorldSize() int  { return 1 }
func (SingleProcess) Rank() int       { return 0 }
func (SingleProcess) AllGather(t *Tensor) ([]*Tensor, error) {
	return []*Tensor{t.Detach()}, nil
}

// LocalGroup is an in-process collective group: W "ranks" backed by
// goroutines exchanging tensors through a coordinator. It exists so the
// gather path can be tested with real multi-rank barrier semantics
// without standing up a multi-process group. Mismatched call sequences
// across ranks block forever, exactly like the real thing.
type LocalGroup struct {
	worldSize int
	requests  chan gatherRequest
}

type gatherRequest struct {
	rank  int
	t     *Tensor
	reply chan []*Tensor
}

// localRank is one rank's view of a LocalGroup.
type localRank struct {
	group *LocalGroup
	rank  int
}

// NewLocalGroup creates an in-process group and returns one
// Communicator per rank. Close the group when done to stop its
// coordinator goroutine.
func NewLocalGroup(worldSize int) (*LocalGroup, []Communicator) {
	if worldSize < 1 {
		panic("distributed: world size must be >= 1")
	}

	g := &LocalGroup{
		worldSize: worldSize,
		requests:  make(chan gatherRequest),
	}
	go g.coordinate()

	comms := make([]Communicator, worldSize)
	for i := range comms {
		comms[i] = &localRank{group: g, rank: i}
	}
	return g, comms
}

// coordinate collects one contribution per rank, then releases all
// ranks with the full rank-ordered list. Repeats until the group is
// closed.
func (g *LocalGroup) coordinate() {
	for {
		pending := make([]gatherRequest, 0, g.worldSize)
		contributed := make([]*Tensor, g.worldSize)

		for len(pending) < g.worldSize {
			req, ok := <-g.requests
			if !ok {
				return
			}
			if contributed[req.rank] != nil {
				// Same rank gathering twice in one round means the call
				// sequences diverged; fail loudly instead of misaligning.
				req.reply <- nil
				continue
			}
			contributed[req.rank] = req.t.Detach()
			pending = append(pending, req)
		}

		for _, req := range pending {
			out := make([]*Tensor, g.worldSize)
			for i, t := range contributed {
				out[i] = t.Detach()
			}
			req.reply <- out
		}
	}
}

// Close stops the coordinator. Pending gathers are abandoned.
func (g *LocalGroup) Close() {
	close(g.requests)
}

func (r *localRank) Active() bool   { return true }
func (r *localRank) WorldSize() int { return r.group.worldSize }
func (r *localRank) Rank() int      { return r.rank }

// AllGather blocks until every rank in the group has contributed.
func (r *localRank) AllGather(t *Tensor) ([]*Tensor, error) {
	reply := make(chan []*Tensor, 1)
	r.group.requests <- gatherRequest{rank: r.rank, t: t, reply: reply}
	out := <-reply
	if out == nil {
		return nil, fmt.Errorf("distributed: rank %d issued mismatched gather sequence", r.rank)
	}
	return out, nil
}
