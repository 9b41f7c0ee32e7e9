package pagedllm

import (
	"container/list"
	"time"

	"github.com/sirupsen/logrus"
)

// Stats is a point-in-time snapshot of scheduler occupancy, exposed for
// health and metrics reporting.
type Stats struct {
	Running     int `json:"running"`
	Waiting     int `json:"waiting"`
	Swapped     int `json:"swapped"`
	FreeBlocks  int `json:"free_blocks"`
	TotalBlocks int `json:"total_blocks"`
}

// Scheduler is the admission-control and step-planning state machine.
// Each tick it decides which waiting sequences enter the running set,
// which running sequences must be preempted under memory pressure, and
// builds the batch plan handed to the execution backend. All pool
// mutation happens here or in the processor, on the scheduling
// goroutine; the scheduler itself is not safe for concurrent use.
type Scheduler struct {
	cfg         *Config
	pool        *BlockPool
	swapCapable bool

	waiting *list.List // *Sequence, FCFS arrival order
	running *list.List // admission order, front = least recently admitted
	swapped *list.List // preemption order, front = first preempted

	tick int64
}

// NewScheduler creates a scheduler over an explicitly owned pool. Swap
// preemption is only honored when the config asks for it and the
// backend is swap-capable; otherwise every preemption recomputes.
func NewScheduler(cfg *Config, pool *BlockPool, swapCapable bool) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		pool:        pool,
		swapCapable: swapCapable && cfg.Preemption == PreemptSwap && cfg.NumSwapBlocks > 0,
		waiting:     list.New(),
		running:     list.New(),
		swapped:     list.New(),
	}
}

// Add enqueues a sequence for admission.
func (s *Scheduler) Add(seq *Sequence) {
	seq.Status = StatusWaiting
	s.waiting.PushBack(seq)
}

// HasWork reports whether any sequence is still unfinished.
func (s *Scheduler) HasWork() bool {
	return s.waiting.Len() > 0 || s.running.Len() > 0 || s.swapped.Len() > 0
}

// Snapshot returns current occupancy counts.
func (s *Scheduler) Snapshot() Stats {
	return Stats{
		Running:     s.running.Len(),
		Waiting:     s.waiting.Len(),
		Swapped:     s.swapped.Len(),
		FreeBlocks:  s.pool.FreeCount(),
		TotalBlocks: s.pool.TotalBlocks(),
	}
}

// Schedule plans one tick. It first sweeps cancellation flags and
// expired deadlines (so both take effect within one tick), then resumes
// swapped sequences, then plans decode and continuing-prefill work for
// the running set, and finally admits waiting sequences FCFS into the
// leftover token budget. The returned terminated slice holds sequences
// ended by the sweep; their blocks are already released.
func (s *Scheduler) Schedule(now time.Time) (*BatchPlan, []*Sequence) {
	s.tick++
	terminated := s.sweepTerminations(now)

	plan := &BatchPlan{}
	budget := s.cfg.MaxNumBatchedTokens

	s.resumeSwapped(plan)
	s.planRunning(plan, &budget)
	if s.swapped.Len() == 0 {
		s.admitWaiting(plan, &budget)
	}

	return plan, terminated
}

// sweepTerminations finalizes sequences whose cancellation flag is set
// or whose wall-clock budget expired, whatever queue they are in.
// Blocks are released synchronously so capacity is available to this
// very tick.
func (s *Scheduler) sweepTerminations(now time.Time) []*Sequence {
	var terminated []*Sequence
	for _, q := range []*list.List{s.waiting, s.running, s.swapped} {
		for e := q.Front(); e != nil; {
			next := e.Next()
			seq := e.Value.(*Sequence)
			if seq.CancelRequested() {
				q.Remove(e)
				s.release(seq)
				seq.Status = StatusCancelled
				seq.FinishReason = ReasonCancelled
				terminated = append(terminated, seq)
			} else if seq.DeadlineExceeded(now) {
				q.Remove(e)
				s.release(seq)
				seq.Status = StatusCancelled
				seq.FinishReason = ReasonTimeout
				terminated = append(terminated, seq)
			}
			e = next
		}
	}
	return terminated
}

// release frees whatever cache resources a sequence holds, device or
// swap side.
func (s *Scheduler) release(seq *Sequence) {
	if len(seq.BlockTable) > 0 {
		s.pool.ReleaseSequence(seq)
	}
	if len(seq.SwapTable) > 0 {
		s.pool.ReleaseSwapped(seq)
	}
}

// resumeSwapped moves swapped sequences back to running while device
// capacity allows. Swapped sequences are resumed before any new
// admission: they already made progress and paid for it once.
func (s *Scheduler) resumeSwapped(plan *BatchPlan) {
	for s.swapped.Len() > 0 && s.running.Len() < s.cfg.MaxNumSeqs {
		e := s.swapped.Front()
		seq := e.Value.(*Sequence)
		if !s.pool.CanSwapIn(seq) {
			break
		}
		ops, err := s.pool.SwapIn(seq)
		if err != nil {
			break
		}
		s.swapped.Remove(e)
		plan.SwapIn = append(plan.SwapIn, ops...)
		seq.Status = StatusRunning
		s.running.PushBack(seq)
		logrus.Debugf("[tick %07d] resumed swapped sequence %s", s.tick, seq.ID)
	}
}

// planRunning walks the running set in admission order and plans one
// decode token for each decode-ready sequence and one prefill chunk for
// each sequence still computing prompt (or recomputing after
// preemption). Under memory pressure it preempts victims from the back
// of the running list: the most recently admitted lose their place
// first, protecting sequences closest to completion from thrashing.
func (s *Scheduler) planRunning(plan *BatchPlan, budget *int) {
	for e := s.running.Front(); e != nil; {
		seq := e.Value.(*Sequence)

		if *budget <= 0 {
			break
		}

		if seq.DecodeReady() {
			preemptedSelf := false
			for !s.pool.CanAppendToken(seq) {
				if back := s.running.Back(); back != e {
					s.preempt(back.Value.(*Sequence), plan)
					s.running.Remove(back)
				} else {
					next := e.Next()
					s.preempt(seq, plan)
					s.running.Remove(e)
					e = next
					preemptedSelf = true
					break
				}
			}
			if preemptedSelf {
				continue
			}
			plan.Decode = append(plan.Decode, seq)
			*budget--
		} else {
			chunk := seq.NumUncomputedTokens()
			if s.cfg.PrefillChunkSize > 0 && chunk > s.cfg.PrefillChunkSize {
				chunk = s.cfg.PrefillChunkSize
			}
			if chunk > *budget {
				chunk = *budget
			}
			if chunk > 0 {
				plan.Prefill = append(plan.Prefill, PrefillEntry{
					Seq:   seq,
					Start: seq.NumComputedTokens,
					End:   seq.NumComputedTokens + chunk,
				})
				*budget -= chunk
			}
		}

		e = e.Next()
	}
}

// preempt reclaims a running sequence's blocks. Swap mode keeps the
// computed state in the swap pool; recompute mode drops everything and
// requeues the sequence at the front of the waiting queue so it regains
// its FCFS position.
func (s *Scheduler) preempt(seq *Sequence, plan *BatchPlan) {
	if s.swapCapable && s.pool.CanSwapOut(seq) {
		ops, err := s.pool.SwapOut(seq)
		if err == nil {
			seq.Status = StatusSwapped
			plan.SwapOut = append(plan.SwapOut, ops...)
			s.swapped.PushBack(seq)
			plan.Preempted = append(plan.Preempted, seq)
			logrus.Warnf("[tick %07d] preemption: swapped out sequence %s (%d blocks)",
				s.tick, seq.ID, len(seq.SwapTable))
			return
		}
	}

	s.pool.ReleaseSequence(seq)
	seq.resetComputed()
	seq.Status = StatusWaiting
	s.waiting.PushFront(seq)
	plan.Preempted = append(plan.Preempted, seq)
	logrus.Warnf("[tick %07d] preemption: recomputing sequence %s from scratch", s.tick, seq.ID)
}

// admitWaiting moves waiting sequences into the running set FCFS while
// the pool and the token budget allow. Admission reserves blocks for
// the sequence's entire prompt up front; only the compute is chunked.
// The first sequence that does not fit stops admission: skipping ahead
// would break arrival-order fairness.
func (s *Scheduler) admitWaiting(plan *BatchPlan, budget *int) {
	for s.waiting.Len() > 0 && s.running.Len() < s.cfg.MaxNumSeqs && *budget > 0 {
		e := s.waiting.Front()
		seq := e.Value.(*Sequence)

		if !s.pool.CanAllocateSequence(seq) {
			break
		}
		if err := s.pool.AllocateSequence(seq); err != nil {
			break
		}

		// Prefix-cache hits are already computed, and a fork arrives
		// carrying its parent's progress. The cursor only ever moves
		// forward, and at least one token stays uncomputed so the
		// final chunk still samples.
		if seq.NumCachedTokens > seq.NumComputedTokens {
			seq.NumComputedTokens = seq.NumCachedTokens
		}
		if seq.NumComputedTokens > seq.NumTokens-1 {
			seq.NumComputedTokens = seq.NumTokens - 1
		}

		chunk := seq.NumUncomputedTokens()
		if s.cfg.PrefillChunkSize > 0 && chunk > s.cfg.PrefillChunkSize {
			chunk = s.cfg.PrefillChunkSize
		}
		if chunk > *budget {
			chunk = *budget
		}

		s.waiting.Remove(e)
		seq.Status = StatusRunning
		s.running.PushBack(seq)

		plan.Prefill = append(plan.Prefill, PrefillEntry{
			Seq:   seq,
			Start: seq.NumComputedTokens,
			End:   seq.NumComputedTokens + chunk,
		})
		*budget -= chunk
		logrus.Debugf("[tick %07d] admitted sequence %s (%d prompt tokens, %d cached)",
			s.tick, seq.ID, seq.NumPromptTokens, seq.NumCachedTokens)
	}
}

// Finish moves a sequence to a terminal state, releases its blocks
// synchronously, and unlinks it from whichever queue holds it. The
// shutdown path finishes waiting and swapped sequences too, not just
// running ones.
func (s *Scheduler) Finish(seq *Sequence, reason FinishReason, err error) {
	seq.FinishReason = reason
	seq.Err = err
	if reason == ReasonCancelled || reason == ReasonTimeout {
		seq.Status = StatusCancelled
	} else {
		seq.Status = StatusFinished
	}
	s.release(seq)
	s.removeFromQueues(seq)
}

// removeFromQueues unlinks seq from the queue that currently holds it,
// if any.
func (s *Scheduler) removeFromQueues(seq *Sequence) {
	for _, q := range []*list.List{s.running, s.waiting, s.swapped} {
		for e := q.Front(); e != nil; e = e.Next() {
			if e.Value.(*Sequence) == seq {
				q.Remove(e)
				return
			}
		}
	}
}

// PreemptMidTick removes a sequence from this tick's plan membership
// after an allocation failure inside the processor. The sequence is
// requeued (or swapped) without aborting the rest of the batch.
func (s *Scheduler) PreemptMidTick(seq *Sequence, plan *BatchPlan) {
	s.removeFromQueues(seq)
	s.preempt(seq, plan)
}
