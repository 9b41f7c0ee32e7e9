package pagedllm

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

// Output is the aggregate result of one finished sequence.
type Output struct {
	SeqID    uuid.UUID
	TokenIDs []int // generated tokens only
	Reason   FinishReason
	Err      error
}

// SequenceHandle is the caller's view of a submitted sequence: a stream
// of per-step outcomes and a cancellation hook. All methods are safe
// for concurrent use.
type SequenceHandle struct {
	seq *Sequence
}

// ID returns the sequence id.
func (h *SequenceHandle) ID() uuid.UUID {
	return h.seq.ID
}

// Outcomes returns the outcome stream. The channel is closed after the
// terminal outcome; every submitted sequence always receives exactly
// one terminal outcome.
func (h *SequenceHandle) Outcomes() <-chan StepOutcome {
	return h.seq.outcomes
}

// Cancel requests early termination. It takes effect within one
// scheduling tick.
func (h *SequenceHandle) Cancel() {
	h.seq.Cancel()
}

// Collect drains the outcome stream and aggregates it into an Output.
func (h *SequenceHandle) Collect(ctx context.Context) (*Output, error) {
	out := &Output{SeqID: h.seq.ID}
	for {
		select {
		case o, ok := <-h.seq.outcomes:
			if !ok {
				return out, nil
			}
			switch o.Kind {
			case OutcomeContinuing:
				out.TokenIDs = append(out.TokenIDs, o.Token)
			case OutcomeFinished:
				// Natural stops carry the final sampled token;
				// cancellation, timeout and error do not.
				switch o.Reason {
				case ReasonStopToken, ReasonStopString, ReasonMaxTokens:
					out.TokenIDs = append(out.TokenIDs, o.Token)
				}
				out.Reason = o.Reason
				out.Err = o.Err
			}
		case <-ctx.Done():
			h.seq.Cancel()
			return out, ctx.Err()
		}
	}
}

// Engine multiplexes concurrently arriving generation requests onto one
// block pool and one execution backend. A single scheduling goroutine
// owns all pool and scheduler state; submissions and cancellations
// cross into it only through a bounded channel and atomic flags, so
// Submit never blocks on a running step.
type Engine struct {
	cfg     *Config
	pool    *BlockPool
	sched   *Scheduler
	proc    *BatchProcessor
	backend ExecutionBackend

	submitCh chan *Sequence
	wake     chan struct{}

	arrival     atomic.Int64
	draining    atomic.Bool
	forceCancel atomic.Bool
	loopActive  atomic.Bool

	stats   atomic.Pointer[Stats]
	drained chan struct{}

	// registry maps live sequence ids to sequences. Owned by the
	// scheduling goroutine; never touched from outside the loop.
	registry map[uuid.UUID]*Sequence
}

// NewEngine creates an engine over an explicitly owned block pool and
// scheduler sized from cfg. decoder may be nil; stop strings are then
// ignored. A configuration whose pool cannot hold one maximal sequence
// is rejected here, at startup, not at request time.
func NewEngine(cfg *Config, backend ExecutionBackend, decoder TokenDecoder) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	swapCapable := false
	if sw, ok := backend.(BlockSwapper); ok {
		swapCapable = sw.SupportsSwap()
	}

	pool := NewBlockPool(cfg.NumBlocks, cfg.BlockSize, cfg.NumSwapBlocks)
	sched := NewScheduler(cfg, pool, swapCapable)
	proc := NewBatchProcessor(cfg, pool, sched, backend, decoder)

	e := &Engine{
		cfg:      cfg,
		pool:     pool,
		sched:    sched,
		proc:     proc,
		backend:  backend,
		submitCh: make(chan *Sequence, cfg.SubmitQueueSize),
		wake:     make(chan struct{}, 1),
		drained:  make(chan struct{}),
		registry: make(map[uuid.UUID]*Sequence),
	}
	e.stats.Store(&Stats{FreeBlocks: cfg.NumBlocks, TotalBlocks: cfg.NumBlocks})
	return e, nil
}

// Submit enqueues a new sequence. Non-blocking: when the bounded
// request channel is saturated it fails fast with ErrQueueFull.
func (e *Engine) Submit(promptTokens []int, params *SamplingParams) (*SequenceHandle, error) {
	if e.draining.Load() {
		return nil, ErrEngineClosed
	}
	if len(promptTokens) == 0 {
		return nil, fmt.Errorf("prompt must not be empty")
	}
	if len(promptTokens) > e.cfg.MaxModelLen {
		return nil, fmt.Errorf("prompt of %d tokens exceeds max_model_len %d", len(promptTokens), e.cfg.MaxModelLen)
	}
	if params == nil {
		params = NewSamplingParams()
	}

	seq := newSequence(promptTokens, params, e.cfg.BlockSize, e.arrival.Add(1))
	select {
	case e.submitCh <- seq:
		e.poke()
		return &SequenceHandle{seq: seq}, nil
	default:
		return nil, ErrQueueFull
	}
}

// Cancel requests early termination for a handle. Equivalent to
// handle.Cancel.
func (e *Engine) Cancel(h *SequenceHandle) {
	h.Cancel()
	e.poke()
}

// Stats returns the most recently published occupancy snapshot.
func (e *Engine) Stats() Stats {
	return *e.stats.Load()
}

// Drain stops admitting new sequences and blocks until all running,
// waiting and swapped sequences have finished. If ctx expires first,
// every remaining sequence is force-cancelled; each still receives a
// terminal outcome before Drain returns.
func (e *Engine) Drain(ctx context.Context) error {
	e.draining.Store(true)
	e.poke()
	if !e.loopActive.Load() {
		return nil
	}

	select {
	case <-e.drained:
		return nil
	case <-ctx.Done():
		e.forceCancel.Store(true)
		e.poke()
		<-e.drained
		return ctx.Err()
	}
}

// Close drains with a background context and releases the backend.
func (e *Engine) Close() error {
	e.draining.Store(true)
	e.forceCancel.Store(true)
	e.poke()
	if e.loopActive.Load() {
		<-e.drained
	}
	return e.backend.Close()
}

// Run drives the scheduling loop until ctx is cancelled or a drain
// completes. It must be called from exactly one goroutine.
func (e *Engine) Run(ctx context.Context) error {
	if !e.loopActive.CompareAndSwap(false, true) {
		return fmt.Errorf("engine loop is already running")
	}
	defer e.loopActive.Store(false)
	defer close(e.drained)

	for {
		e.intake()

		if err := ctx.Err(); err != nil {
			e.abandonAll(ReasonDrained)
			return err
		}
		if e.forceCancel.Load() {
			e.cancelAll()
		}

		if !e.sched.HasWork() {
			if e.draining.Load() && len(e.submitCh) == 0 {
				return nil
			}
			if !e.waitForWork(ctx) {
				e.abandonAll(ReasonDrained)
				return ctx.Err()
			}
			continue
		}

		e.tick(ctx)
	}
}

// tick runs one scheduling iteration and routes outcomes to their
// subscribers. A batch-wide ExecutionError has already terminated the
// affected sequences; the loop itself survives it.
func (e *Engine) tick(ctx context.Context) {
	outcomes, _ := e.proc.Step(ctx, time.Now())
	for _, o := range outcomes {
		e.deliver(o)
	}
	snap := e.sched.Snapshot()
	e.stats.Store(&snap)
}

// intake moves every pending submission into the scheduler. Runs at the
// top of each tick so a submission is visible to scheduling within one
// iteration.
func (e *Engine) intake() {
	for {
		select {
		case seq := <-e.submitCh:
			e.registry[seq.ID] = seq
			e.sched.Add(seq)
		default:
			return
		}
	}
}

// waitForWork blocks until a submission, wake signal, or ctx
// cancellation. Returns false when ctx ended.
func (e *Engine) waitForWork(ctx context.Context) bool {
	select {
	case seq := <-e.submitCh:
		e.registry[seq.ID] = seq
		e.sched.Add(seq)
		return true
	case <-e.wake:
		return true
	case <-ctx.Done():
		return false
	}
}

// deliver routes one outcome to its sequence's stream. The stream is
// sized so every token outcome and the terminal outcome always fit
// without blocking the loop; advisory preemption markers are dropped
// once they would eat into that reserve.
func (e *Engine) deliver(o StepOutcome) {
	seq, ok := e.registry[o.SeqID]
	if !ok {
		return
	}
	if o.Kind == OutcomePreempted && len(seq.outcomes) >= seq.Params.MaxTokens+2 {
		return
	}
	seq.outcomes <- o
	if o.Terminal() {
		close(seq.outcomes)
		delete(e.registry, o.SeqID)
	}
}

// cancelAll flags every live sequence for cancellation; the next sweep
// terminates them through the ordinary release path.
func (e *Engine) cancelAll() {
	for _, seq := range e.registry {
		seq.Cancel()
	}
}

// abandonAll synchronously terminates every live sequence when the loop
// is shutting down, honoring the guarantee that no sequence is ever
// left silently unresolved.
func (e *Engine) abandonAll(reason FinishReason) {
	e.intake()
	for id, seq := range e.registry {
		if !seq.IsFinished() {
			e.sched.Finish(seq, reason, nil)
		}
		e.deliver(StepOutcome{SeqID: id, Kind: OutcomeFinished, Reason: reason})
	}
	snap := e.sched.Snapshot()
	e.stats.Store(&snap)
}

// poke nudges an idle loop.
func (e *Engine) poke() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Generate is a synchronous batch convenience in the spirit of offline
// inference: it submits every prompt, drives the loop inline until all
// finish, and returns outputs in submission order. It must not be mixed
// with a concurrently running Run loop.
func (e *Engine) Generate(prompts [][]int, params *SamplingParams, progress bool) ([]*Output, error) {
	if !e.loopActive.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("engine loop is already running")
	}
	defer e.loopActive.Store(false)

	if params == nil {
		params = NewSamplingParams()
	}

	handles := make([]*SequenceHandle, 0, len(prompts))
	for _, prompt := range prompts {
		seq := newSequence(prompt, params, e.cfg.BlockSize, e.arrival.Add(1))
		e.registry[seq.ID] = seq
		e.sched.Add(seq)
		handles = append(handles, &SequenceHandle{seq: seq})
	}

	var bar *progressbar.ProgressBar
	if progress {
		bar = progressbar.NewOptions(len(prompts),
			progressbar.OptionSetDescription("Generating"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
		)
	}

	outputs := make([]*Output, len(prompts))
	ctx := context.Background()

	for e.sched.HasWork() {
		start := time.Now()
		outcomes, err := e.proc.Step(ctx, time.Now())
		if err != nil {
			logrus.Errorf("generate step failed: %v", err)
		}
		elapsed := time.Since(start)

		for _, o := range outcomes {
			e.deliver(o)
			if o.Terminal() {
				if bar != nil {
					bar.Add(1)
				}
			}
		}
		if bar != nil && elapsed > 0 {
			snap := e.sched.Snapshot()
			bar.Describe(fmt.Sprintf("Generating [running=%d waiting=%d free=%d/%d]",
				snap.Running, snap.Waiting, snap.FreeBlocks, snap.TotalBlocks))
		}
	}

	for i, h := range handles {
		out, err := h.Collect(ctx)
		if err != nil {
			return nil, err
		}
		outputs[i] = out
	}
	if bar != nil {
		bar.Finish()
	}
	return outputs, nil
}
