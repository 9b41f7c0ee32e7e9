package pagedllm

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

// runResult accumulates the outcome stream of one sequence during a
// harness-driven run.
type runResult struct {
	tokens    []int
	reason    FinishReason
	err       error
	preempted int
	finished  bool
}

// harness drives a scheduler and processor tick-by-tick without the
// engine loop, so tests can inspect queue and pool state between ticks.
type harness struct {
	cfg     *Config
	pool    *BlockPool
	sched   *Scheduler
	proc    *BatchProcessor
	backend ExecutionBackend

	arrival int64
	results map[uuid.UUID]*runResult
}

func newHarness(cfg *Config, backend ExecutionBackend) *harness {
	swapCapable := false
	if sw, ok := backend.(BlockSwapper); ok {
		swapCapable = sw.SupportsSwap()
	}
	pool := NewBlockPool(cfg.NumBlocks, cfg.BlockSize, cfg.NumSwapBlocks)
	sched := NewScheduler(cfg, pool, swapCapable)
	return &harness{
		cfg:     cfg,
		pool:    pool,
		sched:   sched,
		proc:    NewBatchProcessor(cfg, pool, sched, backend, nil),
		backend: backend,
		results: make(map[uuid.UUID]*runResult),
	}
}

func newHarnessWithDecoder(cfg *Config, backend ExecutionBackend, decoder TokenDecoder) *harness {
	h := newHarness(cfg, backend)
	h.proc = NewBatchProcessor(cfg, h.pool, h.sched, backend, decoder)
	return h
}

func (h *harness) add(prompt []int, params *SamplingParams) *Sequence {
	if params == nil {
		params = NewSamplingParams()
	}
	h.arrival++
	seq := newSequence(prompt, params, h.cfg.BlockSize, h.arrival)
	h.results[seq.ID] = &runResult{}
	h.sched.Add(seq)
	return seq
}

// step runs one tick and folds its outcomes into the per-sequence
// results.
func (h *harness) step(t *testing.T) []StepOutcome {
	t.Helper()
	outcomes, _ := h.proc.Step(context.Background(), time.Now())
	for _, o := range outcomes {
		r := h.results[o.SeqID]
		if r == nil {
			t.Fatalf("outcome for unknown sequence %s", o.SeqID)
		}
		switch o.Kind {
		case OutcomeContinuing:
			r.tokens = append(r.tokens, o.Token)
		case OutcomePreempted:
			r.preempted++
		case OutcomeFinished:
			if r.finished {
				t.Fatalf("sequence %s finished twice", o.SeqID)
			}
			r.finished = true
			r.reason = o.Reason
			r.err = o.Err
			switch o.Reason {
			case ReasonStopToken, ReasonStopString, ReasonMaxTokens:
				r.tokens = append(r.tokens, o.Token)
			}
		}
	}
	return outcomes
}

// run ticks until no work remains.
func (h *harness) run(t *testing.T) {
	t.Helper()
	for i := 0; h.sched.HasWork(); i++ {
		if i > 10000 {
			t.Fatalf("run did not converge after %d ticks", i)
		}
		h.step(t)
	}
}

func (h *harness) result(seq *Sequence) *runResult {
	return h.results[seq.ID]
}

// assertConservation checks that every device block is either free or
// referenced, and that the free count agrees with the arena.
func (h *harness) assertConservation(t *testing.T) {
	t.Helper()
	free := 0
	for _, b := range h.pool.device.blocks {
		if b.RefCount == 0 {
			free++
		}
	}
	if free != h.pool.FreeCount() {
		t.Errorf("free list count %d disagrees with arena scan %d", h.pool.FreeCount(), free)
	}
	used := h.pool.TotalBlocks() - free
	if used+h.pool.FreeCount() != h.pool.TotalBlocks() {
		t.Errorf("block conservation violated: used %d + free %d != total %d",
			used, h.pool.FreeCount(), h.pool.TotalBlocks())
	}
}

func seqPrompt(n, seed int) []int {
	prompt := make([]int, n)
	for i := range prompt {
		prompt[i] = seed*1000 + i + 1
	}
	return prompt
}

func intsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// vocabDecoder is a trivial TokenDecoder for stop-string tests: each
// token id maps to a fixed string fragment.
type vocabDecoder struct {
	vocab map[int]string
}

func (d *vocabDecoder) Decode(tokenIDs []int) (string, error) {
	var sb strings.Builder
	for _, id := range tokenIDs {
		sb.WriteString(d.vocab[id])
	}
	return sb.String(), nil
}
