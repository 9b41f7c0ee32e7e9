package pagedllm

import (
	"context"
	"time"
)

// ExecutionBackend abstracts the tensor execution engine (CPU, GPU, or
// remote). The scheduler and processor are written against this
// interface only; they tell the backend which physical blocks back
// which logical positions and never touch tensor math themselves.
//
// RunStep must apply the plan's CopyOps, SwapOut and SwapIn before
// computing, then return one sampled token per decode sequence and one
// per prefill entry whose chunk reaches the end of the sequence.
type ExecutionBackend interface {
	RunStep(ctx context.Context, plan *BatchPlan) ([]SampledToken, error)

	// Close cleans up resources
	Close() error
}

// BlockSwapper is an optional capability: backends that can move block
// contents between the device pool and a secondary store implement it.
// Without it, swap-mode preemption silently degrades to recompute.
type BlockSwapper interface {
	SupportsSwap() bool
}

// MockBackend is a deterministic in-process backend for tests, examples
// and benchmarks. The sampled token is a pure function of the
// sequence's full token history, so a preempted-and-recomputed run
// provably produces the same output as an unconstrained one.
type MockBackend struct {
	Vocab int
	EOS   int
	// EOSEvery > 0 emits EOS once the completion length is a multiple
	// of it, exercising the natural stop path.
	EOSEvery int
	// StepDelay adds artificial backend latency per step.
	StepDelay time.Duration
	// FailNext, when set, makes the next RunStep return that error
	// once. Used to exercise batch-wide failure handling.
	FailNext error

	steps int
}

// NewMockBackend creates a mock backend with a default vocabulary.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		Vocab: 32000,
		EOS:   -1,
	}
}

// RunStep produces one history-hashed token per sequence that finishes
// its chunk this step.
func (m *MockBackend) RunStep(ctx context.Context, plan *BatchPlan) ([]SampledToken, error) {
	if m.FailNext != nil {
		err := m.FailNext
		m.FailNext = nil
		return nil, err
	}
	if m.StepDelay > 0 {
		select {
		case <-time.After(m.StepDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.steps++

	var out []SampledToken
	for _, e := range plan.Prefill {
		if e.End == e.Seq.NumTokens {
			out = append(out, SampledToken{SeqID: e.Seq.ID, TokenID: m.sample(e.Seq)})
		}
	}
	for _, seq := range plan.Decode {
		out = append(out, SampledToken{SeqID: seq.ID, TokenID: m.sample(seq)})
	}
	return out, nil
}

func (m *MockBackend) sample(seq *Sequence) int {
	if m.EOSEvery > 0 && seq.NumCompletionTokens() > 0 &&
		(seq.NumCompletionTokens()+1)%m.EOSEvery == 0 {
		return m.EOS
	}
	return int(computeHash(seq.TokenIDs, 0) % uint64(m.Vocab))
}

// Steps returns how many RunStep calls succeeded.
func (m *MockBackend) Steps() int {
	return m.steps
}

// SupportsSwap marks the mock as swap-capable: its "tensors" are
// bookkeeping only, so swap ops always succeed.
func (m *MockBackend) SupportsSwap() bool {
	return true
}

// Close cleans up resources
func (m *MockBackend) Close() error {
	return nil
}

// TokenDecoder turns generated token ids into text incrementally. It
// exists only so stop-string matching can work when the embedding
// application wires a real tokenizer in; the core never links one.
type TokenDecoder interface {
	Decode(tokenIDs []int) (string, error)
}
