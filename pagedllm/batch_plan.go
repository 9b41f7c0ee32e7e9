package pagedllm

import "github.com/google/uuid"

// PrefillEntry describes one chunk of prompt processing scheduled for a
// sequence this tick. Start and End are absolute token positions into the
// sequence; the chunk covers tokens [Start, End).
type PrefillEntry struct {
	Seq   *Sequence
	Start int
	End   int
}

// CopyOp tells the execution backend to copy the cache contents of one
// physical block to another. Emitted when a copy-on-write block is
// materialized.
type CopyOp struct {
	Src int
	Dst int
}

// SwapOp tells a swap-capable backend to move a block between the device
// pool and the swap pool. Device and Swap are block ids in their
// respective pools.
type SwapOp struct {
	Device int
	Swap   int
}

// BatchPlan is the per-tick batch description handed to the execution
// backend. It mixes chunked prefill work and decode work into a single
// step and carries the block bookkeeping the backend must apply before
// computing. A plan is never retained across ticks.
type BatchPlan struct {
	Prefill   []PrefillEntry
	Decode    []*Sequence
	Preempted []*Sequence
	CopyOps   []CopyOp
	SwapOut   []SwapOp
	SwapIn    []SwapOp
}

// IsEmpty reports whether the plan contains no work for the backend.
func (p *BatchPlan) IsEmpty() bool {
	return len(p.Prefill) == 0 && len(p.Decode) == 0
}

// NumSeqs returns the number of sequences the backend will touch.
func (p *BatchPlan) NumSeqs() int {
	return len(p.Prefill) + len(p.Decode)
}

// SampledToken is one token produced by the backend for a decode
// sequence, or the completion acknowledgement of a prefill chunk.
type SampledToken struct {
	SeqID   uuid.UUID
	TokenID int
}

// FinishReason explains why a sequence reached a terminal state.
type FinishReason string

const (
	ReasonStopToken  FinishReason = "stop_token"
	ReasonStopString FinishReason = "stop_string"
	ReasonMaxTokens  FinishReason = "max_tokens"
	ReasonCancelled  FinishReason = "cancelled"
	ReasonTimeout    FinishReason = "timeout"
	ReasonError      FinishReason = "error"
	ReasonDrained    FinishReason = "drained"
)

// OutcomeKind discriminates StepOutcome variants.
type OutcomeKind int

const (
	OutcomeContinuing OutcomeKind = iota
	OutcomeFinished
	OutcomePreempted
)

// StepOutcome is the per-sequence result of one tick, delivered on the
// caller-visible stream. A sequence receives zero or more Continuing
// outcomes (one per generated token), possibly Preempted markers, and
// exactly one terminal Finished outcome.
type StepOutcome struct {
	SeqID  uuid.UUID
	Kind   OutcomeKind
	Token  int
	Reason FinishReason
	Err    error
}

// Terminal reports whether this outcome ends the stream.
func (o StepOutcome) Terminal() bool {
	return o.Kind == OutcomeFinished
}
