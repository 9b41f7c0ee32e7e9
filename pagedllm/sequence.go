package pagedllm

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SequenceStatus represents the status of a sequence
type SequenceStatus int

const (
	StatusWaiting SequenceStatus = iota
	StatusRunning
	StatusSwapped
	StatusFinished
	StatusCancelled
)

func (s SequenceStatus) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusRunning:
		return "running"
	case StatusSwapped:
		return "swapped"
	case StatusFinished:
		return "finished"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is a terminal state. Cancelled
// takes the same release path as Finished.
func (s SequenceStatus) Terminal() bool {
	return s == StatusFinished || s == StatusCancelled
}

// Sequence is one generation request's run state. It is mutated only by
// the scheduling loop; the sole cross-thread members are the
// cancellation flag and the outcome channel.
type Sequence struct {
	ID      uuid.UUID
	Arrival int64 // monotone admission order, assigned at submission
	Status  SequenceStatus

	TokenIDs        []int // prompt followed by generated tokens
	NumTokens       int
	NumPromptTokens int
	LastToken       int

	// NumComputedTokens counts tokens whose KV entries exist in the
	// cache. It trails NumTokens during chunked prefill and after a
	// recompute preemption.
	NumComputedTokens int
	NumCachedTokens   int // prefix-cache hits at allocation time

	BlockTable []int // physical device block ids, logical order
	SwapTable  []int // swap-pool block ids while swapped out

	Params    *SamplingParams
	Deadline  time.Time // zero if no timeout budget
	Submitted time.Time

	FinishReason FinishReason
	Err          error

	blockSize int
	cancelled atomic.Bool
	outcomes  chan StepOutcome
}

// newSequence creates a sequence in the Waiting state. The outcome
// channel is sized so the scheduling loop can never block on delivery:
// one slot per possible token plus preemption markers and the terminal
// outcome.
func newSequence(promptTokens []int, params *SamplingParams, blockSize int, arrival int64) *Sequence {
	tokens := make([]int, len(promptTokens))
	copy(tokens, promptTokens)

	last := -1
	if len(tokens) > 0 {
		last = tokens[len(tokens)-1]
	}

	now := time.Now()
	seq := &Sequence{
		ID:              uuid.New(),
		Arrival:         arrival,
		Status:          StatusWaiting,
		TokenIDs:        tokens,
		NumTokens:       len(tokens),
		NumPromptTokens: len(tokens),
		LastToken:       last,
		Params:          params,
		Submitted:       now,
		blockSize:       blockSize,
		outcomes:        make(chan StepOutcome, 2*params.MaxTokens+4),
	}
	if params.Timeout > 0 {
		seq.Deadline = now.Add(params.Timeout)
	}
	return seq
}

// Len returns the number of tokens in the sequence
func (s *Sequence) Len() int {
	return s.NumTokens
}

// IsFinished reports whether the sequence reached a terminal state.
func (s *Sequence) IsFinished() bool {
	return s.Status.Terminal()
}

// NumCompletionTokens returns the number of generated tokens.
func (s *Sequence) NumCompletionTokens() int {
	return s.NumTokens - s.NumPromptTokens
}

// PromptTokenIDs returns the prompt token IDs
func (s *Sequence) PromptTokenIDs() []int {
	return s.TokenIDs[:s.NumPromptTokens]
}

// CompletionTokenIDs returns the generated token IDs
func (s *Sequence) CompletionTokenIDs() []int {
	return s.TokenIDs[s.NumPromptTokens:]
}

// NumBlocks returns the number of blocks needed to hold all tokens.
func (s *Sequence) NumBlocks() int {
	return (s.NumTokens + s.blockSize - 1) / s.blockSize
}

// LastBlockNumTokens returns how many slots of the last block are used.
func (s *Sequence) LastBlockNumTokens() int {
	return s.NumTokens - (s.NumBlocks()-1)*s.blockSize
}

// BlockTokens returns the tokens that live in the i-th logical block.
func (s *Sequence) BlockTokens(i int) []int {
	if i < 0 || i >= s.NumBlocks() {
		return nil
	}
	start := i * s.blockSize
	end := (i + 1) * s.blockSize
	if end > len(s.TokenIDs) {
		end = len(s.TokenIDs)
	}
	return s.TokenIDs[start:end]
}

// AppendToken appends a sampled token. Its KV entry does not exist yet;
// the computed cursor advances when the token is processed in a later
// step.
func (s *Sequence) AppendToken(tokenID int) {
	s.TokenIDs = append(s.TokenIDs, tokenID)
	s.LastToken = tokenID
	s.NumTokens++
}

// NumUncomputedTokens returns how many tokens still need their KV
// entries computed. One means the sequence is decode-ready: only the
// most recently sampled token is outstanding. More than one means the
// sequence is in the prefill regime, either fresh or resuming after a
// recompute preemption.
func (s *Sequence) NumUncomputedTokens() int {
	return s.NumTokens - s.NumComputedTokens
}

// DecodeReady reports whether the sequence has exactly one uncomputed
// token and can advance by a plain decode step.
func (s *Sequence) DecodeReady() bool {
	return s.NumUncomputedTokens() == 1
}

// resetComputed drops all computation progress. Used by recompute
// preemption: the prompt and any generated tokens are kept and re-run
// as a longer prefill on resumption.
func (s *Sequence) resetComputed() {
	s.NumComputedTokens = 0
	s.NumCachedTokens = 0
}

// Cancel marks the sequence for cancellation. Safe to call from any
// goroutine; the scheduling loop observes the flag at the top of the
// next tick.
func (s *Sequence) Cancel() {
	s.cancelled.Store(true)
}

// CancelRequested reports whether Cancel has been called.
func (s *Sequence) CancelRequested() bool {
	return s.cancelled.Load()
}

// DeadlineExceeded reports whether the wall-clock budget has expired.
func (s *Sequence) DeadlineExceeded(now time.Time) bool {
	return !s.Deadline.IsZero() && now.After(s.Deadline)
}

// Fork creates a copy-on-write fork for parallel sampling. The fork
// shares every block of the parent via reference counts; a shared last
// block is split lazily on the first mutating append. The fork starts
// Waiting and must be admitted by the scheduler like any sequence.
func (s *Sequence) Fork(pool *BlockPool, arrival int64) *Sequence {
	f := &Sequence{
		ID:                uuid.New(),
		Arrival:           arrival,
		Status:            StatusWaiting,
		TokenIDs:          append([]int(nil), s.TokenIDs...),
		NumTokens:         s.NumTokens,
		NumPromptTokens:   s.NumPromptTokens,
		LastToken:         s.LastToken,
		NumComputedTokens: s.NumComputedTokens,
		NumCachedTokens:   s.NumCachedTokens,
		BlockTable:        pool.ForkTable(s.BlockTable),
		Params:            s.Params,
		Deadline:          s.Deadline,
		Submitted:         s.Submitted,
		blockSize:         s.blockSize,
		outcomes:          make(chan StepOutcome, cap(s.outcomes)),
	}
	return f
}
