package pagedllm

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// BatchProcessor drives one generation step per tick: it pulls the
// batch plan from the scheduler, readies block tables for the tokens
// about to be produced, delegates the forward pass to the execution
// backend, and folds sampled tokens and stop conditions back into
// sequence state. Its side effects are strictly pool calls, sequence
// mutation, and outcome emission; it performs no I/O of its own.
type BatchProcessor struct {
	cfg     *Config
	pool    *BlockPool
	sched   *Scheduler
	backend ExecutionBackend
	decoder TokenDecoder // optional, enables stop-string matching
}

// NewBatchProcessor wires the processor to an explicitly owned pool and
// scheduler. decoder may be nil; stop strings are then ignored.
func NewBatchProcessor(cfg *Config, pool *BlockPool, sched *Scheduler, backend ExecutionBackend, decoder TokenDecoder) *BatchProcessor {
	return &BatchProcessor{
		cfg:     cfg,
		pool:    pool,
		sched:   sched,
		backend: backend,
		decoder: decoder,
	}
}

// Step executes one scheduling tick. The returned outcomes carry one
// entry per affected sequence; the error is non-nil only for a
// batch-wide backend failure, and even then every affected sequence has
// already received its terminal outcome.
func (bp *BatchProcessor) Step(ctx context.Context, now time.Time) ([]StepOutcome, error) {
	plan, terminated := bp.sched.Schedule(now)

	outcomes := make([]StepOutcome, 0, plan.NumSeqs()+len(terminated))
	for _, seq := range terminated {
		outcomes = append(outcomes, StepOutcome{
			SeqID:  seq.ID,
			Kind:   OutcomeFinished,
			Reason: seq.FinishReason,
		})
	}

	bp.readyDecodeSlots(plan)

	if plan.IsEmpty() {
		outcomes = bp.appendPreempted(plan, outcomes)
		return outcomes, nil
	}

	sampled, err := bp.backend.RunStep(ctx, plan)
	if err != nil {
		execErr := &ExecutionError{Err: err}
		logrus.Errorf("execution backend failed, finishing %d sequences: %v", plan.NumSeqs(), err)
		for _, seq := range bp.planSequences(plan) {
			bp.sched.Finish(seq, ReasonError, execErr)
			outcomes = append(outcomes, StepOutcome{
				SeqID:  seq.ID,
				Kind:   OutcomeFinished,
				Reason: ReasonError,
				Err:    execErr,
			})
		}
		return outcomes, execErr
	}

	outcomes = bp.postprocess(plan, sampled, outcomes)
	outcomes = bp.appendPreempted(plan, outcomes)
	return outcomes, nil
}

// readyDecodeSlots makes sure every decode sequence has a writable slot
// for the KV entry this step computes. A sequence whose allocation
// fails here is preempted mid-tick and dropped from the plan without
// aborting the rest of the batch.
func (bp *BatchProcessor) readyDecodeSlots(plan *BatchPlan) {
	kept := plan.Decode[:0]
	for _, seq := range plan.Decode {
		op, err := bp.pool.EnsureSlot(seq)
		if err != nil {
			logrus.Warnf("mid-tick preemption of sequence %s: %v", seq.ID, err)
			bp.sched.PreemptMidTick(seq, plan)
			continue
		}
		if op != nil {
			plan.CopyOps = append(plan.CopyOps, *op)
		}
		kept = append(kept, seq)
	}
	plan.Decode = kept
}

// appendPreempted emits a non-terminal marker for every sequence the
// scheduler bumped this tick.
func (bp *BatchProcessor) appendPreempted(plan *BatchPlan, outcomes []StepOutcome) []StepOutcome {
	for _, seq := range plan.Preempted {
		outcomes = append(outcomes, StepOutcome{SeqID: seq.ID, Kind: OutcomePreempted})
	}
	return outcomes
}

// planSequences returns every sequence the backend would have touched.
func (bp *BatchProcessor) planSequences(plan *BatchPlan) []*Sequence {
	seqs := make([]*Sequence, 0, plan.NumSeqs())
	for _, e := range plan.Prefill {
		seqs = append(seqs, e.Seq)
	}
	seqs = append(seqs, plan.Decode...)
	return seqs
}

// postprocess advances computed-token cursors, appends sampled tokens,
// and evaluates stop conditions, emitting one outcome per sequence.
func (bp *BatchProcessor) postprocess(plan *BatchPlan, sampled []SampledToken, outcomes []StepOutcome) []StepOutcome {
	tokens := make(map[uuid.UUID]int, len(sampled))
	for _, st := range sampled {
		tokens[st.SeqID] = st.TokenID
	}

	for _, e := range plan.Prefill {
		e.Seq.NumComputedTokens = e.End
		if e.End < e.Seq.NumTokens {
			// Mid-prompt chunk: no token sampled yet, nothing to emit.
			continue
		}
		tok, ok := tokens[e.Seq.ID]
		if !ok {
			logrus.Errorf("backend returned no token for prefilled sequence %s", e.Seq.ID)
			continue
		}
		outcomes = bp.absorbToken(e.Seq, tok, outcomes)
	}

	for _, seq := range plan.Decode {
		seq.NumComputedTokens = seq.NumTokens
		tok, ok := tokens[seq.ID]
		if !ok {
			logrus.Errorf("backend returned no token for decode sequence %s", seq.ID)
			continue
		}
		outcomes = bp.absorbToken(seq, tok, outcomes)
	}
	return outcomes
}

// absorbToken appends one sampled token to seq and either finishes the
// sequence (stop condition met) or emits a Continuing outcome.
func (bp *BatchProcessor) absorbToken(seq *Sequence, tok int, outcomes []StepOutcome) []StepOutcome {
	seq.AppendToken(tok)
	bp.pool.OnTokenAppended(seq)

	if reason, done := bp.stopReason(seq, tok); done {
		bp.sched.Finish(seq, reason, nil)
		return append(outcomes, StepOutcome{
			SeqID:  seq.ID,
			Kind:   OutcomeFinished,
			Token:  tok,
			Reason: reason,
		})
	}

	return append(outcomes, StepOutcome{
		SeqID: seq.ID,
		Kind:  OutcomeContinuing,
		Token: tok,
	})
}

// stopReason evaluates the stop conditions for the token just appended.
// A failing stop-string decode is recovered locally by treating it as
// "continue": a malformed stop condition must never kill a sequence.
func (bp *BatchProcessor) stopReason(seq *Sequence, tok int) (FinishReason, bool) {
	params := seq.Params

	if !params.IgnoreEOS && bp.cfg.EOS >= 0 && tok == bp.cfg.EOS {
		return ReasonStopToken, true
	}
	if params.isStopToken(tok) {
		return ReasonStopToken, true
	}
	if seq.NumCompletionTokens() >= params.MaxTokens {
		return ReasonMaxTokens, true
	}
	if seq.NumTokens >= bp.cfg.MaxModelLen {
		return ReasonMaxTokens, true
	}

	if len(params.StopStrings) > 0 && bp.decoder != nil {
		text, err := bp.decoder.Decode(seq.CompletionTokenIDs())
		if err != nil {
			logrus.Warnf("stop-string decode failed for sequence %s, continuing: %v", seq.ID, err)
			return "", false
		}
		for _, stop := range params.StopStrings {
			if stop != "" && strings.Contains(text, stop) {
				return ReasonStopString, true
			}
		}
	}

	return "", false
}
