package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/23skdu/longbow-anvil/internal/logger"
	"github.com/23skdu/longbow-anvil/internal/metrics"
)

// SeqState tracks a sequence through its lifecycle. Transitions only
// move forward: Pending -> Decoding -> one of the terminal states.
type SeqState int

const (
	StatePending SeqState = iota
	StateDecoding
	StateCompleted // token budget reached
	StateStopped   // stop token or cancellation
	StateFailed
)

func (s SeqState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDecoding:
		return "decoding"
	case StateCompleted:
		return "completed"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Request describes one generation job: the prompt token ids and the
// sampling parameters governing the continuation.
type Request struct {
	Prompt  []int
	Sampler SamplerConfig
}

// Sequence is one in-flight or finished generation. The zero tokens
// slice grows as decoding proceeds; Err is set only in StateFailed.
type Sequence struct {
	ID   int
	slot int

	state   SeqState
	prompt  []int
	tokens  []int
	sampler *Sampler
	logits  []float32
	err     error
}

func (s *Sequence) State() SeqState { return s.state }
func (s *Sequence) Tokens() []int   { return s.tokens }
func (s *Sequence) Err() error      { return s.err }

func (s *Sequence) setState(state SeqState) {
	s.state = state
	metrics.SequencesByState.WithLabelValues(state.String()).Inc()
}

// history returns prompt plus generated tokens, for the repetition
// penalty.
func (s *Sequence) history() []int {
	h := make([]int, 0, len(s.prompt)+len(s.tokens))
	h = append(h, s.prompt...)
	return append(h, s.tokens...)
}

// Generator drives batched autoregressive decoding over one model.
// Each batch claims cache slots for its lifetime; slots are recycled
// only after every sequence in the batch has finished, never while a
// sibling is still decoding.
type Generator struct {
	model  *Model
	log    *logger.Logger
	nextID int
}

func NewGenerator(model *Model) *Generator {
	return &Generator{model: model, log: logger.Log.With("generator")}
}

// Generate runs a single request to completion.
func (g *Generator) Generate(ctx context.Context, req Request) (*Sequence, error) {
	seqs, err := g.GenerateBatch(ctx, []Request{req})
	if err != nil {
		return nil, err
	}
	return seqs[0], nil
}

// GenerateBatch runs up to Slots() requests concurrently over the cache,
// stepping them in lockstep. A sequence failing mid-decode does not
// abort its siblings. Context cancellation stops all still-decoding
// sequences at the next step boundary.
func (g *Generator) GenerateBatch(ctx context.Context, reqs []Request) ([]*Sequence, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	cache := g.model.Cache()
	if len(reqs) > cache.Slots() {
		return nil, fmt.Errorf("batch size %d exceeds %d cache slots", len(reqs), cache.Slots())
	}

	seqs := make([]*Sequence, len(reqs))
	for i, req := range reqs {
		seq := &Sequence{ID: g.nextID, slot: i, prompt: req.Prompt}
		g.nextID++
		seq.setState(StatePending)

		sampler, err := NewSampler(req.Sampler)
		if err != nil {
			g.fail(seq, err)
		} else if len(req.Prompt) == 0 {
			g.fail(seq, errors.New("empty prompt"))
		} else {
			seq.sampler = sampler
		}
		seqs[i] = seq
	}

	for _, seq := range seqs {
		if seq.state == StateFailed {
			continue
		}
		if err := g.prefill(ctx, seq); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				seq.setState(StateStopped)
			} else {
				g.fail(seq, err)
			}
		}
	}

	g.decodeLoop(ctx, seqs)
	return seqs, nil
}

// prefill feeds the prompt through the model one token at a time,
// keeping the last position's logits for the first sampling step. The
// slot reset here is the only recycling point: a slot's contents stay
// intact from the end of one batch until the next batch claims it, so
// finished sequences can still be inspected through the cache.
func (g *Generator) prefill(ctx context.Context, seq *Sequence) error {
	start := time.Now()
	if err := g.model.Cache().Reset(seq.slot); err != nil {
		return err
	}
	for _, token := range seq.prompt {
		if err := ctx.Err(); err != nil {
			return err
		}
		logits, err := g.model.Forward(seq.slot, token)
		if err != nil {
			return fmt.Errorf("prefill: %w", err)
		}
		seq.logits = logits
	}
	metrics.ObservePrefill(start)
	seq.setState(StateDecoding)
	g.log.Debug("prefill done",
		"sequence", seq.ID, "slot", seq.slot, "prompt_tokens", len(seq.prompt))
	return nil
}

// decodeLoop steps every decoding sequence in lockstep until all have
// reached a terminal state.
func (g *Generator) decodeLoop(ctx context.Context, seqs []*Sequence) {
	for {
		active := false
		for _, seq := range seqs {
			if seq.state == StateDecoding {
				active = true
				break
			}
		}
		if !active {
			return
		}

		if ctx.Err() != nil {
			for _, seq := range seqs {
				if seq.state == StateDecoding {
					seq.setState(StateStopped)
				}
			}
			g.log.Info("generation cancelled", "reason", ctx.Err())
			return
		}

		for _, seq := range seqs {
			if seq.state != StateDecoding {
				continue
			}
			g.step(seq)
		}
	}
}

// step samples one token for a sequence, forwards it so its key/value
// state lands in the cache, then evaluates the termination rules. The
// forward runs even for the final token: the cache always holds the
// full prompt-plus-generated history when the sequence finishes.
func (g *Generator) step(seq *Sequence) {
	start := time.Now()

	token := seq.sampler.Sample(seq.logits, seq.history())
	seq.tokens = append(seq.tokens, token)
	metrics.GeneratedTokensTotal.Inc()

	logits, err := g.model.Forward(seq.slot, token)
	if err != nil {
		g.fail(seq, err)
		return
	}
	seq.logits = logits

	switch {
	case seq.sampler.IsStop(token):
		seq.setState(StateStopped)
	case len(seq.tokens) >= seq.sampler.cfg.MaxNewTokens:
		seq.setState(StateCompleted)
	}
	metrics.ObserveDecodeStep(start)
}

func (g *Generator) fail(seq *Sequence, err error) {
	seq.err = err
	seq.setState(StateFailed)
	g.log.Warn("sequence failed", "sequence", seq.ID, "slot", seq.slot, "error", err)
}
