// Package encoder implements a multi-agent sequence encoder. A local encoder
// reads each agent's slice of the input with a shared BiLSTM; a contextual
// encoder then refines every agent's states over several layers using the
// mean of the other agents' last states.
package encoder

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"

	"github.com/golangast/agentencoder/neural/nn"
	"github.com/golangast/agentencoder/neural/tensor"
)

var (
	// ErrBadInput is returned for empty, ragged or wrongly sized batches.
	ErrBadInput = nn.ErrBadInput
	// ErrTokenOutOfRange is returned for ids outside the vocabulary.
	ErrTokenOutOfRange = nn.ErrTokenOutOfRange
)

// Encoder composes a LocalEncoder and a ContextualEncoder.
type Encoder struct {
	Config     Config
	Local      *LocalEncoder
	Contextual *ContextualEncoder

	logger   *zap.Logger
	seed     uint64
	parallel bool

	mu  sync.Mutex
	rng *rand.Rand // dropout seeds
}

// Option configures an Encoder.
type Option func(*Encoder)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Encoder) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithSeed fixes the seed for weight initialisation and dropout.
func WithSeed(seed uint64) Option {
	return func(e *Encoder) { e.seed = seed }
}

// WithParallel controls whether agents are encoded concurrently. It is on by default.
func WithParallel(parallel bool) Option {
	return func(e *Encoder) { e.parallel = parallel }
}

// New builds a randomly initialised encoder.
func New(cfg Config, opts ...Option) (*Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Encoder{
		Config:   cfg,
		logger:   zap.NewNop(),
		seed:     uint64(time.Now().UnixNano()),
		parallel: true,
	}
	for _, opt := range opts {
		opt(e)
	}

	initRNG := rand.New(rand.NewSource(e.seed))
	var err error
	e.Local, err = NewLocalEncoder(initRNG, cfg)
	if err != nil {
		return nil, fmt.Errorf("local encoder: %w", err)
	}
	e.Contextual, err = NewContextualEncoder(initRNG, cfg)
	if err != nil {
		return nil, fmt.Errorf("contextual encoder: %w", err)
	}
	e.rng = rand.New(rand.NewSource(initRNG.Uint64()))

	e.logger.Debug("encoder initialised",
		zap.Int("agents", cfg.Agents),
		zap.Int("part_len", cfg.PartLen),
		zap.Int("layers", cfg.Layers),
		zap.Int("parameters", e.ParameterCount()))
	return e, nil
}

// Output holds the per-agent encodings of one forward pass.
type Output struct {
	// Local holds one [batch, PartLen, EncodeDim] tensor per agent.
	Local []*tensor.Tensor
	// Layers[k] holds the per-agent encodings after contextual layer k+1.
	Layers [][]*tensor.Tensor
}

// Final returns the last layer's encodings, or Local when there are no
// contextual layers.
func (o *Output) Final() []*tensor.Tensor {
	if len(o.Layers) == 0 {
		return o.Local
	}
	return o.Layers[len(o.Layers)-1]
}

// Forward encodes a [batch, Agents*PartLen] batch of token ids. Dropout is
// applied only when training is set.
func (e *Encoder) Forward(ctx context.Context, ids [][]int, training bool) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	p := e.newPass(training)

	local, err := e.Local.Forward(ctx, ids, p)
	if err != nil {
		return nil, fmt.Errorf("local encoder: %w", err)
	}
	layers, err := e.Contextual.Forward(ctx, local, p)
	if err != nil {
		return nil, fmt.Errorf("contextual encoder: %w", err)
	}

	e.logger.Debug("encoder forward",
		zap.Int("batch", len(ids)),
		zap.Bool("training", training),
		zap.Duration("elapsed", time.Since(start)))
	return &Output{Local: local, Layers: layers}, nil
}

// Parameters returns all learnable parameters.
func (e *Encoder) Parameters() []*tensor.Tensor {
	return append(e.Local.Parameters(), e.Contextual.Parameters()...)
}

// NamedParameters returns all learnable parameters keyed by a stable name.
func (e *Encoder) NamedParameters() map[string]*tensor.Tensor {
	named := map[string]*tensor.Tensor{}
	e.Local.NamedParameters("local", named)
	e.Contextual.NamedParameters("contextual", named)
	return named
}

// ParameterNames returns the sorted parameter names.
func (e *Encoder) ParameterNames() []string {
	named := e.NamedParameters()
	names := make([]string, 0, len(named))
	for name := range named {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParameterCount is the total number of learnable values.
func (e *Encoder) ParameterCount() int {
	total := 0
	for _, p := range e.Parameters() {
		total += p.Size()
	}
	return total
}

// ZeroGrad clears the gradients of all parameters.
func (e *Encoder) ZeroGrad() {
	for _, p := range e.Parameters() {
		p.ZeroGrad()
	}
}

// pass carries the per-call state of one forward pass.
type pass struct {
	training bool
	parallel bool
	embedRNG *rand.Rand
	agentRNG []*rand.Rand
}

func (e *Encoder) newPass(training bool) *pass {
	p := &pass{
		training: training,
		parallel: e.parallel,
		agentRNG: make([]*rand.Rand, e.Config.Agents),
	}
	if !training {
		// Dropout is the identity, so the generators stay nil.
		return p
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p.embedRNG = rand.New(rand.NewSource(e.rng.Uint64()))
	for a := range p.agentRNG {
		p.agentRNG[a] = rand.New(rand.NewSource(e.rng.Uint64()))
	}
	return p
}

// forEachAgent runs fn for agents 0..n-1, concurrently when the pass is
// parallel. The first error cancels the remaining agents.
func (p *pass) forEachAgent(ctx context.Context, n int, fn func(a int) error) error {
	if !p.parallel {
		for a := 0; a < n; a++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(a); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for a := 0; a < n; a++ {
		a := a
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(a)
		})
	}
	return g.Wait()
}
