// Package converter converts traced PyTorch graphs into layer models, one
// node at a time, and exports them to ZMF.
package converter

import (
	"context"
	"math/rand/v2"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/zerfoo/zerfoo/compute"
	"github.com/zerfoo/ztorch/internal/torch"
	"github.com/zerfoo/ztorch/pkg/layers"
	"github.com/zerfoo/ztorch/pkg/registry"
	"github.com/zerfoo/ztorch/pkg/weights"
	"go.uber.org/zap"
)

// ErrUnsupportedOp is returned for nodes whose kind has no converter.
var ErrUnsupportedOp = errors.New("unsupported op kind")

type options struct {
	naming registry.NamingMode
	logger *zap.Logger
	rng    *rand.Rand
	engine compute.Engine[float32]
}

// Option configures Convert.
type Option func(*options)

// WithNaming sets the layer naming mode. The default is NamingUnique.
func WithNaming(mode registry.NamingMode) Option {
	return func(o *options) { o.naming = mode }
}

// WithLogger sets the logger converters report progress to.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithSeed makes generated layer names reproducible.
func WithSeed(seed uint64) Option {
	return func(o *options) { o.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// WithEngine sets the compute engine the converted model runs on. The
// default is the float32 CPU engine.
func WithEngine(engine compute.Engine[float32]) Option {
	return func(o *options) { o.engine = engine }
}

// Result is the outcome of a conversion.
type Result struct {
	Model *layers.Model
	// Layers is the final layer mapping, keyed by node id.
	Layers *registry.LayerMap
}

// Convert converts every node of g in order and assembles the resulting layer
// model. Parameters are read from store.
func Convert(ctx context.Context, g *torch.Graph, store weights.Store, opts ...Option) (*Result, error) {
	o := options{naming: registry.NamingUnique, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With(zap.String("run_id", uuid.NewString()), zap.String("graph", g.Name))
	cctx := registry.NewContext(store, o.naming, logger, o.rng)
	if o.engine != nil {
		cctx.Engine = o.engine
	}

	inputs := make([]*layers.Tensor, 0, len(g.Inputs))
	for _, info := range g.Inputs {
		in := layers.Input(info.Name, info.Shape)
		if err := cctx.Layers.Insert(info.Name, registry.TensorOf(in)); err != nil {
			return nil, err
		}
		inputs = append(inputs, in)
	}

	logger.Info("Starting conversion", zap.Int("nodes", len(g.Nodes)), zap.Stringer("naming", o.naming))
	for _, node := range g.Nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		convert, ok := registry.Get(node.Kind)
		if !ok {
			return nil, errors.Wrapf(ErrUnsupportedOp, "node %q has kind %q", node.ID, node.Kind)
		}
		if err := convert(node, cctx); err != nil {
			return nil, errors.Wrapf(err, "failed to convert node %q", node.ID)
		}
	}

	outputs := make([]*layers.Tensor, 0, len(g.Outputs))
	for _, id := range g.Outputs {
		out, err := cctx.Layers.Tensor(id)
		if err != nil {
			return nil, errors.Wrap(err, "graph output")
		}
		outputs = append(outputs, out)
	}

	model, err := layers.NewModel(cctx.Engine, inputs, outputs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to assemble model")
	}
	logger.Info("Conversion finished", zap.Int("layers", len(model.Layers())))
	return &Result{Model: model, Layers: cctx.Layers}, nil
}

// SupportedKinds returns the op kinds Convert can handle.
func SupportedKinds() []string {
	return registry.Kinds()
}
