package registry

import (
	"math/rand/v2"
	"sort"

	"github.com/zerfoo/zerfoo/compute"
	"github.com/zerfoo/ztorch/internal/torch"
	"github.com/zerfoo/ztorch/pkg/layers"
	"github.com/zerfoo/ztorch/pkg/weights"
	"go.uber.org/zap"
)

// Context holds the model-wide state shared by every converter call of one
// conversion run.
type Context struct {
	Layers  *LayerMap
	Weights weights.Store
	Naming  NamingMode
	Logger  *zap.Logger
	Rand    *rand.Rand
	// Engine runs the forward pass of every layer the converters create.
	Engine  compute.Engine[float32]

	names map[string]bool
}

// NewContext returns a Context with an empty layer mapping on the default
// CPU engine. A nil logger is replaced by a no-op logger and a nil rng by a
// randomly seeded one.
func NewContext(store weights.Store, naming NamingMode, logger *zap.Logger, rng *rand.Rand) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Context{
		Layers:  NewLayerMap(),
		Weights: store,
		Naming:  naming,
		Logger:  logger,
		Rand:    rng,
		Engine:  layers.NewEngine(),
		names:   make(map[string]bool),
	}
}

// LayerName picks a layer name for a node per the context's naming mode.
// Outside NamingKeep, a name already handed out in this run is redrawn.
func (c *Context) LayerName(prefix, short string, suffixLen int) string {
	if c.names == nil {
		c.names = make(map[string]bool)
	}
	name := c.Naming.LayerName(c.Rand, prefix, short, suffixLen)
	for c.Naming != NamingKeep && c.names[name] {
		name = c.Naming.LayerName(c.Rand, prefix, short, suffixLen)
	}
	c.names[name] = true
	return name
}

// Converter converts one source node into target layers, reading its inputs
// from and writing its outputs to ctx.Layers.
type Converter func(node *torch.Node, ctx *Context) error

// registry holds the mapping from source op kinds to converters.
var registry = make(map[string]Converter)

// Register adds a converter for an op kind, replacing any existing one.
func Register(kind string, converter Converter) {
	registry[kind] = converter
}

// Get returns the converter for a given op kind.
func Get(kind string) (Converter, bool) {
	converter, ok := registry[kind]
	return converter, ok
}

// Kinds returns the registered op kinds in sorted order.
func Kinds() []string {
	kinds := make([]string, 0, len(registry))
	for kind := range registry {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
