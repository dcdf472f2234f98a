package converter

import (
	"github.com/cockroachdb/errors"
	"github.com/zerfoo/ztorch/internal/torch"
	"github.com/zerfoo/ztorch/pkg/registry"
)

func init() {
	registry.Register(torch.ConstantKind, ConvertConstant)
}

// RawSuffix is appended to a constant's node id for the entry that
// converters needing direct numeric access read, e.g. reshape targets.
const RawSuffix = torch.RawSuffix

// ConvertConstant converts a constant node. The value is stored, in its
// source dtype and shape, as a raw array twice: under "<id>_np" and under
// "<id>". Either both entries are written or neither is.
func ConvertConstant(node *torch.Node, ctx *registry.Context) error {
	logConverting(ctx, "constant", node)

	value, err := node.Params.Array("value")
	if err != nil {
		return errors.Wrapf(err, "constant node %q", node.ID)
	}
	return ctx.Layers.InsertAll(
		registry.Entry{ID: node.ID + RawSuffix, Value: registry.RawArrayOf(value)},
		registry.Entry{ID: node.ID, Value: registry.RawArrayOf(value)},
	)
}
