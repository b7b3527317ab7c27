package inference

import (
	"context"

	"github.com/menta2k/debris-scan/pkg/types"
)

// Client calls the external object detector with one encoded tile and
// returns its tile-local detections. Implementations must be safe for
// concurrent use across tiles.
type Client interface {
	Infer(ctx context.Context, tile []byte) ([]types.Detection, error)
}

// Func adapts a plain function to the Client interface.
type Func func(ctx context.Context, tile []byte) ([]types.Detection, error)

// Infer calls f.
func (f Func) Infer(ctx context.Context, tile []byte) ([]types.Detection, error) {
	return f(ctx, tile)
}
