package transformer

import (
	"context"

	"github.com/baldanca/backups3/source"
)

// Transformer converts one value into another.
//
// In this project it turns a queue message into the work it describes.
type Transformer[O any] interface {
	Transform(ctx context.Context, in source.Message) (O, error)
}
