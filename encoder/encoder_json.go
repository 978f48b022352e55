package encoder

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
)

// JSONEncoder writes values as JSON documents.
type JSONEncoder[iType any] struct {
	// Indent (optional) pretty-prints the output with the given indentation.
	Indent string
}

var (
	_ Encoder[any]       = JSONEncoder[any]{}
	_ StreamEncoder[any] = JSONEncoder[any]{}
)

func NewJSONEncoder[iType any](indent string) JSONEncoder[iType] {
	return JSONEncoder[iType]{Indent: indent}
}

func (e JSONEncoder[iType]) FileExtension() string { return ".json" }

func (e JSONEncoder[iType]) ContentType() string { return "application/json" }

func (e JSONEncoder[iType]) Encode(ctx context.Context, item iType) ([]byte, error) {
	var buf bytes.Buffer
	if err := e.EncodeTo(ctx, item, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e JSONEncoder[iType]) EncodeTo(ctx context.Context, item iType, w io.Writer) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	enc := json.NewEncoder(w)
	if e.Indent != "" {
		enc.SetIndent("", e.Indent)
	}
	return enc.Encode(item)
}
