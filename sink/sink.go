package sink

import (
	"context"
	"time"
)

// ObjectMetadata is what the sidecar file records about a downloaded object.
type ObjectMetadata struct {
	Metadata     map[string]string `json:"metadata"`
	Tags         map[string]string `json:"tags"`
	Size         int64             `json:"size"`
	LastModified time.Time         `json:"last_modified"`
}

// ObjectStore is the remote object gateway used by the ingest pipeline.
//
// Download and WriteMetadataSidecar place files under fixed roots; the paths are a
// pure function of the object key.
type ObjectStore interface {
	Download(ctx context.Context, bucket, key string) (int64, error)
	FetchMetadataAndTags(ctx context.Context, bucket, key string) (ObjectMetadata, error)
	WriteMetadataSidecar(ctx context.Context, key string, meta ObjectMetadata) error
}
