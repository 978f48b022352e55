package ingestor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/baldanca/backups3/fault"
	"github.com/baldanca/backups3/metrics"
	"github.com/baldanca/backups3/sink"
	"github.com/baldanca/backups3/source"
	"github.com/baldanca/backups3/transformer"
)

// Processor turns one queue message into downloaded objects and sidecars, and
// acknowledges the message only when every object it names succeeded.
type Processor struct {
	queue       source.Queue
	store       sink.ObjectStore
	transformer transformer.Transformer[transformer.Notification]
	metrics     *metrics.Metrics

	retry    RetryPolicy // for gateway calls
	ackRetry RetryPolicy // for acknowledge
}

func NewProcessor(
	queue source.Queue,
	store sink.ObjectStore,
	tr transformer.Transformer[transformer.Notification],
	m *metrics.Metrics,
) (*Processor, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue is nil")
	}
	if store == nil {
		return nil, fmt.Errorf("object store is nil")
	}
	if tr == nil {
		return nil, fmt.Errorf("transformer is nil")
	}
	if m == nil {
		return nil, fmt.Errorf("metrics is nil")
	}

	return &Processor{
		queue:       queue,
		store:       store,
		transformer: tr,
		metrics:     m,
		retry:       nopRetry{},
		ackRetry:    nopRetry{},
	}, nil
}

func (p *Processor) SetRetryPolicy(r RetryPolicy) {
	if r == nil {
		p.retry = nopRetry{}
		return
	}
	p.retry = r
}

func (p *Processor) SetAckRetryPolicy(r RetryPolicy) {
	if r == nil {
		p.ackRetry = nopRetry{}
		return
	}
	p.ackRetry = r
}

// Process handles one message. A nil return means the message was acknowledged.
func (p *Processor) Process(ctx context.Context, msg source.Message) error {
	l := log.With().Str("message_id", msg.ID).Logger()

	n, err := p.transformer.Transform(ctx, msg)
	if err != nil {
		return fmt.Errorf("message %s: %w", msg.ID, err)
	}
	if len(n.Records) == 0 {
		l.Debug().Str("kind", n.Kind.String()).Msg("Notification carries no object records")
	}

	for _, ref := range n.Records {
		if ref.Removal() || ref.Placeholder() {
			l.Debug().
				Str("bucket", ref.Bucket).
				Str("key", ref.Key).
				Str("event", ref.EventName).
				Msg("Skipping record without object content")
			continue
		}
		if err := p.processObject(ctx, ref); err != nil {
			return fmt.Errorf("message %s: %w", msg.ID, err)
		}
	}

	err = p.ackRetry.Do(ctx, "Deleting message", func(ctx context.Context) error {
		return p.queue.Acknowledge(ctx, msg.ReceiptHandle)
	})
	switch {
	case fault.Is(err, fault.AlreadyGone):
		// Work is done; a redelivery will be processed again and overwrite the same files.
		l.Warn().Err(err).Msg("Message already gone when deleting")
	case err != nil:
		return fmt.Errorf("message %s: %w", msg.ID, err)
	}

	p.metrics.MessagesProcessed.Inc()
	l.Debug().Int("records", len(n.Records)).Msg("Message processed and deleted from the queue")
	return nil
}

func (p *Processor) processObject(ctx context.Context, ref transformer.ObjectRef) error {
	log.Debug().Str("bucket", ref.Bucket).Str("key", ref.Key).Msg("Processing S3 object")

	if _, err := Retry(ctx, p.retry, "Downloading file", func(ctx context.Context) (int64, error) {
		return p.store.Download(ctx, ref.Bucket, ref.Key)
	}); err != nil {
		return err
	}

	meta, err := Retry(ctx, p.retry, "Fetching metadata and tags", func(ctx context.Context) (sink.ObjectMetadata, error) {
		return p.store.FetchMetadataAndTags(ctx, ref.Bucket, ref.Key)
	})
	if err != nil {
		return err
	}

	return p.retry.Do(ctx, "Writing metadata file", func(ctx context.Context) error {
		return p.store.WriteMetadataSidecar(ctx, ref.Key, meta)
	})
}
