package source

import "context"

// Message is one queue message as handed to the ingest pipeline.
//
// ReceiptHandle is the opaque token required to acknowledge the message; it changes
// on every delivery.
type Message struct {
	ID            string
	ReceiptHandle string
	Body          string

	// ReceiveCount is the approximate number of times the queue has delivered this
	// message, zero if the queue did not report it.
	ReceiveCount int
}

// Queue is the remote queue gateway used by the ingestor.
//
// ReceiveBatch blocks for at most the configured long-poll window and returns an
// empty slice when nothing arrived. Acknowledge deletes a message; a handle that is
// no longer valid is reported as fault.AlreadyGone.
type Queue interface {
	QueueDepth(ctx context.Context) (int, error)
	ReceiveBatch(ctx context.Context) ([]Message, error)
	Acknowledge(ctx context.Context, receiptHandle string) error
}
