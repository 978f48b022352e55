package ingestor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/baldanca/backups3/metrics"
	"github.com/baldanca/backups3/source"
)

// ErrDrainTimeout is returned by Run when in-flight messages did not finish within
// Config.DrainTimeout after shutdown began.
var ErrDrainTimeout = errors.New("drain timeout exceeded")

type Config struct {
	Workers   int
	QueueSize int // job channel capacity; 0 means Workers

	// DrainTimeout bounds the wait for in-flight work on shutdown. Zero waits forever.
	DrainTimeout time.Duration

	// ReceiveErrorDelay is the pause after a failed receive.
	ReceiveErrorDelay time.Duration
}

var DefaultConfig = Config{
	Workers:           5,
	ReceiveErrorDelay: 250 * time.Millisecond,
}

func (c Config) Validate() error {
	if c.Workers < 1 {
		return errors.New("Workers must be >= 1")
	}
	if c.QueueSize < 0 {
		return errors.New("QueueSize must be >= 0")
	}
	if c.DrainTimeout < 0 {
		return errors.New("DrainTimeout must be >= 0")
	}
	if c.ReceiveErrorDelay < 0 {
		return errors.New("ReceiveErrorDelay must be >= 0")
	}
	return nil
}

// MessageProcessor handles one message to a terminal outcome.
type MessageProcessor interface {
	Process(ctx context.Context, msg source.Message) error
}

// Ingestor receives batches from a queue and fans messages out to a fixed pool of
// workers.
type Ingestor struct {
	cfg       Config
	queue     source.Queue
	processor MessageProcessor
	metrics   *metrics.Metrics
}

func NewIngestor(cfg Config, queue source.Queue, processor MessageProcessor, m *metrics.Metrics) (*Ingestor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if queue == nil {
		return nil, fmt.Errorf("queue is nil")
	}
	if processor == nil {
		return nil, fmt.Errorf("processor is nil")
	}
	if m == nil {
		return nil, fmt.Errorf("metrics is nil")
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = cfg.Workers
	}
	return &Ingestor{cfg: cfg, queue: queue, processor: processor, metrics: m}, nil
}

// Run polls the queue until ctx is done, then waits for every submitted message to
// finish. Workers never see ctx cancellation, so shutdown does not interrupt
// downloads or backoff sleeps in progress.
func (i *Ingestor) Run(ctx context.Context) error {
	jobs := make(chan source.Message, i.cfg.QueueSize)
	workCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for w := 0; w < i.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range jobs {
				i.handle(workCtx, msg)
			}
		}()
	}

	log.Info().
		Int("workers", i.cfg.Workers).
		Int("queue_size", i.cfg.QueueSize).
		Msg("Starting to poll the queue")

	i.receiveLoop(ctx, jobs)
	close(jobs)

	log.Info().Msg("Shutting down, waiting for in-flight messages")
	return i.drain(&wg)
}

func (i *Ingestor) receiveLoop(ctx context.Context, jobs chan<- source.Message) {
	for {
		if ctx.Err() != nil {
			return
		}

		i.updateQueueDepth(ctx)

		msgs, err := i.queue.ReceiveBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("Error receiving messages")
			if sleepCtx(ctx, i.cfg.ReceiveErrorDelay) != nil {
				return
			}
			continue
		}

		// Received messages are always submitted, even during shutdown; the send
		// blocks while every worker is busy and the channel is full.
		for _, msg := range msgs {
			jobs <- msg
		}
	}
}

func (i *Ingestor) updateQueueDepth(ctx context.Context) {
	n, err := i.queue.QueueDepth(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Msg("Error reading queue depth")
		}
		return
	}
	i.metrics.MessagesWaiting.Set(float64(n))
}

func (i *Ingestor) handle(ctx context.Context, msg source.Message) {
	start := time.Now()
	err := i.process(ctx, msg)
	elapsed := time.Since(start)

	i.metrics.ObserveMessage(elapsed, err)

	if err != nil {
		log.Error().
			Err(err).
			Str("message_id", msg.ID).
			Int("receive_count", msg.ReceiveCount).
			Dur("elapsed", elapsed).
			Msg("Error processing message")
		return
	}
	log.Info().
		Str("message_id", msg.ID).
		Dur("elapsed", elapsed).
		Msg("Message processed")
}

func (i *Ingestor) process(ctx context.Context, msg source.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("message %s: panic: %v", msg.ID, r)
		}
	}()
	return i.processor.Process(ctx, msg)
}

func (i *Ingestor) drain(wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	if i.cfg.DrainTimeout <= 0 {
		<-done
		return nil
	}

	timer := time.NewTimer(i.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrDrainTimeout
	}
}
