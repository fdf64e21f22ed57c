// Package worker runs a queue consumer loop that fans messages out to a
// goroutine pool and settles each message from its handler's result.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/gas-pipeline/internal/metrics"
	"github.com/cuongbtq/gas-pipeline/internal/queue"
)

// Handler processes one message. A nil error, a condition failure or a
// permanent error acks the message; a *queue.DeferError delays it; any other
// error releases it for redelivery.
type Handler interface {
	Handle(ctx context.Context, msg *queue.Message) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, msg *queue.Message) error

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, msg *queue.Message) error {
	return f(ctx, msg)
}

// Config holds worker configuration
type Config struct {
	Name         string
	Logger       *slog.Logger
	Consumer     queue.Consumer
	Handler      Handler
	Metrics      *metrics.Metrics
	Concurrency  int
	MaxMessages  int
	WaitTime     time.Duration
	ErrorBackoff time.Duration
}

// Worker consumes one queue
type Worker struct {
	name         string
	logger       *slog.Logger
	consumer     queue.Consumer
	handler      Handler
	metrics      *metrics.Metrics
	concurrency  int
	maxMessages  int
	waitTime     time.Duration
	errorBackoff time.Duration
	now          func() time.Time

	jobsChan chan *queue.Message
	wg       sync.WaitGroup
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) (*Worker, error) {
	if cfg.Consumer == nil || cfg.Handler == nil {
		return nil, fmt.Errorf("worker %q needs a consumer and a handler", cfg.Name)
	}

	w := &Worker{
		name:         cfg.Name,
		logger:       cfg.Logger,
		consumer:     cfg.Consumer,
		handler:      cfg.Handler,
		metrics:      cfg.Metrics,
		concurrency:  cfg.Concurrency,
		maxMessages:  cfg.MaxMessages,
		waitTime:     cfg.WaitTime,
		errorBackoff: cfg.ErrorBackoff,
		now:          time.Now,
		jobsChan:     make(chan *queue.Message),
	}

	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.maxMessages <= 0 {
		w.maxMessages = w.concurrency
	}
	if w.waitTime <= 0 {
		w.waitTime = 20 * time.Second
	}
	if w.errorBackoff <= 0 {
		w.errorBackoff = 5 * time.Second
	}

	return w, nil
}

// Start polls until ctx is canceled, then waits for in-flight messages to
// be settled. It returns an error when the consumer closes for good.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker", w.name),
		slog.Int("concurrency", w.concurrency),
		slog.Int("max_messages", w.maxMessages),
		slog.Duration("wait_time", w.waitTime),
	)

	w.spawnWorkerPool(ctx)

	err := w.pollLoop(ctx)

	close(w.jobsChan)
	w.wg.Wait()

	w.logger.Info("Worker stopped", slog.String("worker", w.name))
	return err
}
