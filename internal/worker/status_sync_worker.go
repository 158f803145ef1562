package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"docgate/internal/app"
	"docgate/internal/model"
	"docgate/internal/platform/rabbitmq"
)

const refreshTimeout = 30 * time.Second

type StatusRefresher interface {
	RefreshStatus(ctx context.Context, documentID string) (*model.Document, error)
}

type DelayedPublisher interface {
	PublishStatusSyncAfter(ctx context.Context, job model.StatusSyncJob, delay time.Duration) error
}

type StatusSyncOptions struct {
	QueueName   string
	Interval    time.Duration
	MaxAttempts int
}

// StatusSyncWorker polls the engine for documents still being processed so
// their local status settles without anyone asking for it.
type StatusSyncWorker struct {
	conn      *amqp.Connection
	refresher StatusRefresher
	requeue   DelayedPublisher
	opts      StatusSyncOptions
	logger    *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type outcome int

const (
	outcomeAck outcome = iota
	outcomeDrop
	outcomeRetry
)

func NewStatusSyncWorker(
	conn *amqp.Connection,
	refresher StatusRefresher,
	requeue DelayedPublisher,
	opts StatusSyncOptions,
	logger *zap.Logger,
) *StatusSyncWorker {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 60
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusSyncWorker{
		conn:      conn,
		refresher: refresher,
		requeue:   requeue,
		opts:      opts,
		logger:    logger,
	}
}

func (w *StatusSyncWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	ch, err := w.conn.Channel()
	if err != nil {
		cancel()
		return fmt.Errorf("open worker channel failed: %w", err)
	}

	if err := rabbitmq.DeclareStatusSyncQueues(ch, w.opts.QueueName); err != nil {
		_ = ch.Close()
		cancel()
		return err
	}
	if err := ch.Qos(8, 0, false); err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("set worker qos failed: %w", err)
	}

	deliveries, err := ch.Consume(
		w.opts.QueueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()

		for {
			select {
			case <-workerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				switch w.process(workerCtx, d.Body) {
				case outcomeAck:
					_ = d.Ack(false)
				case outcomeDrop:
					_ = d.Nack(false, false)
				case outcomeRetry:
					_ = d.Nack(false, true)
				}
			}
		}
	}()

	return nil
}

func (w *StatusSyncWorker) process(ctx context.Context, body []byte) outcome {
	var job model.StatusSyncJob
	if err := json.Unmarshal(body, &job); err != nil || job.DocumentID == "" {
		w.logger.Warn("status sync decode job failed", zap.ByteString("body", body), zap.Error(err))
		return outcomeDrop
	}
	log := w.logger.With(zap.String("document_id", job.DocumentID), zap.Int("attempt", job.Attempt))

	refreshCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	doc, err := w.refresher.RefreshStatus(refreshCtx, job.DocumentID)
	cancel()

	switch {
	case errors.Is(err, app.ErrNotFound):
		log.Debug("status sync document gone")
		return outcomeAck
	case err != nil:
		log.Warn("status sync refresh failed", zap.Error(err))
	case !doc.HasRemote() || doc.Status.Terminal():
		log.Info("status sync settled", zap.String("status", string(doc.Status)))
		return outcomeAck
	}

	next := model.StatusSyncJob{DocumentID: job.DocumentID, Attempt: job.Attempt + 1}
	if next.Attempt >= w.opts.MaxAttempts {
		log.Warn("status sync gave up")
		return outcomeAck
	}
	if err := w.requeue.PublishStatusSyncAfter(ctx, next, w.opts.Interval); err != nil {
		log.Error("status sync requeue failed", zap.Error(err))
		return outcomeRetry
	}
	return outcomeAck
}

func (w *StatusSyncWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
