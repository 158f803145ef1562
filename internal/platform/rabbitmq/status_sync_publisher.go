package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"docgate/internal/model"
)

// DelayQueueName is where delayed jobs wait. Expired messages are
// dead-lettered back onto the work queue.
func DelayQueueName(queueName string) string {
	return queueName + ".delay"
}

// DeclareStatusSyncQueues declares the work queue and its delay queue.
func DeclareStatusSyncQueues(ch *amqp.Channel, queueName string) error {
	if _, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("declare queue failed: %w", err)
	}
	if _, err := ch.QueueDeclare(
		DelayQueueName(queueName),
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": queueName,
		},
	); err != nil {
		return fmt.Errorf("declare delay queue failed: %w", err)
	}
	return nil
}

type StatusSyncPublisher struct {
	conn      *amqp.Connection
	queueName string
}

func NewStatusSyncPublisher(conn *amqp.Connection, queueName string) *StatusSyncPublisher {
	return &StatusSyncPublisher{
		conn:      conn,
		queueName: queueName,
	}
}

func (p *StatusSyncPublisher) PublishStatusSync(ctx context.Context, job model.StatusSyncJob) error {
	return p.publish(ctx, p.queueName, job, 0)
}

// PublishStatusSyncAfter parks the job on the delay queue for at least delay.
func (p *StatusSyncPublisher) PublishStatusSyncAfter(ctx context.Context, job model.StatusSyncJob, delay time.Duration) error {
	if delay <= 0 {
		return p.PublishStatusSync(ctx, job)
	}
	return p.publish(ctx, DelayQueueName(p.queueName), job, delay)
}

func (p *StatusSyncPublisher) publish(ctx context.Context, routingKey string, job model.StatusSyncJob, delay time.Duration) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	defer ch.Close()

	if err := DeclareStatusSyncQueues(ch, p.queueName); err != nil {
		return err
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal status sync job failed: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         payload,
		DeliveryMode: amqp.Persistent,
	}
	if delay > 0 {
		msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}

	if err := ch.PublishWithContext(
		ctx,
		"",
		routingKey,
		false,
		false,
		msg,
	); err != nil {
		return fmt.Errorf("publish status sync job failed: %w", err)
	}
	return nil
}
