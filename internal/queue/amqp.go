package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

// AMQPQueue publishes job IDs to a durable RabbitMQ queue so a separate
// worker process can run the dispatcher.
type AMQPQueue struct {
	conn *amqp.Connection
	pub  *amqp.Channel
	name string
	mu   sync.Mutex
	log  zerolog.Logger
}

func NewAMQPQueue(url, name string, log zerolog.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if _, err := declare(ch, name); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &AMQPQueue{conn: conn, pub: ch, name: name, log: log}, nil
}

func declare(ch *amqp.Channel, name string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return q, fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	return q, nil
}

func (q *AMQPQueue) Publish(ctx context.Context, jobID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := encodeJob(jobID)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	err = q.pub.Publish(
		"",     // default exchange
		q.name, // routing key
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish job %d: %w", jobID, err)
	}
	q.log.Info().Int("job_id", jobID).Msg("📤 Published campaign job to queue")
	return nil
}

// Consume prefetches at most workers deliveries. Every delivery is acked once
// its handler returns, success or not; the job record carries the outcome.
func (q *AMQPQueue) Consume(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(workers, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}
	const tag = "rallymail-dispatcher"
	msgs, err := ch.Consume(
		q.name,
		tag,
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = ch.Cancel(tag, false)
	}()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for d := range msgs {
				jobID, err := decodeJob(d.Body)
				if err != nil {
					q.log.Warn().Err(err).Msg("⚠️ Dropping invalid job message")
					d.Ack(false)
					continue
				}
				if err := handler(ctx, jobID); err != nil {
					q.log.Error().Err(err).Int("job_id", jobID).Int("worker", worker).Msg("⚠️ job handler failed")
				}
				d.Ack(false)
			}
		}(i)
	}
	wg.Wait()
	return nil
}

func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pub.Close()
	return q.conn.Close()
}

var _ Queue = (*AMQPQueue)(nil)
