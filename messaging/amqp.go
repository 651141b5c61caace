package messaging

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPQueue is a ProducerConsumerCloser backed by a RabbitMQ exchange and
// queue pair, for deployments where crawled results need to fan out to
// other services instead of staying in-process.
type AMQPQueue struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
	queueName  string
}

// NewAMQPQueue dials url, declares a direct exchange/queue/binding matching
// exchange, routingKey and queueName, and returns a ready-to-use
// AMQPQueue. Declarations are idempotent, so repeated calls against the
// same broker topology are safe.
func NewAMQPQueue(url, exchange, routingKey, queueName string) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	if err := ch.QueueBind(queueName, routingKey, exchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &AMQPQueue{
		conn:       conn,
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
		queueName:  queueName,
	}, nil
}

// Produce publishes a payload onto the configured exchange/routing key.
func (q *AMQPQueue) Produce(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return q.channel.PublishWithContext(ctx, q.exchange, q.routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        data,
		Timestamp:   time.Now(),
	})
}

// Consume subscribes to the bound queue and forwards deliveries onto events.
// The subscription uses auto-ack, so the broker counts each delivery as
// acknowledged as soon as it is sent, before it is forwarded.
func (q *AMQPQueue) Consume(events chan<- []byte) error {
	msgs, err := q.channel.Consume(q.queueName, "", true, false, false, false, nil)
	if err != nil {
		return err
	}
	for d := range msgs {
		events <- d.Body
	}
	return nil
}

// Close tears down the channel and the underlying connection.
func (q *AMQPQueue) Close() {
	q.channel.Close()
	q.conn.Close()
}
