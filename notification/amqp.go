package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"

	"atlas.crawlops.org/common"
)

// AMQPNotifier publishes notifications to a fanout exchange so multiple
// downstream consumers (chat bridges, pagers, audit sinks) can subscribe
// independently.
type AMQPNotifier struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewAMQPNotifier dials the broker and declares the fanout exchange.
func NewAMQPNotifier(url, exchange string) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	if err := channel.ExchangeDeclare(
		exchange, "fanout",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	common.Logger.WithField("exchange", exchange).Info("connected to AMQP broker")
	return &AMQPNotifier{conn: conn, channel: channel, exchange: exchange}, nil
}

// Send publishes the message as persistent JSON.
func (n *AMQPNotifier) Send(_ context.Context, msg Message) (*Result, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return &Result{Sent: false, Error: err.Error()}, err
	}

	if err := n.channel.Publish(
		n.exchange,
		string(msg.Severity), // routing key ignored by fanout, useful in logs
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         payload,
		},
	); err != nil {
		common.Logger.Warnf("AMQP publish failed: %v", err)
		return &Result{Sent: false, Error: err.Error()}, err
	}

	return &Result{Sent: true, Channels: map[string]bool{"amqp": true}}, nil
}

// Close releases the channel and connection.
func (n *AMQPNotifier) Close() error {
	if err := n.channel.Close(); err != nil {
		return err
	}
	return n.conn.Close()
}
