package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"callpilot/pkg/metrics"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// AMQPConfig holds AMQP client configuration
type AMQPConfig struct {
	Enabled        bool          `json:"enabled" env:"AMQP_ENABLED" default:"false"`
	URL            string        `json:"url" env:"AMQP_URL"`
	QueueName      string        `json:"queue_name" env:"AMQP_QUEUE_NAME" default:"callpilot.events"`
	ExchangeName   string        `json:"exchange_name" env:"AMQP_EXCHANGE_NAME"`
	RoutingKey     string        `json:"routing_key" env:"AMQP_ROUTING_KEY"`
	Durable        bool          `json:"durable" env:"AMQP_DURABLE" default:"true"`
	AutoDelete     bool          `json:"auto_delete" env:"AMQP_AUTO_DELETE" default:"false"`
	PublishTimeout time.Duration `json:"publish_timeout" env:"AMQP_PUBLISH_TIMEOUT" default:"200ms"`
}

// amqpChannel is the part of *amqp.Channel used for publishing
type amqpChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Close() error
}

// AMQPClient handles AMQP connections and message publishing
type AMQPClient struct {
	logger    *logrus.Logger
	config    AMQPConfig
	conn      *amqp.Connection
	channel   amqpChannel
	connected bool
	connMutex sync.RWMutex
	stopChan  chan struct{}
}

// NewAMQPClient creates a new AMQP client
func NewAMQPClient(logger *logrus.Logger, config AMQPConfig) *AMQPClient {
	if config.RoutingKey == "" {
		config.RoutingKey = config.QueueName
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 200 * time.Millisecond
	}

	return &AMQPClient{
		logger:   logger,
		config:   config,
		stopChan: make(chan struct{}),
	}
}

// Connect establishes a connection to the AMQP server and declares the queue
func (c *AMQPClient) Connect() error {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if c.connected {
		return nil
	}

	if c.config.URL == "" || c.config.QueueName == "" {
		return fmt.Errorf("AMQP URL or queue name not configured")
	}

	conn, err := amqp.DialConfig(c.config.URL, amqp.Config{
		Dial: amqp.DefaultDial(5 * time.Second),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to AMQP server: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	if _, err := channel.QueueDeclare(
		c.config.QueueName,
		c.config.Durable,
		c.config.AutoDelete,
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare AMQP queue: %w", err)
	}

	c.conn = conn
	c.channel = channel
	c.connected = true
	c.stopChan = make(chan struct{})

	c.logger.WithFields(logrus.Fields{
		"queue": c.config.QueueName,
	}).Info("Connected to AMQP server")

	go c.monitorConnection(conn)
	return nil
}

// Disconnect closes the AMQP connection
func (c *AMQPClient) Disconnect() {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if !c.connected {
		return
	}

	close(c.stopChan)
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}

	c.connected = false
	c.logger.Info("Disconnected from AMQP server")
}

// IsConnected returns the connection status
func (c *AMQPClient) IsConnected() bool {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	return c.connected
}

// Publish sends a JSON message to the configured queue within the publish timeout
func (c *AMQPClient) Publish(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered from panic while publishing: %v", r)
		}
	}()

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.PublishTimeout)
	defer cancel()

	publishChan := make(chan error, 1)
	go func() {
		c.connMutex.RLock()
		defer c.connMutex.RUnlock()

		if !c.connected || c.channel == nil {
			publishChan <- fmt.Errorf("not connected to AMQP server")
			return
		}
		publishChan <- c.channel.Publish(
			c.config.ExchangeName,
			c.config.RoutingKey,
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				Body:         body,
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Type:         msg.Type,
				Timestamp:    msg.Timestamp,
				Headers: amqp.Table{
					"x-call-id": msg.CallID,
				},
				// 12 hours, so an idle consumer does not let the queue grow unbounded
				Expiration: "43200000",
			},
		)
	}()

	select {
	case err := <-publishChan:
		if err != nil {
			return fmt.Errorf("failed to publish to AMQP: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publishing to AMQP timed out after %s", c.config.PublishTimeout)
	}
}

// monitorConnection reconnects with backoff when the server closes the connection
func (c *AMQPClient) monitorConnection(conn *amqp.Connection) {
	closeChan := conn.NotifyClose(make(chan *amqp.Error, 1))

	c.connMutex.RLock()
	stop := c.stopChan
	c.connMutex.RUnlock()

	select {
	case <-stop:
		return
	case closeErr, ok := <-closeChan:
		if !ok {
			return
		}
		c.connMutex.Lock()
		c.connected = false
		c.connMutex.Unlock()

		c.logger.WithError(closeErr).Warn("AMQP connection closed, attempting to reconnect")

		for attempt := 1; attempt <= 10; attempt++ {
			err := c.Connect()
			if err == nil {
				c.logger.Info("Successfully reconnected to AMQP server")
				return
			}
			c.logger.WithError(err).WithField("attempt", attempt).Error("Failed to reconnect to AMQP server")

			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			select {
			case <-stop:
				return
			case <-time.After(backoff):
			}
		}
	}
}

// AMQPBroadcaster publishes broadcast messages to AMQP for downstream
// consumers. Failures are logged and never reach the caller.
type AMQPBroadcaster struct {
	publisher Publisher
	logger    *logrus.Logger
}

// NewAMQPBroadcaster creates a broadcaster on top of a publisher
func NewAMQPBroadcaster(publisher Publisher, logger *logrus.Logger) *AMQPBroadcaster {
	return &AMQPBroadcaster{publisher: publisher, logger: logger}
}

// Broadcast implements Broadcaster
func (b *AMQPBroadcaster) Broadcast(callID string, msg Message) {
	if !b.publisher.IsConnected() {
		b.logger.WithFields(logrus.Fields{
			"call_id": callID,
			"type":    msg.Type,
		}).Debug("AMQP not connected, skipping broadcast")
		return
	}

	if err := b.publisher.Publish(context.Background(), msg); err != nil {
		b.logger.WithError(err).WithFields(logrus.Fields{
			"call_id": callID,
			"type":    msg.Type,
		}).Warn("Failed to publish broadcast to AMQP")
		return
	}
	metrics.RecordBroadcast("amqp", msg.Type)
}
