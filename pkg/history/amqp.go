package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"voice-companion/pkg/errors"
	"voice-companion/pkg/metrics"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultPublishTimeout = 2 * time.Second
)

// AMQPConfig holds AMQP publisher configuration
type AMQPConfig struct {
	URL            string
	QueueName      string
	ExchangeName   string
	RoutingKey     string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// amqpChannel is the part of *amqp.Channel the recorder uses.
type amqpChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPRecorder publishes completed sessions to an AMQP queue for the backend
// that owns session history.
type AMQPRecorder struct {
	logger    *logrus.Logger
	config    AMQPConfig
	conn      *amqp.Connection
	channel   amqpChannel
	connected bool
	connMutex sync.RWMutex
	stopChan  chan struct{}
	now       func() time.Time
}

// NewAMQPRecorder creates a new AMQP recorder. Connect must be called before
// sessions are recorded; RecordSession reconnects lazily after a connection loss.
func NewAMQPRecorder(logger *logrus.Logger, config AMQPConfig) *AMQPRecorder {
	if config.RoutingKey == "" {
		config.RoutingKey = config.QueueName
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaultConnectTimeout
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaultPublishTimeout
	}

	return &AMQPRecorder{
		logger:   logger,
		config:   config,
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// Connect establishes a connection to the AMQP server and declares the queue
func (r *AMQPRecorder) Connect() error {
	r.connMutex.Lock()
	defer r.connMutex.Unlock()

	if r.connected {
		return nil
	}

	if r.config.URL == "" || r.config.QueueName == "" {
		return errors.Wrap(errors.ErrInvalidInput, "AMQP URL or queue name not configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.config.ConnectTimeout)
	defer cancel()

	conn, err := dialContext(ctx, func() (*amqp.Connection, error) {
		return amqp.Dial(r.config.URL)
	})
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(errors.ErrTimeout, fmt.Sprintf("connection to AMQP server timed out after %s", r.config.ConnectTimeout))
	}
	if err != nil {
		return errors.Wrap(err, "failed to connect to AMQP server")
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "failed to open AMQP channel")
	}

	_, err = channel.QueueDeclare(
		r.config.QueueName,
		true,  // Durable
		false, // Delete when unused
		false, // Exclusive
		false, // No-wait
		nil,   // Arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return errors.Wrap(err, "failed to declare AMQP queue").WithField("queue", r.config.QueueName)
	}

	r.conn = conn
	r.channel = channel
	r.connected = true
	r.stopChan = make(chan struct{})
	metrics.SetAMQPConnectionStatus(true)

	r.logger.WithField("queue", r.config.QueueName).Info("Connected to AMQP server")

	go r.monitorConnection(conn.NotifyClose(make(chan *amqp.Error, 1)), r.stopChan)
	return nil
}

// monitorConnection marks the recorder disconnected when the broker closes the
// connection.
func (r *AMQPRecorder) monitorConnection(closed chan *amqp.Error, stop chan struct{}) {
	select {
	case <-stop:
		return
	case amqpErr, ok := <-closed:
		r.connMutex.Lock()
		r.connected = false
		r.channel = nil
		r.conn = nil
		r.connMutex.Unlock()
		metrics.SetAMQPConnectionStatus(false)

		entry := r.logger.WithField("queue", r.config.QueueName)
		if ok && amqpErr != nil {
			entry = entry.WithError(amqpErr)
		}
		entry.Warn("AMQP connection closed")
	}
}

// Disconnect closes the AMQP connection
func (r *AMQPRecorder) Disconnect() {
	r.connMutex.Lock()
	defer r.connMutex.Unlock()

	if !r.connected {
		return
	}

	close(r.stopChan)
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		r.conn.Close()
	}
	r.channel = nil
	r.conn = nil
	r.connected = false
	metrics.SetAMQPConnectionStatus(false)

	r.logger.Info("Disconnected from AMQP server")
}

// IsConnected returns the connection status
func (r *AMQPRecorder) IsConnected() bool {
	r.connMutex.RLock()
	defer r.connMutex.RUnlock()
	return r.connected
}

// RecordSession publishes a persistent history record for companionID.
func (r *AMQPRecorder) RecordSession(ctx context.Context, companionID string) (err error) {
	defer func() {
		metrics.RecordAMQPPublish(r.config.QueueName, err)
	}()

	if !r.IsConnected() {
		if cerr := r.Connect(); cerr != nil {
			return errors.Wrap(fmt.Errorf("%w: %w", errors.ErrPersistence, cerr), "not connected to AMQP server")
		}
	}

	record := newRecord(ctx, companionID, r.now())
	body, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "failed to marshal session record")
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.PublishTimeout)
	defer cancel()

	publishChan := make(chan error, 1)
	go func() {
		r.connMutex.RLock()
		defer r.connMutex.RUnlock()

		if !r.connected || r.channel == nil {
			publishChan <- fmt.Errorf("lost AMQP connection before publishing")
			return
		}
		publishChan <- r.channel.Publish(
			r.config.ExchangeName,
			r.config.RoutingKey,
			false, // Mandatory
			false, // Immediate
			amqp.Publishing{
				ContentType:  "application/json",
				Body:         body,
				DeliveryMode: amqp.Persistent,
				Timestamp:    record.RecordedAt,
				MessageId:    record.SessionID,
				Type:         "session.completed",
			},
		)
	}()

	select {
	case perr := <-publishChan:
		if perr != nil {
			return errors.Wrap(fmt.Errorf("%w: %w", errors.ErrPersistence, perr), "failed to publish session record").
				WithField("companion_id", companionID)
		}
	case <-ctx.Done():
		return errors.Wrap(fmt.Errorf("%w: %w", errors.ErrTimeout, ctx.Err()), "publishing session record timed out")
	}

	r.logger.WithFields(logrus.Fields{
		"session_id":   record.SessionID,
		"companion_id": companionID,
		"queue":        r.config.QueueName,
	}).Debug("Published session record to AMQP")
	return nil
}

// dialContext runs dial until ctx is done. A connection that completes after
// ctx has expired is closed instead of being leaked.
func dialContext[C io.Closer](ctx context.Context, dial func() (C, error)) (C, error) {
	type dialResult struct {
		conn C
		err  error
	}
	// Unbuffered so an abandoned result is never parked in the channel.
	results := make(chan dialResult)
	go func() {
		conn, err := dial()
		select {
		case results <- dialResult{conn, err}:
		case <-ctx.Done():
			if err == nil {
				conn.Close()
			}
		}
	}()

	select {
	case result := <-results:
		return result.conn, result.err
	case <-ctx.Done():
		var zero C
		return zero, ctx.Err()
	}
}
