package send

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hitoshi/civicmail/internal/model"
)

// AMQPConfig はRabbitMQ接続設定。
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
	QueueName  string
}

// amqpPublisher はamqp.Channelのうち送出に使うメソッド。
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPDispatcher はバッチを永続メッセージとしてRabbitMQへ発行する。
type AMQPDispatcher struct {
	conn       *amqp.Connection
	channel    amqpPublisher
	exchange   string
	routingKey string
	logger     *slog.Logger
	now        func() time.Time
}

var _ Dispatcher = (*AMQPDispatcher)(nil)

// NewAMQPDispatcher はRabbitMQに接続し、exchangeとqueueを宣言してバインドする。
func NewAMQPDispatcher(cfg AMQPConfig, logger *slog.Logger) (*AMQPDispatcher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("RabbitMQへの接続に失敗しました: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("チャネルのオープンに失敗しました: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("exchangeの宣言に失敗しました: %w", err)
	}

	q, err := ch.QueueDeclare(cfg.QueueName, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("queueの宣言に失敗しました: %w", err)
	}

	if err := ch.QueueBind(q.Name, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("queueのバインドに失敗しました: %w", err)
	}

	logger.Info("RabbitMQに接続しました",
		slog.String("exchange", cfg.Exchange),
		slog.String("queue", cfg.QueueName),
		slog.String("routing_key", cfg.RoutingKey),
	)

	d := newAMQPDispatcher(ch, cfg.Exchange, cfg.RoutingKey, logger)
	d.conn = conn
	return d, nil
}

func newAMQPDispatcher(ch amqpPublisher, exchange, routingKey string, logger *slog.Logger) *AMQPDispatcher {
	return &AMQPDispatcher{
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger,
		now:        time.Now,
	}
}

// Name は送出方式の名前を返す。
func (d *AMQPDispatcher) Name() string { return "amqp" }

// Dispatch はバッチをJSONメッセージとして発行する。
func (d *AMQPDispatcher) Dispatch(ctx context.Context, requestID string, b Batch) error {
	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("バッチのエンコードに失敗しました: %w", err)
	}

	err = d.channel.PublishWithContext(ctx, d.exchange, d.routingKey, false, false, amqp.Publishing{
		DeliveryMode:  amqp.Persistent,
		ContentType:   "application/json",
		CorrelationId: requestID,
		MessageId:     b.BatchID,
		Timestamp:     d.now(),
		Body:          body,
	})
	if err != nil {
		d.logger.Error("バッチの発行に失敗しました",
			slog.String("job_id", b.JobID),
			slog.String("batch_id", b.BatchID),
			slog.String("error", err.Error()),
		)
		return model.NewDispatchFailedError(err.Error())
	}

	d.logger.Debug("バッチを発行しました",
		slog.String("job_id", b.JobID),
		slog.String("batch_id", b.BatchID),
		slog.Int("count", b.Count),
	)
	return nil
}

// Close はチャネルと接続を閉じる。
func (d *AMQPDispatcher) Close() error {
	if d.channel != nil {
		d.channel.Close()
	}
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}
