package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"narrative-server/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const publishAttempts = 3

// RabbitMQPublisher отправляет события в fanout exchange для внешних сервисов (push-уведомления и т.п.).
type RabbitMQPublisher struct {
	channel  *amqp.Channel
	exchange string
	appID    string
	logger   *zap.Logger
}

// NewRabbitMQPublisher открывает канал и объявляет exchange.
func NewRabbitMQPublisher(conn *amqp.Connection, exchange, appID string, logger *zap.Logger) (*RabbitMQPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("change publisher: не удалось открыть канал: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"fanout", // kind
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("change publisher: не удалось объявить exchange '%s': %w", exchange, err)
	}
	return &RabbitMQPublisher{channel: ch, exchange: exchange, appID: appID, logger: logger.Named("RabbitChangePublisher")}, nil
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, event models.ChangeEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}

	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	for attempt := 1; attempt <= publishAttempts; attempt++ {
		err = p.channel.PublishWithContext(publishCtx,
			p.exchange,                      // exchange
			string(event.Snapshot.Ref.Type), // routing key (fanout его игнорирует)
			false,                           // mandatory
			false,                           // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Body:         body,
				Timestamp:    event.OccurredAt,
				AppId:        p.appID,
				Type:         string(event.Kind),
			},
		)
		if err == nil {
			return nil
		}
		p.logger.Warn("Failed to publish change event",
			zap.Int("attempt", attempt),
			zap.String("entity", event.Snapshot.Ref.String()),
			zap.Error(err),
		)
		if publishCtx.Err() != nil {
			break
		}
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	return fmt.Errorf("failed to publish change event to exchange %s: %w", p.exchange, err)
}

func (p *RabbitMQPublisher) Close() error {
	return p.channel.Close()
}
