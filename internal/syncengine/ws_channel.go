package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"narrative-server/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const wsWriteWait = 5 * time.Second

// WSChannel открывает подписки через websocket-эндпоинт сервера. Одна подписка - одно соединение.
type WSChannel struct {
	url    string
	dialer *websocket.Dialer
	logger *zap.Logger
}

func NewWSChannel(wsURL string, logger *zap.Logger) *WSChannel {
	return &WSChannel{
		url:    wsURL,
		dialer: websocket.DefaultDialer,
		logger: logger.Named("WSChannel"),
	}
}

// Subscribe возвращается после кадра SUBSCRIBED. Отказ сервера или разрыв - ErrSubscription.
func (c *WSChannel) Subscribe(ctx context.Context, ref models.EntityRef, kind models.EventKind) (Stream, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", models.ErrSubscription, c.url, err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	sub, err := c.handshake(ctx, conn, ref, kind)
	if !stop() || err != nil {
		conn.Close()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", models.ErrSubscription, err)
	}

	s := &wsStream{
		conn:    conn,
		subID:   sub,
		events:  make(chan models.ChangeEvent, 16),
		closing: make(chan struct{}),
		logger:  c.logger.With(zap.String("entity", ref.String()), zap.String("subscriptionID", sub.String())),
	}
	go s.readLoop()
	return s, nil
}

func (c *WSChannel) handshake(ctx context.Context, conn *websocket.Conn, ref models.EntityRef, kind models.EventKind) (uuid.UUID, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}
	requestID := uuid.NewString()
	cmd := models.SubscriptionCommand{
		Action:     models.ActionSubscribe,
		RequestID:  requestID,
		EntityType: ref.Type,
		EntityID:   ref.ID.String(),
		Event:      kind,
	}
	if err := conn.WriteJSON(cmd); err != nil {
		return uuid.Nil, fmt.Errorf("ошибка отправки подписки: %w", err)
	}

	for {
		var frame models.ServerFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return uuid.Nil, fmt.Errorf("ошибка ожидания подтверждения: %w", err)
		}
		if frame.Type != models.FrameSubscription || frame.RequestID != requestID {
			continue
		}
		if frame.Status != models.SubscriptionSubscribed {
			return uuid.Nil, fmt.Errorf("сервер отклонил подписку (%s): %s", frame.Status, frame.Error)
		}
		_ = conn.SetReadDeadline(time.Time{})
		_ = conn.SetWriteDeadline(time.Time{})
		return frame.SubscriptionID, nil
	}
}

type wsStream struct {
	conn    *websocket.Conn
	subID   uuid.UUID
	events  chan models.ChangeEvent
	closing chan struct{}
	logger  *zap.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func (s *wsStream) Events() <-chan models.ChangeEvent { return s.events }

func (s *wsStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *wsStream) Close() {
	s.closeOnce.Do(func() {
		close(s.closing)
		_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		_ = s.conn.WriteJSON(models.SubscriptionCommand{Action: models.ActionUnsubscribe, SubscriptionID: s.subID})
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
	})
}

func (s *wsStream) readLoop() {
	var reason error
	defer func() {
		s.mu.Lock()
		s.err = reason
		s.mu.Unlock()
		close(s.events)
	}()

	for {
		var frame models.ServerFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			select {
			case <-s.closing:
			default:
				reason = fmt.Errorf("%w: %w", models.ErrSubscription, err)
			}
			return
		}
		if frame.SubscriptionID != s.subID {
			continue
		}

		switch frame.Type {
		case models.FrameChange:
			if frame.Event == nil {
				continue
			}
			select {
			case s.events <- *frame.Event:
			case <-s.closing:
				return
			}
		case models.FrameSubscription:
			if frame.Status == models.SubscriptionSubscribed {
				continue
			}
			s.logger.Warn("Subscription ended by server", zap.String("status", string(frame.Status)), zap.String("error", frame.Error))
			reason = fmt.Errorf("%w: %s", models.ErrSubscription, frame.Status)
			if frame.Error != "" {
				reason = fmt.Errorf("%w: %s: %w", models.ErrSubscription, frame.Status, errors.New(frame.Error))
			}
			return
		}
	}
}
