// Package websocket отдает наблюдателям изменения статусов через websocket-подписки.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"narrative-server/internal/models"
	"narrative-server/internal/notifier"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1024
	sendBuffer     = 256
)

var (
	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "narrative_ws_connections_active",
		Help: "Currently connected websocket observers.",
	})
	subscriptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "narrative_ws_subscriptions_total",
			Help: "Websocket subscription requests by resulting status.",
		},
		[]string{"status"},
	)
)

// Manager держит websocket-соединения наблюдателей и их подписки на брокер изменений.
type Manager struct {
	broker   *notifier.Broker
	upgrader websocket.Upgrader
	logger   *zap.Logger

	clients    map[uuid.UUID]*Client
	register   chan *Client
	unregister chan *Client
	stopped    chan struct{}
	mu         sync.RWMutex
}

// NewManager создает менеджер. "*" в allowedOrigins разрешает любой источник.
func NewManager(broker *notifier.Broker, allowedOrigins []string, logger *zap.Logger) *Manager {
	return &Manager{
		broker: broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
			},
		},
		logger:     logger.Named("WebSocketManager"),
		clients:    make(map[uuid.UUID]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stopped:    make(chan struct{}),
	}
}

// Run обслуживает регистрацию клиентов до отмены контекста, затем закрывает все соединения.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case client := <-m.register:
			m.mu.Lock()
			m.clients[client.ID] = client
			m.mu.Unlock()
			connectionsActive.Inc()
			m.logger.Info("Client connected", zap.String("clientID", client.ID.String()))

		case client := <-m.unregister:
			m.mu.Lock()
			if _, ok := m.clients[client.ID]; ok {
				delete(m.clients, client.ID)
				connectionsActive.Dec()
				m.logger.Info("Client disconnected", zap.String("clientID", client.ID.String()))
			}
			m.mu.Unlock()

		case <-ctx.Done():
			close(m.stopped)
			m.mu.Lock()
			clients := make([]*Client, 0, len(m.clients))
			for _, c := range m.clients {
				clients = append(clients, c)
			}
			m.clients = make(map[uuid.UUID]*Client)
			m.mu.Unlock()
			for _, c := range clients {
				c.shutdown()
				connectionsActive.Dec()
			}
			m.logger.Info("WebSocket manager stopped", zap.Int("closedClients", len(clients)))
			return
		}
	}
}

// ClientCount возвращает число подключенных клиентов.
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Handler обрабатывает новые websocket-соединения.
func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := m.upgrader.Upgrade(w, r, nil)
		if err != nil {
			m.logger.Warn("Websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:      uuid.New(),
			Conn:    conn,
			Manager: m,
			send:    make(chan []byte, sendBuffer),
			done:    make(chan struct{}),
			subs:    make(map[uuid.UUID]*notifier.Subscription),
		}
		client.logger = m.logger.With(zap.String("clientID", client.ID.String()))

		select {
		case m.register <- client:
		case <-m.stopped:
			conn.Close()
			return
		}

		go client.readPump()
		go client.writePump()
	})
}

// Client - одно websocket-соединение наблюдателя. Может держать несколько подписок.
type Client struct {
	ID      uuid.UUID
	Conn    *websocket.Conn
	Manager *Manager

	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger

	mu   sync.Mutex
	subs map[uuid.UUID]*notifier.Subscription
}

func (c *Client) readPump() {
	defer func() {
		c.shutdown()
		select {
		case c.Manager.unregister <- c:
		case <-c.Manager.stopped:
		}
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("Websocket read error", zap.Error(err))
			}
			return
		}

		var cmd models.SubscriptionCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.logger.Warn("Malformed client command", zap.Error(err))
			c.enqueue(models.ServerFrame{
				Type:   models.FrameSubscription,
				Status: models.SubscriptionChannelError,
				Error:  "malformed command",
			})
			continue
		}

		switch cmd.Action {
		case models.ActionSubscribe:
			c.subscribe(cmd)
		case models.ActionUnsubscribe:
			c.unsubscribe(cmd.SubscriptionID)
		default:
			c.enqueue(models.ServerFrame{
				Type:      models.FrameSubscription,
				RequestID: cmd.RequestID,
				Status:    models.SubscriptionChannelError,
				Error:     "unknown action " + cmd.Action,
			})
		}
	}
}

func (c *Client) subscribe(cmd models.SubscriptionCommand) {
	ref, err := models.ParseEntityRef(string(cmd.EntityType), cmd.EntityID)
	var sub *notifier.Subscription
	if err == nil {
		sub, err = c.Manager.broker.Subscribe(ref, cmd.Event)
	}
	if err != nil {
		subscriptionsTotal.WithLabelValues(string(models.SubscriptionChannelError)).Inc()
		c.logger.Warn("Subscription rejected", zap.String("entityType", string(cmd.EntityType)), zap.String("entityID", cmd.EntityID), zap.Error(err))
		c.enqueue(models.ServerFrame{
			Type:      models.FrameSubscription,
			RequestID: cmd.RequestID,
			Status:    models.SubscriptionChannelError,
			Error:     err.Error(),
		})
		return
	}

	c.mu.Lock()
	select {
	case <-c.done:
		// shutdown уже забрал подписки: эту закрываем сами.
		c.mu.Unlock()
		sub.Close()
		return
	default:
	}
	c.subs[sub.ID] = sub
	c.mu.Unlock()

	subscriptionsTotal.WithLabelValues(string(models.SubscriptionSubscribed)).Inc()
	c.enqueue(models.ServerFrame{
		Type:           models.FrameSubscription,
		RequestID:      cmd.RequestID,
		SubscriptionID: sub.ID,
		Status:         models.SubscriptionSubscribed,
		Entity:         &ref,
	})
	go c.forward(sub, ref)
}

// forward пересылает события подписки клиенту и сообщает, чем она завершилась.
func (c *Client) forward(sub *notifier.Subscription, ref models.EntityRef) {
	for ev := range sub.Events() {
		c.enqueue(models.ServerFrame{Type: models.FrameChange, SubscriptionID: sub.ID, Event: &ev})
	}

	c.mu.Lock()
	delete(c.subs, sub.ID)
	c.mu.Unlock()

	frame := models.ServerFrame{
		Type:           models.FrameSubscription,
		SubscriptionID: sub.ID,
		Status:         models.SubscriptionClosed,
		Entity:         &ref,
	}
	if err := sub.Err(); err != nil {
		frame.Status = models.SubscriptionChannelError
		frame.Error = err.Error()
	}
	subscriptionsTotal.WithLabelValues(string(frame.Status)).Inc()
	c.enqueue(frame)
}

func (c *Client) unsubscribe(id uuid.UUID) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// enqueue ставит кадр в очередь отправки. Клиент с переполненной очередью отключается.
func (c *Client) enqueue(frame models.ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("Failed to marshal frame", zap.Error(err))
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.logger.Warn("Send buffer full, dropping client")
		c.shutdown()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// shutdown закрывает все подписки клиента и соединение. Повторный вызов безопасен.
func (c *Client) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		subs := make([]*notifier.Subscription, 0, len(c.subs))
		for _, s := range c.subs {
			subs = append(subs, s)
		}
		c.mu.Unlock()
		for _, s := range subs {
			s.Close()
		}
		// Чтение прерывается закрытием соединения; запись завершает writePump.
		_ = c.Conn.SetReadDeadline(time.Now())
	})
}
