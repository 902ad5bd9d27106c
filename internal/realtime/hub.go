// Package realtime pushes wallet events to connected users over websockets.
package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Windi-Fikriyansyah/earn_ledger/internal/models"
)

// EventsChannel fans wallet events out to every API instance.
const EventsChannel = "wallet:events"

const (
	EventWalletUpdated   = "wallet_updated"
	EventEarningCredited = "earning_credited"
)

type Client struct {
	ID     string
	UserID uuid.UUID
	Conn   *WebSocketConn
	Send   chan []byte
}

type Event struct {
	Type   string      `json:"type"`
	UserID uuid.UUID   `json:"user_id"`
	Data   interface{} `json:"data"`
}

// Hub tracks open sockets per user. With a redis client every event is published and
// delivered by each instance's Listen loop; without one it is delivered locally.
type Hub struct {
	Redis *redis.Client
	Log   logrus.FieldLogger

	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	// done is closed when Run returns; registration then happens inline.
	done     chan struct{}
	stopOnce sync.Once
	mu       sync.RWMutex
}

func NewHub(rdb *redis.Client, log logrus.FieldLogger) *Hub {
	return &Hub{
		Redis:      rdb,
		Log:        log,
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

func (h *Hub) RegisterClient(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		h.add(client)
	}
}

func (h *Hub) UnregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
		h.remove(client)
	}
}

// Run owns client registration until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer h.stopOnce.Do(func() { close(h.done) })
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.add(client)
		case client := <-h.unregister:
			h.remove(client)
		}
	}
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()
	h.log().WithFields(logrus.Fields{"client_id": client.ID, "user_id": client.UserID}).Debug("websocket client registered")
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	if old, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(old.Send)
	}
	h.mu.Unlock()
	h.log().WithField("client_id", client.ID).Debug("websocket client unregistered")
}

// Listen delivers events published by any instance to this instance's sockets.
func (h *Hub) Listen(ctx context.Context) error {
	if h.Redis == nil {
		<-ctx.Done()
		return nil
	}
	sub := h.Redis.Subscribe(ctx, EventsChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				h.log().WithError(err).Warn("dropping malformed wallet event")
				continue
			}
			h.deliver(ev.UserID, []byte(msg.Payload))
		}
	}
}

// SendToUser queues data on every socket of the user. Full buffers are skipped.
func (h *Hub) SendToUser(userID uuid.UUID, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.log().WithError(err).Error("marshal websocket payload")
		return
	}
	h.deliver(userID, payload)
}

func (h *Hub) deliver(userID uuid.UUID, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if client.UserID != userID {
			continue
		}
		select {
		case client.Send <- payload:
		default:
		}
	}
}

func (h *Hub) NotifyWallet(ctx context.Context, userID uuid.UUID, w models.Wallet) {
	h.publish(ctx, Event{
		Type:   EventWalletUpdated,
		UserID: userID,
		Data: map[string]interface{}{
			"available_balance": w.AvailableBalance,
			"escrow_balance":    w.EscrowBalance,
			"lifetime_earnings": w.LifetimeEarnings,
			"currency":          w.Currency,
		},
	})
}

func (h *Hub) NotifyEarning(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, offerName string) {
	h.publish(ctx, Event{
		Type:   EventEarningCredited,
		UserID: userID,
		Data: map[string]interface{}{
			"amount":     amount,
			"offer_name": offerName,
		},
	})
}

func (h *Hub) publish(ctx context.Context, ev Event) {
	if h.Redis == nil {
		h.SendToUser(ev.UserID, ev)
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log().WithError(err).Error("marshal wallet event")
		return
	}
	if err := h.Redis.Publish(ctx, EventsChannel, payload).Err(); err != nil {
		h.log().WithError(err).WithField("user_id", ev.UserID).Warn("wallet event not published, delivering locally")
		h.deliver(ev.UserID, payload)
	}
}

// Connected reports how many sockets the user has open on this instance.
func (h *Hub) Connected(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.clients {
		if c.UserID == userID {
			n++
		}
	}
	return n
}

func (h *Hub) log() logrus.FieldLogger {
	if h.Log == nil {
		return logrus.StandardLogger()
	}
	return h.Log
}
