// README: Websocket endpoint: authenticate, then pump hub events out and control messages in.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"dispatch/internal/config"
	"dispatch/internal/infra"
	"dispatch/internal/types"
)

const (
	maxMessageSize   = 8 << 10
	operationTimeout = 5 * time.Second
)

// LocationSink implementations wrap these so the socket can tell the partner
// what to correct without echoing internal errors.
var (
	ErrReportInvalid      = errors.New("invalid location report")
	ErrReportUnauthorized = errors.New("location report rejected")
)

// WatchAuthorizer decides whether a user may follow a delivery's live events.
type WatchAuthorizer interface {
	CanWatch(ctx context.Context, userID types.ID, role types.Role, deliveryID types.ID) (bool, error)
}

// LocationReport is a location sample sent by a partner over the socket.
type LocationReport struct {
	DeliveryID types.ID `json:"deliveryId"`
	Latitude   float64  `json:"latitude"`
	Longitude  float64  `json:"longitude"`
	Heading    *float64 `json:"heading,omitempty"`
	Speed      *float64 `json:"speed,omitempty"`
	Accuracy   *float64 `json:"accuracy,omitempty"`
}

// LocationSink ingests partner location samples received over the socket.
type LocationSink interface {
	ReportLocation(ctx context.Context, partnerID types.ID, r LocationReport) (any, error)
}

type inbound struct {
	Type       string          `json:"type"`
	UserID     types.ID        `json:"userId"`
	UserType   types.Role      `json:"userType"`
	Token      string          `json:"token"`
	DeliveryID types.ID        `json:"deliveryId"`
	Payload    json.RawMessage `json:"payload"`
}

type control struct {
	Type       string   `json:"type"`
	Message    string   `json:"message,omitempty"`
	SessionID  string   `json:"sessionId,omitempty"`
	UserID     types.ID `json:"userId,omitempty"`
	DeliveryID types.ID `json:"deliveryId,omitempty"`
	Data       any      `json:"data,omitempty"`
}

type Handler struct {
	hub       *Hub
	verifier  infra.TokenVerifier
	watch     WatchAuthorizer
	locations LocationSink
	cfg       config.RealtimeConfig
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

// NewHandler builds the /ws endpoint. watch and locations may be nil, which
// disables subscriptions and socket location reports respectively.
func NewHandler(hub *Hub, verifier infra.TokenVerifier, watch WatchAuthorizer, locations LocationSink, cfg config.RealtimeConfig, logger *zap.Logger) *Handler {
	return &Handler{
		hub:       hub,
		verifier:  verifier,
		watch:     watch,
		locations: locations,
		cfg:       cfg,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade", zap.Error(err))
		return
	}
	c := &socket{
		h:       h,
		conn:    conn,
		session: NewSession("", "", h.cfg.SendBuffer),
		ctx:     r.Context(),
	}
	go c.writePump()
	c.readPump()
}

// socket is the per-socket state; only the read goroutine touches it.
type socket struct {
	h          *Handler
	conn       *websocket.Conn
	session    *Session
	ctx        context.Context
	registered bool
}

func (c *socket) readPump() {
	defer func() {
		if c.registered {
			c.h.hub.Unregister(c.session)
		} else {
			c.session.close()
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.h.cfg.AuthTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.session.Touch()
		if c.registered {
			return c.conn.SetReadDeadline(time.Now().Add(c.h.cfg.PongWait))
		}
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.h.logger.Debug("websocket closed", zap.String("session_id", c.session.ID), zap.Error(err))
			}
			return
		}
		c.session.Touch()
		if c.registered {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.h.cfg.PongWait))
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			c.reply(control{Type: "error", Message: "Invalid message format"})
			continue
		}
		if msg.Type == "auth" {
			c.authenticate(msg)
			continue
		}
		if !c.registered {
			c.reply(control{Type: "error", Message: "Not authenticated"})
			continue
		}
		switch msg.Type {
		case "subscribe", "unsubscribe":
			c.subscribe(msg)
		case "location_update":
			c.reportLocation(msg)
		case "ping":
			c.reply(control{Type: "pong"})
		default:
			c.reply(control{Type: "error", Message: "Unknown message type"})
		}
	}
}

func (c *socket) authenticate(msg inbound) {
	if c.registered {
		c.reply(control{Type: "error", Message: "Already authenticated"})
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, operationTimeout)
	defer cancel()
	tok, err := c.h.verifier.VerifyIDToken(ctx, msg.Token)
	if err != nil || tok == nil || tok.UID == "" {
		c.reply(control{Type: "error", Message: "Authentication failed"})
		return
	}
	role := types.Role(tok.Role())
	if role == "" {
		role = types.RoleCustomer
	}
	if (msg.UserID != "" && msg.UserID != types.ID(tok.UID)) || (msg.UserType != "" && msg.UserType != role) {
		c.reply(control{Type: "error", Message: "Identity does not match token"})
		return
	}

	c.session.UserID = types.ID(tok.UID)
	c.session.Role = role
	if !c.h.hub.Register(c.session) {
		c.reply(control{Type: "error", Message: "Server shutting down"})
		return
	}
	c.registered = true
	_ = c.conn.SetReadDeadline(time.Now().Add(c.h.cfg.PongWait))
	c.reply(control{Type: "auth_success", Message: "Authenticated", SessionID: c.session.ID, UserID: c.session.UserID})
	c.h.logger.Debug("websocket authenticated",
		zap.String("session_id", c.session.ID),
		zap.String("user_id", tok.UID),
		zap.String("role", string(role)))
}

func (c *socket) subscribe(msg inbound) {
	if msg.DeliveryID == "" {
		c.reply(control{Type: "error", Message: "deliveryId is required"})
		return
	}
	if msg.Type == "unsubscribe" {
		c.h.hub.Unwatch(c.session, msg.DeliveryID)
		c.reply(control{Type: "unsubscribed", DeliveryID: msg.DeliveryID})
		return
	}
	if c.h.watch == nil {
		c.reply(control{Type: "error", Message: "Subscriptions are not available"})
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, operationTimeout)
	defer cancel()
	ok, err := c.h.watch.CanWatch(ctx, c.session.UserID, c.session.Role, msg.DeliveryID)
	if err != nil {
		c.h.logger.Warn("authorize watch", zap.String("delivery_id", string(msg.DeliveryID)), zap.Error(err))
		c.reply(control{Type: "error", Message: "Subscription failed"})
		return
	}
	if !ok {
		c.reply(control{Type: "error", Message: "Not allowed to follow this delivery"})
		return
	}
	c.h.hub.Watch(c.session, msg.DeliveryID)
	c.reply(control{Type: "subscribed", DeliveryID: msg.DeliveryID})
}

func (c *socket) reportLocation(msg inbound) {
	if c.h.locations == nil || c.session.Role != types.RolePartner {
		c.reply(control{Type: "error", Message: "Location updates are only accepted from delivery partners"})
		return
	}
	var report LocationReport
	if err := json.Unmarshal(msg.Payload, &report); err != nil {
		c.reply(control{Type: "error", Message: "Invalid location payload"})
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, operationTimeout)
	defer cancel()
	loc, err := c.h.locations.ReportLocation(ctx, c.session.UserID, report)
	if err != nil {
		c.reply(control{Type: "error", Message: reportErrorMessage(err), DeliveryID: report.DeliveryID})
		if !errors.Is(err, ErrReportInvalid) && !errors.Is(err, ErrReportUnauthorized) {
			c.h.logger.Warn("socket location report",
				zap.String("user_id", string(c.session.UserID)),
				zap.String("delivery_id", string(report.DeliveryID)),
				zap.Error(err))
		}
		return
	}
	c.reply(control{Type: "location_updated", DeliveryID: report.DeliveryID, Data: loc})
}

func reportErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrReportInvalid):
		return "Invalid location payload"
	case errors.Is(err, ErrReportUnauthorized):
		return "Not assigned to this delivery or delivery not in transit"
	}
	return "Location update failed"
}

func (c *socket) reply(m control) {
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	if !c.session.Send(b) {
		c.h.logger.Warn("session send buffer full, reply dropped", zap.String("session_id", c.session.ID), zap.String("type", m.Type))
	}
}

func (c *socket) writePump() {
	ticker := time.NewTicker(c.h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.session.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.h.cfg.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.h.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
