package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"node-coordinator/pkg/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 4096
)

// Verifier resolves a node's credential to its user.
type Verifier interface {
	VerifyCredential(ctx context.Context, email, apiToken string) (*models.UserWithToken, error)
}

// AddressFunc extracts the trusted source address of a request.
type AddressFunc func(r *http.Request) (string, error)

type Handler struct {
	cm         *ConnectionManager
	verifier   Verifier
	address    AddressFunc
	sinkBuffer int
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

func NewHandler(cm *ConnectionManager, verifier Verifier, address AddressFunc, sinkBuffer int, logger *slog.Logger) *Handler {
	if sinkBuffer <= 0 {
		sinkBuffer = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cm:         cm,
		verifier:   verifier,
		address:    address,
		sinkBuffer: sinkBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Nodes are extensions and daemons, not browser pages on our origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ServeHTTP authenticates the node from the email and api_token query
// parameters, upgrades the connection and serves it until either side closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip, err := h.address(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	user, err := h.verifier.VerifyCredential(r.Context(), q.Get("email"), q.Get("api_token"))
	if err != nil {
		if models.IsIdentityError(err) {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		h.logger.Error("Failed to verify websocket credential", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	h.serve(conn, models.Identity{UserID: user.UserID, IP: ip})
}

func (h *Handler) serve(conn *websocket.Conn, id models.Identity) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := make(chan models.WsServerMessage, h.sinkBuffer)
	sub := h.cm.Broadcaster.Subscribe(id, sink)
	defer func() {
		sub.Close()
		h.cm.Broadcaster.Release(id, sink)
		conn.Close()
		h.logger.Debug("Websocket closed", "user", id.UserID, "ip", id.IP)
	}()
	h.logger.Debug("Websocket connected", "user", id.UserID, "ip", id.IP)

	go h.writeLoop(ctx, cancel, conn, sink, sub.C)
	h.readLoop(conn)
}

// readLoop discards client frames; it exists to process control frames and
// to notice when the peer goes away.
func (h *Handler) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("Websocket read error", "error", err)
			}
			return
		}
	}
}

func (h *Handler) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sink, global <-chan models.WsServerMessage) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		conn.Close()
	}()

	write := func(msg models.WsServerMessage) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			h.logger.Debug("Websocket write failed", "error", err)
			return false
		}
		if msg.Type == models.WsCloseConnection {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return false
		}
		return true
	}

	for {
		select {
		case msg := <-sink:
			if !write(msg) {
				return
			}
		case msg := <-global:
			if !write(msg) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
