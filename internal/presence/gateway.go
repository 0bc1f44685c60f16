package presence

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// tokenVerifier validates an access token and returns the user ID.
// Satisfied by the token service.
type tokenVerifier interface {
	VerifyAccess(tokenString string) (string, error)
}

// Gateway upgrades HTTP requests to WebSocket clients on the broker.
type Gateway struct {
	broker   *Broker
	tokens   tokenVerifier
	upgrader websocket.Upgrader
}

// NewGateway builds the WebSocket entry point. allowedOrigins restricts the
// Origin header; an empty list allows any origin (non-browser clients send
// none).
func NewGateway(broker *Broker, tokens tokenVerifier, allowedOrigins []string) *Gateway {
	return &Gateway{
		broker: broker,
		tokens: tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// ServeHTTP authenticates via the token query parameter (browsers cannot
// set headers on WebSocket dials) or the Authorization header, then hands
// the connection to the broker.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		raw = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if raw == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	userID, err := g.tokens.VerifyAccess(raw)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := newClient(uuid.NewString(), userID, g.broker, conn)
	g.broker.register(client)

	go client.writePump()
	go client.readPump()
}
