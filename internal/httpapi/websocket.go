package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"accesscore.org/internal/ids"
	"accesscore.org/internal/obs"
	"accesscore.org/internal/stream"
)

// WebSocket message types.
const (
	wsTypeAuthenticate  = "authenticate"
	wsTypeAuthenticated = "authenticated"
	wsTypeActivity      = "activity"
	wsTypeEvent         = "event"
	wsTypeError         = "error"

	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
	wsAuthWait   = 10 * time.Second
	wsMaxMessage = 4096
)

type wsInbound struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

type wsOutbound struct {
	Type    string        `json:"type"`
	Event   *stream.Event `json:"event,omitempty"`
	Message string        `json:"message,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || isLocalOrigin(origin)
	},
}

type wsClient struct {
	api          *API
	conn         *websocket.Conn
	userID       string
	username     string
	connectionID string
	cancel       context.CancelFunc
}

// ServeWS upgrades the connection and drives the live feed. The first frame
// must be an authenticate message carrying a valid token; after that the
// client receives broadcast events (excluding its own) and may send activity
// pings that refresh its presence.
func (a *API) ServeWS(w http.ResponseWriter, r *http.Request) {
	if a.broker == nil || a.presence == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		obs.LogJSON("warn", "websocket upgrade failed", map[string]any{"error": err.Error()})
		return
	}

	client := &wsClient{
		api:          a,
		conn:         conn,
		connectionID: ids.New(),
	}

	if !client.authenticate(r) {
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client.cancel = cancel

	// Subscribe and register before presence.Connect: the moment the session
	// is visible, events must reach this client and a force-disconnect must
	// be able to reach the transport.
	events := a.broker.Subscribe(ctx, stream.AsUser(client.userID), stream.ExcludeSelf())
	a.registerWS(client)
	if _, err := a.presence.Connect(ctx, client.userID, client.connectionID, clientIP(r), r.UserAgent()); err != nil {
		a.unregisterWS(client.connectionID)
		client.writeControl(wsTypeError, "connect failed")
		conn.Close()
		cancel()
		return
	}

	go client.writePump(events)
	go client.readPump(ctx)
}

func (a *API) registerWS(c *wsClient) {
	a.wsMu.Lock()
	a.wsClients[c.connectionID] = c
	a.wsMu.Unlock()
}

func (a *API) unregisterWS(connectionID string) {
	a.wsMu.Lock()
	delete(a.wsClients, connectionID)
	a.wsMu.Unlock()
}

// closeWS tears down the live socket for one connection, if any.
func (a *API) closeWS(connectionID string) {
	a.wsMu.Lock()
	c := a.wsClients[connectionID]
	delete(a.wsClients, connectionID)
	a.wsMu.Unlock()
	if c != nil {
		c.close()
	}
}

// closeUserWS tears down every live socket the user holds. Presence state is
// handled separately; this only kills the transports.
func (a *API) closeUserWS(userID string) {
	a.wsMu.Lock()
	var victims []*wsClient
	for id, c := range a.wsClients {
		if c.userID == userID {
			victims = append(victims, c)
			delete(a.wsClients, id)
		}
	}
	a.wsMu.Unlock()
	for _, c := range victims {
		c.close()
	}
}

func (c *wsClient) close() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session terminated"))
	c.cancel()
	c.conn.Close()
}

// authenticate waits for the first frame and validates its token.
func (c *wsClient) authenticate(r *http.Request) bool {
	_ = c.conn.SetReadDeadline(time.Now().Add(wsAuthWait))
	c.conn.SetReadLimit(wsMaxMessage)

	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return false
	}
	var msg wsInbound
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != wsTypeAuthenticate {
		c.writeControl(wsTypeError, "authenticate message required")
		return false
	}
	claims, err := c.api.authn.ParseAndValidate(r.Context(), msg.Token)
	if err != nil {
		c.writeControl(wsTypeError, "invalid token")
		return false
	}
	c.userID = claims.Subject
	c.username = claims.Username
	c.writeControl(wsTypeAuthenticated, c.connectionID)
	return true
}

func (c *wsClient) writeControl(msgType, message string) {
	payload, err := json.Marshal(wsOutbound{Type: msgType, Message: message})
	if err != nil {
		return
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = c.conn.WriteMessage(websocket.TextMessage, payload)
}

// readPump consumes inbound frames until the connection drops, then tears
// down presence for this connection.
func (c *wsClient) readPump(ctx context.Context) {
	defer func() {
		c.api.unregisterWS(c.connectionID)
		c.cancel()
		c.conn.Close()
		// Use a fresh context: the subscription context is already gone.
		dctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := c.api.presence.Disconnect(dctx, c.connectionID); err != nil {
			obs.LogJSON("debug", "websocket disconnect cleanup", map[string]any{"error": err.Error()})
		}
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var msg wsInbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.writeControl(wsTypeError, "malformed message")
			continue
		}
		switch msg.Type {
		case wsTypeActivity:
			if err := c.api.presence.Activity(ctx, c.connectionID); err != nil {
				obs.LogJSON("debug", "websocket activity", map[string]any{"error": err.Error()})
			}
		default:
			c.writeControl(wsTypeError, "unknown message type")
		}
	}
}

// writePump forwards broker events and protocol pings to the socket.
func (c *wsClient) writePump(events <-chan stream.Event) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			payload, err := json.Marshal(wsOutbound{Type: wsTypeEvent, Event: &evt})
			if err != nil {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
