package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kalambet/jobharvest/internal/operations"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next message or pong from the peer.
	pongWait = 60 * time.Second

	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 1024
)

// ClientMessage is sent by clients over the websocket to announce, refresh
// or end their own session.
type ClientMessage struct {
	Type       EventType       `json:"type"`
	SessionID  string          `json:"session_id"`
	Kind       operations.Kind `json:"kind,omitempty"`
	Owner      string          `json:"owner,omitempty"`
	Descriptor string          `json:"descriptor,omitempty"`
}

// Serve streams a reconciled snapshot followed by live events to conn and
// applies the client's session messages. kind restricts the stream to one
// kind when non-empty. Serve returns when ctx is done or the peer goes away,
// and closes conn.
func (b *Broadcaster) Serve(ctx context.Context, conn *websocket.Conn, kind operations.Kind) error {
	defer conn.Close()

	sub := b.hub.Subscribe(kind, 32)
	defer sub.Close()

	var kinds []operations.Kind
	if kind != "" {
		kinds = []operations.Kind{kind}
	}
	if err := writeEvent(conn, b.Attach(kinds...)); err != nil {
		return err
	}

	readErr := make(chan error, 1)
	go func() { readErr <- b.readLoop(conn, kind) }()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return nil
		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := writeEvent(conn, ev); err != nil {
				return err
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

func (b *Broadcaster) readLoop(conn *websocket.Conn, kind operations.Kind) error {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				b.logger.Debug("ignoring malformed client message", "err", err)
				continue
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if msg.Kind == "" {
			msg.Kind = kind
		}
		if err := b.apply(msg); err != nil {
			b.logger.Debug("ignoring client message", "type", msg.Type, "err", err)
		}
	}
}

// apply handles one client message.
func (b *Broadcaster) apply(msg ClientMessage) error {
	if _, err := operations.ParseKind(string(msg.Kind)); err != nil {
		return err
	}
	if msg.SessionID == "" {
		return errors.New("missing session_id")
	}
	switch msg.Type {
	case EventStart:
		owner := msg.Owner
		if owner == "" {
			owner = "client"
		}
		b.Start(Session{ID: msg.SessionID, Kind: msg.Kind, Owner: owner, Descriptor: msg.Descriptor})
	case EventHeartbeat:
		b.Heartbeat(msg.Kind, msg.SessionID)
	case EventStop:
		b.Stop(msg.Kind, msg.SessionID)
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
	return nil
}

func writeEvent(conn *websocket.Conn, ev Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}

// Conn is the client end of the session websocket.
type Conn struct {
	ws  *websocket.Conn
	wmu sync.Mutex
}

// Dial connects to the session websocket at rawURL (ws:// or wss://).
func Dial(ctx context.Context, rawURL string, header http.Header) (*Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (HTTP %d)", rawURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", rawURL, err)
	}
	return &Conn{ws: ws}, nil
}

// Send writes a client message.
func (c *Conn) Send(m ClientMessage) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(m)
}

// Next blocks for the next server event. Only one goroutine may call it.
func (c *Conn) Next() (Event, error) {
	var ev Event
	err := c.ws.ReadJSON(&ev)
	return ev, err
}

// Close sends a close frame and closes the connection.
func (c *Conn) Close() error {
	c.wmu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.wmu.Unlock()
	return c.ws.Close()
}

// Hold announces a session for kind and heartbeats it every interval until
// release is called or ctx is done. Hold consumes incoming events, so Next
// must not be used on the same Conn afterwards.
func (c *Conn) Hold(ctx context.Context, kind operations.Kind, owner, descriptor string, interval time.Duration) (id string, release func(), err error) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	id = uuid.NewString()
	if err := c.Send(ClientMessage{Type: EventStart, SessionID: id, Kind: kind, Owner: owner, Descriptor: descriptor}); err != nil {
		return "", nil, err
	}

	// Keeps control frames flowing; gorilla answers pings only while reading.
	go func() {
		for {
			if _, err := c.Next(); err != nil {
				return
			}
		}
	}()

	done := make(chan struct{})
	var once sync.Once
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if c.Send(ClientMessage{Type: EventHeartbeat, SessionID: id, Kind: kind}) != nil {
					return
				}
			}
		}
	}()

	release = func() {
		once.Do(func() {
			close(done)
			c.Send(ClientMessage{Type: EventStop, SessionID: id, Kind: kind})
		})
	}
	return id, release, nil
}
