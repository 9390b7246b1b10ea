// Package sigclient is the Go client for the signaling server: the WebSocket
// message stream plus the room REST endpoints.
package sigclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshconf/meshconf/internal/signaling"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageBytes = int64(64 * 1024)

	queueSize = 16
)

var ErrClosed = errors.New("signaling client closed")

// Client holds one WebSocket connection to the signaling server. Inbound
// messages are delivered on Events in arrival order; outbound sends are
// queued and written by a single writer goroutine.
type Client struct {
	log  *slog.Logger
	conn *websocket.Conn

	incoming chan signaling.ServerMessage
	outgoing chan signaling.ClientMessage
	done     chan struct{}

	closeOnce sync.Once
	readErr   error
	readDone  chan struct{}
}

// Dial connects to the signaling endpoint of a server. serverURL is the HTTP
// base ("http://host:port" or "https://host"); the scheme is rewritten for the
// WebSocket upgrade.
func Dial(ctx context.Context, serverURL string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	wsEndpoint, err := wsURL(serverURL)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsEndpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("signaling dial %s: %w (status %d)", wsEndpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("signaling dial %s: %w", wsEndpoint, err)
	}

	c := &Client{
		log:      logger,
		conn:     conn,
		incoming: make(chan signaling.ServerMessage, queueSize),
		outgoing: make(chan signaling.ClientMessage, queueSize),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}

	conn.SetReadLimit(maxMessageBytes)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()

	return c, nil
}

func wsURL(serverURL string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(serverURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", serverURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server URL %q: unsupported scheme", serverURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Events is the inbound message stream. It is closed when the connection
// drops or Close is called; Err reports why.
func (c *Client) Events() <-chan signaling.ServerMessage {
	return c.incoming
}

// Err returns the read-side error after Events is closed. A clean shutdown
// reports ErrClosed.
func (c *Client) Err() error {
	<-c.readDone
	return c.readErr
}

// JoinRoom announces this connection into a room.
func (c *Client) JoinRoom(roomID, userName string) error {
	return c.send(signaling.ClientMessage{
		Kind:     signaling.KindJoinRoom,
		RoomID:   roomID,
		UserName: userName,
	})
}

// SendOffer relays a session description to one peer.
func (c *Client) SendOffer(to string, offer json.RawMessage) error {
	return c.send(signaling.ClientMessage{Kind: signaling.KindOffer, To: to, Offer: offer})
}

// SendAnswer relays an answer description to one peer.
func (c *Client) SendAnswer(to string, answer json.RawMessage) error {
	return c.send(signaling.ClientMessage{Kind: signaling.KindAnswer, To: to, Answer: answer})
}

// SendCandidate relays one ICE candidate to one peer.
func (c *Client) SendCandidate(to string, candidate json.RawMessage) error {
	return c.send(signaling.ClientMessage{Kind: signaling.KindICECandidate, To: to, Candidate: candidate})
}

func (c *Client) send(msg signaling.ClientMessage) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Close shuts the connection down. Safe to call more than once and
// concurrently with sends.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *Client) readPump() {
	defer func() {
		_ = c.conn.Close()
		close(c.incoming)
		close(c.readDone)
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var msg signaling.ServerMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
				c.readErr = ErrClosed
			default:
				c.readErr = err
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		select {
		case c.incoming <- msg:
		case <-c.done:
			c.readErr = ErrClosed
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Debug("signaling write failed", "err", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
