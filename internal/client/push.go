package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one push frame.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// EventSource yields push events until it fails or is closed.
type EventSource interface {
	Next() (Event, error)
	Close() error
}

// Push is a websocket subscription to the server's push channel.
type Push struct {
	conn *websocket.Conn
}

// Dial opens the push channel of the server at base (http or https URL).
func Dial(ctx context.Context, base string) (*Push, error) {
	wsURL, err := pushURL(base)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", wsURL, err)
	}
	return &Push{conn: conn}, nil
}

func pushURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path += "/ws"
	return u.String(), nil
}

// Next blocks for the next event. Pings are answered by the library.
func (p *Push) Next() (Event, error) {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return Event{}, err
		}
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil || evt.Name == "" {
			continue
		}
		return evt, nil
	}
}

// Close closes the connection.
func (p *Push) Close() error {
	return p.conn.Close()
}
