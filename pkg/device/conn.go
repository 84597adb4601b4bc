// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project

package device

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the byte stream a network transport runs over. TCP sockets
// satisfy it directly; WebSocket links are wrapped so binary messages
// read as a stream.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// Dialer opens a Conn to a device endpoint.
type Dialer func() (Conn, error)

// TCPDialer dials a raw TCP endpoint.
func TCPDialer(addr string, timeout time.Duration) Dialer {
	return func() (Conn, error) {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return conn, nil
	}
}

// wsConn adapts a WebSocket connection to a byte stream. Binary
// messages are buffered and handed out through Read; text and control
// messages are skipped.
type wsConn struct {
	conn      *websocket.Conn
	buf       []byte
	bufOffset int
}

func (w *wsConn) Read(p []byte) (int, error) {
	if w.bufOffset < len(w.buf) {
		n := copy(p, w.buf[w.bufOffset:])
		w.bufOffset += n
		return n, nil
	}

	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		w.buf = data
		w.bufOffset = 0
		n := copy(p, w.buf)
		w.bufOffset = n
		return n, nil
	}
}

func (w *wsConn) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

// WebSocketDialer dials a ws:// or wss:// endpoint carrying the same
// frame protocol as the TCP transport inside binary messages.
func WebSocketDialer(wsURL string, timeout time.Duration) Dialer {
	return func() (Conn, error) {
		u, err := url.Parse(wsURL)
		if err != nil {
			return nil, fmt.Errorf("invalid URL: %w", err)
		}
		switch u.Scheme {
		case "ws", "wss":
		default:
			return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
		}

		dialer := websocket.Dialer{HandshakeTimeout: timeout}
		conn, resp, err := dialer.Dial(wsURL, nil)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("websocket connection failed (HTTP %d): %w", resp.StatusCode, err)
			}
			return nil, fmt.Errorf("websocket connection failed: %w", err)
		}
		return &wsConn{conn: conn}, nil
	}
}
