package hubclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smartmob/pantarei/internal/apperr"
)

// Connection parameters
const (
	writeWait        = 10 * time.Second
	closeGracePeriod = 5 * time.Second
)

// transport moves framed hub records between client and server.
type transport interface {
	// receive blocks until the next payload arrives or the transport ends.
	receive() ([]byte, error)
	send(ctx context.Context, data []byte) error
	// close is safe to call more than once.
	close() error
	name() string
}

// transportURL returns the hub URL carrying the connection token.
func transportURL(hubURL, token string) (*url.URL, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return nil, fmt.Errorf("parse hub url: %w", err)
	}
	q := u.Query()
	q.Set("id", token)
	u.RawQuery = q.Encode()
	return u, nil
}

// wsTransport is the duplex WebSocket transport.
type wsTransport struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func dialWebSocket(ctx context.Context, hubURL, token string, timeout time.Duration) (*wsTransport, error) {
	u, err := transportURL(hubURL, token)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %w", apperr.FromStatus(resp.StatusCode, resp.Status))
		}
		return nil, fmt.Errorf("websocket dial: %w", apperr.Network(err))
	}
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) name() string { return TransportWebSockets.String() }

func (t *wsTransport) receive() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, ErrTransportClosed
		}
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) send(ctx context.Context, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod),
		)
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

// longPollTransport polls the hub with GET and sends with POST.
type longPollTransport struct {
	target    string
	poller    *http.Client
	sender    *http.Client
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func openLongPolling(hubURL, token string, hc *http.Client) (*longPollTransport, error) {
	u, err := transportURL(hubURL, token)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &longPollTransport{
		target: u.String(),
		// polls are held open by the server, so no client timeout
		poller: &http.Client{Transport: hc.Transport},
		sender: hc,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (t *longPollTransport) name() string { return TransportLongPolling.String() }

func (t *longPollTransport) receive() ([]byte, error) {
	for {
		if err := t.ctx.Err(); err != nil {
			return nil, ErrTransportClosed
		}
		target := t.target + "&_=" + strconv.FormatInt(time.Now().UnixMilli(), 10)
		req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		resp, err := t.poller.Do(req)
		if err != nil {
			if t.ctx.Err() != nil {
				return nil, ErrTransportClosed
			}
			return nil, fmt.Errorf("poll: %w", apperr.Network(err))
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("poll: %w", apperr.Network(err))
		}

		switch {
		case resp.StatusCode == http.StatusNoContent:
			return nil, ErrTransportClosed
		case resp.StatusCode == http.StatusNotFound:
			return nil, fmt.Errorf("poll: %w", apperr.FromStatus(resp.StatusCode, "connection no longer exists"))
		case resp.StatusCode != http.StatusOK:
			return nil, fmt.Errorf("poll: %w", apperr.FromStatus(resp.StatusCode, strings.TrimSpace(string(body))))
		case len(body) == 0:
			continue
		}
		return body, nil
	}
}

func (t *longPollTransport) send(ctx context.Context, data []byte) error {
	if t.ctx.Err() != nil {
		return ErrTransportClosed
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.target, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	resp, err := t.sender.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", apperr.Network(err))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("send: %w", apperr.FromStatus(resp.StatusCode, ""))
	}
	return nil
}

func (t *longPollTransport) close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), closeGracePeriod)
		defer cancel()
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodDelete, t.target, nil)
		if reqErr != nil {
			err = reqErr
			return
		}
		resp, doErr := t.sender.Do(req)
		if doErr != nil {
			err = doErr
			return
		}
		_ = resp.Body.Close()
	})
	return err
}
