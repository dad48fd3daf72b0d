package hubclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/smartmob/pantarei/internal/apperr"
)

// TransportType is a bit set of transports.
type TransportType int

const (
	TransportWebSockets TransportType = 1 << iota
	TransportLongPolling

	TransportAll = TransportWebSockets | TransportLongPolling
)

// preference order when the server offers several transports
var transportOrder = []TransportType{TransportWebSockets, TransportLongPolling}

func (t TransportType) String() string {
	var names []string
	if t&TransportWebSockets != 0 {
		names = append(names, "WebSockets")
	}
	if t&TransportLongPolling != 0 {
		names = append(names, "LongPolling")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// ParseTransports parses a comma separated list such as "websockets,longpolling".
func ParseTransports(s string) (TransportType, error) {
	var t TransportType
	for _, part := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "":
		case "websockets", "websocket", "ws":
			t |= TransportWebSockets
		case "longpolling", "long-polling", "lp":
			t |= TransportLongPolling
		default:
			return 0, fmt.Errorf("unknown transport %q", part)
		}
	}
	if t == 0 {
		return 0, fmt.Errorf("no transport in %q", s)
	}
	return t, nil
}

type availableTransport struct {
	Transport       string   `json:"transport"`
	TransferFormats []string `json:"transferFormats"`
}

type negotiateResponse struct {
	NegotiateVersion    int                  `json:"negotiateVersion"`
	ConnectionID        string               `json:"connectionId"`
	ConnectionToken     string               `json:"connectionToken"`
	AvailableTransports []availableTransport `json:"availableTransports"`
	URL                 string               `json:"url"`
	Error               string               `json:"error"`
}

// token is the value sent as ?id= on the transport.
func (n *negotiateResponse) token() string {
	if n.NegotiateVersion >= 1 && n.ConnectionToken != "" {
		return n.ConnectionToken
	}
	return n.ConnectionID
}

func (n *negotiateResponse) offers(t TransportType) bool {
	for _, a := range n.AvailableTransports {
		if a.Transport != t.String() {
			continue
		}
		for _, f := range a.TransferFormats {
			if f == "Text" {
				return true
			}
		}
	}
	return false
}

func (c *Client) negotiate(ctx context.Context) (*negotiateResponse, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse hub url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/negotiate"
	q := u.Query()
	q.Set("negotiateVersion", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("negotiate: %w", apperr.Network(err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("negotiate: %w", apperr.Network(err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("negotiate: %w", apperr.FromStatus(resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var neg negotiateResponse
	if err := json.Unmarshal(body, &neg); err != nil {
		return nil, fmt.Errorf("parse negotiate response: %w", err)
	}
	if neg.Error != "" {
		return nil, fmt.Errorf("negotiate: %s", neg.Error)
	}
	if neg.URL != "" {
		return nil, fmt.Errorf("negotiate: redirect to %s is not supported", neg.URL)
	}
	return &neg, nil
}
