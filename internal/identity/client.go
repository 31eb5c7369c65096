// Package identity validates opaque session tokens against the external
// identity service. Each handshake re-validates its token; there is no
// caching. A circuit breaker keeps an unreachable upstream from being
// hammered by reconnect storms.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/phira-community/phira-mp-server/internal/logging"
	"github.com/phira-community/phira-mp-server/internal/protocol"
)

// Failure kinds of a token lookup. The dispatcher maps ErrUnreachable to
// UNAUTHORIZED on the wire and logs it at warn.
var (
	ErrUnauthorized = errors.New("identity: token rejected")
	ErrUnreachable  = errors.New("identity: service unreachable")
	ErrMalformed    = errors.New("identity: malformed response")
)

const defaultTimeout = 10 * time.Second

// Client calls the identity service's /me endpoint.
type Client struct {
	baseURL       string
	defaultAvatar string
	httpc         *http.Client
	breaker       *gobreaker.CircuitBreaker
}

// Option customizes a Client.
type Option func(*Client)

// WithTimeout overrides the default 10 s request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpc.Timeout = d }
}

// WithHTTPClient swaps the underlying HTTP client (tests).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// NewClient builds a Client for the given API base URL. A missing avatar in
// the /me response is substituted with defaultAvatar.
func NewClient(baseURL, defaultAvatar string, opts ...Option) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		defaultAvatar: defaultAvatar,
		httpc:         &http.Client{Timeout: defaultTimeout},
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "identity",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn(context.Background(), "identity breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type meResponse struct {
	ID     int32  `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

type meResult struct {
	status int
	body   []byte
}

// Me validates token and returns the authenticated user. Failures are one of
// ErrUnauthorized, ErrUnreachable, ErrMalformed. The call honours ctx, so a
// terminating session cancels its in-flight lookup.
func (c *Client) Me(ctx context.Context, token string) (protocol.User, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/me", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpc.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		// 5xx counts as a breaker failure; 4xx is an upstream verdict, not
		// an availability problem.
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if readErr != nil {
			return nil, readErr
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("identity service status %d", resp.StatusCode)
		}
		return meResult{status: resp.StatusCode, body: body}, nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return protocol.User{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		return protocol.User{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	res := out.(meResult)
	switch {
	case res.status == http.StatusUnauthorized || res.status == http.StatusForbidden:
		return protocol.User{}, ErrUnauthorized
	case res.status != http.StatusOK:
		return protocol.User{}, fmt.Errorf("%w: unexpected status %d", ErrMalformed, res.status)
	}

	var me meResponse
	if err := json.Unmarshal(res.body, &me); err != nil {
		return protocol.User{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if me.ID <= 0 || me.Name == "" {
		return protocol.User{}, fmt.Errorf("%w: missing id or name", ErrMalformed)
	}

	avatar := me.Avatar
	if avatar == "" {
		avatar = c.defaultAvatar
	}
	return protocol.User{ID: me.ID, Name: me.Name, Avatar: avatar}, nil
}
