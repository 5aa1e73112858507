package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/matt-riley/expz/internal/core"
)

const (
	HeaderUser     = "X-Expz-User"
	HeaderFlagKeys = "X-Expz-Flag-Keys"
	HeaderTrack    = "X-Expz-Track"

	PathVariants       = "/sdk/v2/vardata"
	PathFlags          = "/sdk/v2/flags"
	PathStreamVariants = "/sdk/stream/v1/vardata"
	PathStreamFlags    = "/sdk/stream/v1/flags"

	EventVariants  = "variants"
	EventFlags     = "flags"
	EventKeepalive = "keepalive"
	EventError     = "error"
)

// Config holds configuration for the expz API client.
type Config struct {
	// ServerURL is the base URL of the expz server, e.g. "http://localhost:8080".
	ServerURL string
	// DeploymentKey is the deployment credential in "id.secret" format.
	DeploymentKey string
}

type FetchOptions struct {
	FlagKeys []string
	// TrackingOption is forwarded to the server as X-Expz-Track.
	TrackingOption string
	Timeout        time.Duration
}

// StreamHandler receives stream callbacks. OnKeepalive may be nil.
type StreamHandler[T any] struct {
	OnUpdate    func(T)
	OnKeepalive func()
	OnError     func(error)
}

// Client talks to the expz HTTP and SSE API.
type Client struct {
	cfg       Config
	doer      Doer
	connector Connector
}

type ClientOption func(*Client)

func WithDoer(doer Doer) ClientOption {
	return func(c *Client) {
		if doer != nil {
			c.doer = doer
		}
	}
}

func WithConnector(connector Connector) ClientOption {
	return func(c *Client) {
		if connector != nil {
			c.connector = connector
		}
	}
}

func NewClient(cfg Config, opts ...ClientOption) *Client {
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	c := &Client{
		cfg:       cfg,
		doer:      NewHTTPDoer(nil),
		connector: NewSSEConnector(nil),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) FetchVariants(ctx context.Context, user core.User, opts FetchOptions) (map[string]core.Variant, error) {
	header, err := c.header(&user, opts)
	if err != nil {
		return nil, err
	}

	resp, err := c.doer.Do(ctx, Request{
		URL:     c.cfg.ServerURL + PathVariants,
		Method:  http.MethodGet,
		Header:  header,
		Timeout: opts.Timeout,
	})
	if err != nil {
		return nil, err
	}

	var variants map[string]core.Variant
	if err := json.Unmarshal(resp.Body, &variants); err != nil {
		return nil, fmt.Errorf("expz: decode variants: %w", err)
	}
	return variants, nil
}

func (c *Client) FetchFlags(ctx context.Context, opts FetchOptions) ([]core.FlagConfig, error) {
	header, err := c.header(nil, opts)
	if err != nil {
		return nil, err
	}

	resp, err := c.doer.Do(ctx, Request{
		URL:     c.cfg.ServerURL + PathFlags,
		Method:  http.MethodGet,
		Header:  header,
		Timeout: opts.Timeout,
	})
	if err != nil {
		return nil, err
	}

	var flags []core.FlagConfig
	if err := json.Unmarshal(resp.Body, &flags); err != nil {
		return nil, fmt.Errorf("expz: decode flags: %w", err)
	}
	return flags, nil
}

func (c *Client) StreamVariants(ctx context.Context, user core.User, opts FetchOptions, handler StreamHandler[map[string]core.Variant]) (Stream, error) {
	header, err := c.header(&user, opts)
	if err != nil {
		return nil, err
	}
	return c.connector.Connect(ctx, StreamRequest{
		URL:            c.cfg.ServerURL + PathStreamVariants,
		Header:         header,
		ConnectTimeout: opts.Timeout,
	}, eventDispatcher(EventVariants, handler), handler.OnError)
}

func (c *Client) StreamFlags(ctx context.Context, opts FetchOptions, handler StreamHandler[[]core.FlagConfig]) (Stream, error) {
	header, err := c.header(nil, opts)
	if err != nil {
		return nil, err
	}
	return c.connector.Connect(ctx, StreamRequest{
		URL:            c.cfg.ServerURL + PathStreamFlags,
		Header:         header,
		ConnectTimeout: opts.Timeout,
	}, eventDispatcher(EventFlags, handler), handler.OnError)
}

func eventDispatcher[T any](updateEvent string, handler StreamHandler[T]) func(Event) {
	return func(event Event) {
		switch event.Type {
		case updateEvent:
			var payload T
			if err := json.Unmarshal(event.Data, &payload); err != nil {
				handler.OnError(fmt.Errorf("expz: decode %s event: %w", updateEvent, err))
				return
			}
			handler.OnUpdate(payload)
		case EventKeepalive:
			if handler.OnKeepalive != nil {
				handler.OnKeepalive()
			}
		case EventError:
			var body struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal(event.Data, &body)
			handler.OnError(fmt.Errorf("%w: %s", ErrServerEvent, body.Error))
		}
	}
}

func (c *Client) header(user *core.User, opts FetchOptions) (http.Header, error) {
	header := make(http.Header)
	header.Set("Authorization", "Api-Key "+c.cfg.DeploymentKey)

	if user != nil {
		encoded, err := EncodeHeaderJSON(user)
		if err != nil {
			return nil, fmt.Errorf("expz: encode user: %w", err)
		}
		header.Set(HeaderUser, encoded)
	}
	if len(opts.FlagKeys) > 0 {
		encoded, err := EncodeHeaderJSON(opts.FlagKeys)
		if err != nil {
			return nil, fmt.Errorf("expz: encode flag keys: %w", err)
		}
		header.Set(HeaderFlagKeys, encoded)
	}
	if opts.TrackingOption != "" {
		header.Set(HeaderTrack, opts.TrackingOption)
	}
	return header, nil
}

// EncodeHeaderJSON encodes v as unpadded base64url JSON for use in a header.
func EncodeHeaderJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeHeaderJSON reverses EncodeHeaderJSON. Padded input is accepted.
func DecodeHeaderJSON(value string, v any) error {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(value), "="))
	if err != nil {
		return fmt.Errorf("decode base64: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}
