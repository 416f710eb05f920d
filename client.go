package stepsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/stepsdk/gostep/internal/event"
)

// ClientOpts configures a Client. Resolution order for every
// field is constructor argument, then environment variable, then default.
type ClientOpts struct {
	// EventKey authenticates outbound event publishes. If nil, defaults to
	// INNGEST_EVENT_KEY.
	EventKey *string
	// SigningKey is the primary HMAC key. If nil, defaults to
	// INNGEST_SIGNING_KEY.
	SigningKey *string
	// SigningKeyFallback is the secondary key used during rotation. If
	// nil, defaults to INNGEST_SIGNING_KEY_FALLBACK.
	SigningKeyFallback *string
	// Env is the branch/preview environment label. If nil, defaults to
	// INNGEST_ENV.
	Env *string
	// APIOrigin overrides the API base URL. If nil, defaults to
	// INNGEST_API_BASE_URL, or the dev server in dev mode, or the
	// production default.
	APIOrigin *string
	// EventAPIOrigin overrides the event API base URL, following the same
	// precedence as APIOrigin but reading INNGEST_EVENT_API_BASE_URL.
	EventAPIOrigin *string
	// HTTPClient is used for outbound calls. Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// GetEventKey returns the configured event key, following constructor >
// env var > dev-mode-sentinel precedence.
func (c ClientOpts) GetEventKey() string {
	if c.EventKey != nil {
		return *c.EventKey
	}
	if key := os.Getenv("INNGEST_EVENT_KEY"); key != "" {
		return key
	}
	if IsDev() {
		return "NO_EVENT_KEY_SET"
	}
	return ""
}

// GetSigningKey returns the primary signing key.
func (c ClientOpts) GetSigningKey() string {
	if c.SigningKey != nil {
		return *c.SigningKey
	}
	return os.Getenv("INNGEST_SIGNING_KEY")
}

// GetSigningKeyFallback returns the secondary signing key used during
// rotation.
func (c ClientOpts) GetSigningKeyFallback() string {
	if c.SigningKeyFallback != nil {
		return *c.SigningKeyFallback
	}
	return os.Getenv("INNGEST_SIGNING_KEY_FALLBACK")
}

// GetEnv returns the branch/preview environment label.
func (c ClientOpts) GetEnv() string {
	if c.Env != nil {
		return *c.Env
	}
	return os.Getenv("INNGEST_ENV")
}

// GetAPIOrigin returns the resolved API base URL.
func (c ClientOpts) GetAPIOrigin() string {
	if c.APIOrigin != nil {
		return *c.APIOrigin
	}
	if v := os.Getenv("INNGEST_API_BASE_URL"); v != "" {
		return v
	}
	if IsDev() {
		return DevServerURL()
	}
	return defaultAPIOrigin
}

// GetEventAPIOrigin returns the resolved event API base URL.
func (c ClientOpts) GetEventAPIOrigin() string {
	if c.EventAPIOrigin != nil {
		return *c.EventAPIOrigin
	}
	if v := os.Getenv("INNGEST_EVENT_API_BASE_URL"); v != "" {
		return v
	}
	if IsDev() {
		return DevServerURL()
	}
	return defaultEventAPIOrigin
}

func (c ClientOpts) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Client sends events to the orchestrator's event API.
type Client struct {
	ClientOpts
}

// NewClient returns a Client resolved from opts, env vars, and defaults.
func NewClient(opts ClientOpts) *Client {
	return &Client{ClientOpts: opts}
}

var _ event.Sender = (*Client)(nil)

// Send publishes a single event, populating its id/timestamp if unset, and
// returns the orchestrator-assigned event id.
func (c *Client) Send(ctx context.Context, e event.Event) (string, error) {
	ids, err := c.SendMany(ctx, []event.Event{e})
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("event API returned no ids")
	}
	return ids[0], nil
}

// SendMany publishes a batch of events and returns their assigned ids.
func (c *Client) SendMany(ctx context.Context, events []event.Event) ([]string, error) {
	populated := make([]event.Event, len(events))
	for i, e := range events {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("invalid event at index %d: %w", i, err)
		}
		populated[i] = event.New(e)
	}

	byt, err := json.Marshal(populated)
	if err != nil {
		return nil, fmt.Errorf("error marshalling events: %w", err)
	}

	url := fmt.Sprintf("%s/e/%s", c.GetEventAPIOrigin(), c.GetEventKey())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(byt))
	if err != nil {
		return nil, fmt.Errorf("error creating event request: %w", err)
	}
	SetBasicRequestHeaders(req)
	if env := c.GetEnv(); env != "" {
		req.Header.Set(HeaderKeyEnv, env)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending events: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading event API response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("event API returned status %d: %s", resp.StatusCode, body)
	}

	var parsed struct {
		IDs    []string `json:"ids"`
		Status int      `json:"status"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("error parsing event API response: %w", err)
	}
	return parsed.IDs, nil
}

// fetchWithAuthFallback performs an HTTP request built by createRequest,
// authenticating with the hashed primary signing key; if the server
// rejects it with 401, it retries once with the hashed fallback key. This
// mirrors the signature verifier's own primary/fallback retry.
func fetchWithAuthFallback(
	ctx context.Context,
	client *http.Client,
	createRequest func() (*http.Request, error),
	signingKey string,
	signingKeyFallback string,
) (*http.Response, error) {
	req, err := createRequest()
	if err != nil {
		return nil, err
	}
	if signingKey != "" {
		hashed, err := hashedSigningKey([]byte(signingKey))
		if err != nil {
			return nil, fmt.Errorf("error hashing signing key: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+string(hashed))
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && signingKeyFallback != "" {
		resp.Body.Close()

		req, err := createRequest()
		if err != nil {
			return nil, err
		}
		hashed, err := hashedSigningKey([]byte(signingKeyFallback))
		if err != nil {
			return nil, fmt.Errorf("error hashing fallback signing key: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+string(hashed))
		return client.Do(req)
	}

	return resp, nil
}
