package relaychat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	InterruptHeartbeat       = "heartbeat"
	InterruptDisconnect      = "disconnect"
	InterruptDeliveryFailure = "delivery-failure"
	InterruptPostback        = "postback"
)

type Interrupt struct {
	Type    string         `json:"type"`
	Reason  string         `json:"reason,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

type CreateInteractionRequest struct {
	TenantID      string `json:"tenantId"`
	CustomerID    string `json:"customerId"`
	Platform      string `json:"platform"`
	ContactPoint  string `json:"contactPoint"`
	SeedMessageID string `json:"seedMessageId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

type MetadataPatch struct {
	LastMessageFrom string `json:"lastMessageFrom,omitempty"`
	ArtifactID      string `json:"artifactId,omitempty"`
}

type ArtifactRequest struct {
	Kind string `json:"kind"`
	Name string `json:"name,omitempty"`
}

type ArtifactFile struct {
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"`
}

type Artifact struct {
	ID    string         `json:"id"`
	Files []ArtifactFile `json:"files,omitempty"`
}

// InteractionAPI is the narrow contract against the internal interaction
// system. SendInterrupt with a missing interaction returns
// ErrInteractionNotFound, which callers treat as "already gone" where the
// operation is idempotent.
type InteractionAPI interface {
	CreateInteraction(ctx context.Context, req CreateInteractionRequest) (string, error)
	GetMetadata(ctx context.Context, interactionID string) (InteractionMetadata, error)
	UpdateMetadata(ctx context.Context, interactionID string, patch MetadataPatch) error
	SendInterrupt(ctx context.Context, interactionID string, interrupt Interrupt) error
	CreateArtifact(ctx context.Context, interactionID string, req ArtifactRequest) (string, error)
	GetArtifact(ctx context.Context, interactionID, artifactID string) (Artifact, error)
}

type InteractionClientOptions struct {
	BaseURL    string
	Username   string
	Password   string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// HTTPInteractionClient talks to the interaction API over HTTP with basic
// auth, retrying 429s and 5xx responses with capped exponential backoff.
type HTTPInteractionClient struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPInteractionClient(opts InteractionClientOptions) *HTTPInteractionClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPInteractionClient{
		baseURL:    baseURL,
		username:   strings.TrimSpace(opts.Username),
		password:   opts.Password,
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

func (c *HTTPInteractionClient) CreateInteraction(ctx context.Context, req CreateInteractionRequest) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/interactions", req, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", fmt.Errorf("interaction create returned empty id")
	}
	return out.ID, nil
}

func (c *HTTPInteractionClient) GetMetadata(ctx context.Context, interactionID string) (InteractionMetadata, error) {
	var out InteractionMetadata
	path := "/v1/interactions/" + interactionID + "/metadata"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return InteractionMetadata{}, err
	}
	if out.InteractionID == "" {
		out.InteractionID = interactionID
	}
	return out, nil
}

func (c *HTTPInteractionClient) UpdateMetadata(ctx context.Context, interactionID string, patch MetadataPatch) error {
	path := "/v1/interactions/" + interactionID + "/metadata"
	return c.do(ctx, http.MethodPost, path, patch, nil)
}

func (c *HTTPInteractionClient) SendInterrupt(ctx context.Context, interactionID string, interrupt Interrupt) error {
	path := "/v1/interactions/" + interactionID + "/interrupts"
	return c.do(ctx, http.MethodPost, path, interrupt, nil)
}

func (c *HTTPInteractionClient) CreateArtifact(ctx context.Context, interactionID string, req ArtifactRequest) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	path := "/v1/interactions/" + interactionID + "/artifacts"
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *HTTPInteractionClient) GetArtifact(ctx context.Context, interactionID, artifactID string) (Artifact, error) {
	var out Artifact
	path := "/v1/interactions/" + interactionID + "/artifacts/" + artifactID
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return Artifact{}, err
	}
	return out, nil
}

func (c *HTTPInteractionClient) do(ctx context.Context, method, path string, payload, out any) error {
	if c == nil {
		return fmt.Errorf("interaction client is nil")
	}
	if c.baseURL == "" {
		return fmt.Errorf("interaction api base url is required")
	}
	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	url := c.baseURL + path

	for attempt := 0; ; attempt++ {
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return err
		}
		req.SetBasicAuth(c.username, c.password)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			return json.Unmarshal(respBody, out)
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s %s", ErrInteractionNotFound, method, path)
		}
		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		message := strings.TrimSpace(string(respBody))
		var parsed map[string]any
		if json.Unmarshal(respBody, &parsed) == nil {
			if m, ok := parsed["message"].(string); ok && strings.TrimSpace(m) != "" {
				message = m
			}
		}
		return fmt.Errorf("interaction api %s %s failed: status=%d message=%s", method, path, resp.StatusCode, message)
	}
}

func (c *HTTPInteractionClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
