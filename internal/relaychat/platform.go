package relaychat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Credentials identify this service against the messaging platform for one
// tenant. Rotation is owned by the provisioning handlers.
type Credentials struct {
	KeyID  string
	Secret string
}

type CredentialStore interface {
	Resolve(ctx context.Context, tenantID string) (Credentials, error)
}

type StaticCredentialStore struct {
	byTenant map[string]Credentials
	fallback Credentials
}

func NewStaticCredentialStore(byTenant map[string]Credentials, fallback Credentials) *StaticCredentialStore {
	clone := make(map[string]Credentials, len(byTenant))
	for tenant, creds := range byTenant {
		clone[tenant] = creds
	}
	return &StaticCredentialStore{byTenant: clone, fallback: fallback}
}

func (s *StaticCredentialStore) Resolve(ctx context.Context, tenantID string) (Credentials, error) {
	if s == nil {
		return Credentials{}, ErrNotFound
	}
	if creds, ok := s.byTenant[strings.TrimSpace(tenantID)]; ok {
		return creds, nil
	}
	if s.fallback.KeyID != "" {
		return s.fallback, nil
	}
	return Credentials{}, fmt.Errorf("%w: credentials for tenant %s", ErrNotFound, tenantID)
}

type PlatformIntegration struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	PageID      string `json:"pageId,omitempty"`
}

// PlatformClient is the slice of the messaging-platform SDK the core needs:
// integration lookup for contact-point resolution and app-user updates.
type PlatformClient interface {
	GetIntegration(ctx context.Context, tenantID, integrationID string) (PlatformIntegration, error)
	UpdateAppUser(ctx context.Context, tenantID, appUserID string, fields map[string]string) error
}

type PlatformClientOptions struct {
	BaseURL     string
	Credentials CredentialStore
	HTTPClient  *http.Client
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type HTTPPlatformClient struct {
	baseURL     string
	credentials CredentialStore
	httpClient  *http.Client
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

func NewHTTPPlatformClient(opts PlatformClientOptions) *HTTPPlatformClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPPlatformClient{
		baseURL:     strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		credentials: opts.Credentials,
		httpClient:  httpClient,
		maxRetries:  maxRetries,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

func (c *HTTPPlatformClient) GetIntegration(ctx context.Context, tenantID, integrationID string) (PlatformIntegration, error) {
	if strings.TrimSpace(integrationID) == "" {
		return PlatformIntegration{}, ErrInvalidInput
	}
	var out struct {
		Integration PlatformIntegration `json:"integration"`
	}
	path := "/v1/integrations/" + integrationID
	if err := c.do(ctx, tenantID, http.MethodGet, path, nil, &out); err != nil {
		return PlatformIntegration{}, err
	}
	if out.Integration.ID == "" {
		out.Integration.ID = integrationID
	}
	return out.Integration, nil
}

func (c *HTTPPlatformClient) UpdateAppUser(ctx context.Context, tenantID, appUserID string, fields map[string]string) error {
	if strings.TrimSpace(appUserID) == "" {
		return ErrInvalidInput
	}
	path := "/v1/appusers/" + appUserID
	return c.do(ctx, tenantID, http.MethodPut, path, map[string]any{"properties": fields}, nil)
}

func (c *HTTPPlatformClient) do(ctx context.Context, tenantID, method, path string, payload, out any) error {
	if c == nil {
		return fmt.Errorf("platform client is nil")
	}
	if c.baseURL == "" {
		return fmt.Errorf("platform base url is required")
	}
	if c.credentials == nil {
		return fmt.Errorf("platform credential store is required")
	}
	creds, err := c.credentials.Resolve(ctx, tenantID)
	if err != nil {
		return err
	}
	var bodyBytes []byte
	if payload != nil {
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
		req.SetBasicAuth(creds.KeyID, creds.Secret)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
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
			return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
		}
		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
				return waitErr
			}
			continue
		}
		return fmt.Errorf("platform %s %s failed: status=%d message=%s", method, path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
}

func (c *HTTPPlatformClient) retryDelay(attempt int) time.Duration {
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

// normalizePhoneNumber reduces a raw phone-ish string to +digits.
func normalizePhoneNumber(raw string) (string, error) {
	var digits strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() < 6 {
		return "", fmt.Errorf("%w: phone number %q", ErrInvalidInput, raw)
	}
	return "+" + digits.String(), nil
}
