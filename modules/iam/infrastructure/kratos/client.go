package kratos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the Ory Kratos public API. Password verification is
// delegated to Kratos entirely; the identities it returns carry tenant_uuid,
// email and role_slug traits that the caller validates after login.
type Client struct {
	baseURL string
	http    *http.Client
}

type Identity struct {
	ID     string         `json:"id"`
	Traits map[string]any `json:"traits"`
	Raw    map[string]any `json:"-"`
}

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("kratos: http %d: %s", e.StatusCode, msg)
}

func New(publicBaseURL string) (*Client, error) {
	publicBaseURL = strings.TrimRight(strings.TrimSpace(publicBaseURL), "/")
	if publicBaseURL == "" {
		return nil, errors.New("kratos: missing public base url")
	}
	u, err := url.Parse(publicBaseURL)
	if err != nil {
		return nil, errors.New("kratos: invalid public base url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("kratos: invalid public base url scheme")
	}
	if u.Host == "" {
		return nil, errors.New("kratos: invalid public base url host")
	}
	return &Client{
		baseURL: publicBaseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// LoginPassword runs the API-flavored self-service login flow and resolves
// the resulting session token to a full identity.
func (c *Client) LoginPassword(ctx context.Context, identifier string, password string) (Identity, error) {
	flowID, err := c.loginFlowID(ctx)
	if err != nil {
		return Identity{}, err
	}
	token, err := c.submitPassword(ctx, flowID, identifier, password)
	if err != nil {
		return Identity{}, err
	}
	return c.Whoami(ctx, token)
}

func (c *Client) Whoami(ctx context.Context, sessionToken string) (Identity, error) {
	var out struct {
		Identity Identity `json:"identity"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/sessions/whoami", sessionToken, nil, &out); err != nil {
		return Identity{}, err
	}
	return out.Identity, nil
}

func (c *Client) loginFlowID(ctx context.Context) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/self-service/login/api", "", nil, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("kratos: missing login flow id")
	}
	return out.ID, nil
}

func (c *Client) submitPassword(ctx context.Context, flowID string, identifier string, password string) (string, error) {
	payload := map[string]any{
		"method":     "password",
		"identifier": identifier,
		"password":   password,
	}
	var out struct {
		SessionToken string `json:"session_token"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/self-service/login?flow="+flowID, "", payload, &out); err != nil {
		return "", err
	}
	if out.SessionToken == "" {
		return "", errors.New("kratos: missing session token")
	}
	return out.SessionToken, nil
}

func (c *Client) doJSON(ctx context.Context, method string, path string, sessionToken string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sessionToken != "" {
		req.Header.Set("X-Session-Token", sessionToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		const maxErrBody = 4096
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return &HTTPError{StatusCode: resp.StatusCode, Message: string(b)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
