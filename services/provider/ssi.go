package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"market_sync_backend/models"
)

// Endpoint paths on the SSI-style market-data API
const (
	ssiAuthPath    = "/v2/auth/token"
	ssiRefreshPath = "/v2/auth/refresh"
)

// ssiErrorBody is the structured error envelope the API returns alongside
// non-2xx statuses.
type ssiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ssiTokenResponse is the credential-exchange response. ExpiresIn is in
// seconds and may be absent for JWT tokens carrying their own exp claim.
type ssiTokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`
}

// ssiPageResponse is the paginated data envelope.
type ssiPageResponse struct {
	Data       []PriceRow `json:"data"`
	NextCursor string     `json:"nextCursor"`
}

// SSIProvider talks to an SSI iBoard-style market-data API.
type SSIProvider struct {
	source     *models.DataSource
	httpClient *http.Client
}

// NewSSIProvider creates a provider client for one data source.
func NewSSIProvider(source *models.DataSource) *SSIProvider {
	return &SSIProvider{
		source: source,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Authenticate exchanges the long-lived secret for a refresh token.
func (p *SSIProvider) Authenticate(ctx context.Context, secret string) (*TokenGrant, error) {
	body := map[string]string{"consumerSecret": secret}
	resp, err := p.postJSON(ctx, p.source.BaseURL+ssiAuthPath, body)
	if err != nil {
		return nil, err
	}
	ttl := time.Duration(p.source.RefreshTokenTTLHours) * time.Hour
	return p.grantFromResponse(resp, ttl)
}

// RefreshAccess exchanges a refresh token for a short-lived access token.
func (p *SSIProvider) RefreshAccess(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	body := map[string]string{"refreshToken": refreshToken}
	resp, err := p.postJSON(ctx, p.source.BaseURL+ssiRefreshPath, body)
	if err != nil {
		return nil, err
	}
	ttl := time.Duration(p.source.AccessTokenTTLHours) * time.Hour
	return p.grantFromResponse(resp, ttl)
}

// FetchPage fetches one page of results, resuming from cursor if non-empty.
func (p *SSIProvider) FetchPage(ctx context.Context, accessToken, endpoint string, params map[string]string, cursor string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.source.BaseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	q := req.URL.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	req.URL.RawQuery = q.Encode()

	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, p.classifyStatus(resp, raw)
	}

	var page ssiPageResponse
	if err := json.Unmarshal(raw, &page); err != nil {
		log.Printf("Provider %s parse error: %v, body preview: %s", p.source.Code, err, preview(raw))
		return nil, &MalformedError{Err: err}
	}

	return &Page{Rows: page.Data, NextCursor: page.NextCursor, Raw: raw}, nil
}

// postJSON posts a JSON body and returns decoded token response or a
// classified error.
func (p *SSIProvider) postJSON(ctx context.Context, url string, body map[string]string) (*ssiTokenResponse, error) {
	payload, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, p.classifyStatus(resp, raw)
	}

	var tok ssiTokenResponse
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, &MalformedError{Err: err}
	}
	if tok.Token == "" {
		return nil, &MalformedError{Err: fmt.Errorf("token response missing token field")}
	}
	return &tok, nil
}

// classifyStatus maps a non-2xx response into the error taxonomy, carrying
// the structured error body when present.
func (p *SSIProvider) classifyStatus(resp *http.Response, raw []byte) error {
	var body ssiErrorBody
	_ = json.Unmarshal(raw, &body)
	if body.Message == "" {
		body.Message = preview(raw)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Status: resp.StatusCode, Code: body.Code, Message: body.Message}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: retryAfter(resp), Message: body.Message}
	case resp.StatusCode >= 500:
		return &TransientError{Status: resp.StatusCode, Err: fmt.Errorf("%s", body.Message)}
	default:
		return &MalformedError{Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body.Message)}
	}
}

// grantFromResponse builds a TokenGrant: explicit expiresIn wins, then a
// JWT exp claim if the token is a JWT, then the configured TTL.
func (p *SSIProvider) grantFromResponse(resp *ssiTokenResponse, fallbackTTL time.Duration) (*TokenGrant, error) {
	grant := &TokenGrant{Value: resp.Token}

	switch {
	case resp.ExpiresIn > 0:
		grant.ExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	default:
		if exp, ok := jwtExpiry(resp.Token); ok {
			grant.ExpiresAt = exp
		} else {
			grant.ExpiresAt = time.Now().Add(fallbackTTL)
		}
	}
	return grant, nil
}

// jwtExpiry extracts the exp claim from a JWT token without verifying the
// signature. The expiry is informational; the provider enforces it anyway.
func jwtExpiry(token string) (time.Time, bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// retryAfter parses the Retry-After header, seconds form only.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// preview truncates a body for log lines
func preview(raw []byte) string {
	const n = 200
	if len(raw) > n {
		return string(raw[:n])
	}
	return string(raw)
}
