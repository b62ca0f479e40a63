package provider

import (
	"context"
	"fmt"
	"time"

	"market_sync_backend/models"
)

// TokenGrant is one credential minted by the provider, with its expiry.
type TokenGrant struct {
	Value     string
	ExpiresAt time.Time
}

// PriceRow is one raw instrument row as decoded from a provider page,
// before normalization and validation by the sync engine.
type PriceRow struct {
	Symbol string  `json:"symbol"`
	Date   string  `json:"date"` // YYYY-MM-DD in the source's business timezone
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
	Value  float64 `json:"value"`
}

// Page is one page of a paginated provider response.
type Page struct {
	Rows       []PriceRow
	NextCursor string // empty when this is the last page
	Raw        []byte // undecoded body, for the archive
}

// Provider is the capability interface one upstream must implement.
// A new provider is a new implementation of this interface, not a fork of
// the sync engine.
type Provider interface {
	// Authenticate exchanges the long-lived secret for a refresh token.
	Authenticate(ctx context.Context, secret string) (*TokenGrant, error)

	// RefreshAccess exchanges a refresh token for a short-lived access token.
	RefreshAccess(ctx context.Context, refreshToken string) (*TokenGrant, error)

	// FetchPage fetches one page. An empty cursor requests the first page;
	// the returned cursor resumes after this page.
	FetchPage(ctx context.Context, accessToken, endpoint string, params map[string]string, cursor string) (*Page, error)
}

// New builds the provider implementation configured on the data source.
func New(source *models.DataSource) (Provider, error) {
	switch source.Provider {
	case "ssi", "":
		return NewSSIProvider(source), nil
	default:
		return nil, fmt.Errorf("unknown provider %q for source %s", source.Provider, source.Code)
	}
}
