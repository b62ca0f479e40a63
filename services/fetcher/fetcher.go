package fetcher

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"market_sync_backend/models"
	"market_sync_backend/services/provider"
	"market_sync_backend/services/ratelimit"
	"market_sync_backend/services/tokens"
)

// ExhaustedError is surfaced when the retry budget for one page is spent.
// PagesYielded lets the caller decide whether to keep the partial results;
// Cursor allows a later run to resume where this one stopped.
type ExhaustedError struct {
	PagesYielded int
	Cursor       string
	Err          error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d pages (cursor %q): %v", e.PagesYielded, e.Cursor, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Fetcher walks paginated provider endpoints, spending rate-limit tokens and
// access tokens per request and retrying with backoff per error class.
type Fetcher struct {
	limiter *ratelimit.Limiter
	tokens  *tokens.Manager
}

// NewFetcher creates a paginated fetcher over the shared limiter and token
// manager.
func NewFetcher(limiter *ratelimit.Limiter, tokenManager *tokens.Manager) *Fetcher {
	return &Fetcher{limiter: limiter, tokens: tokenManager}
}

// FetchAll returns a lazy iterator over all pages of the endpoint. Pages are
// fetched one at a time as the iterator advances; a retry always resumes
// from the current cursor, never from page one.
func (f *Fetcher) FetchAll(source *models.DataSource, prov provider.Provider, endpoint string, params map[string]string) *PageIterator {
	return &PageIterator{
		fetcher:  f,
		source:   source,
		provider: prov,
		endpoint: endpoint,
		params:   params,
	}
}

// PageIterator is a cursor-restartable page sequence, consumed
// bufio.Scanner-style:
//
//	it := fetcher.FetchAll(...)
//	for it.Next(ctx) {
//	    page := it.Page()
//	}
//	if err := it.Err(); err != nil { ... }
type PageIterator struct {
	fetcher  *Fetcher
	source   *models.DataSource
	provider provider.Provider
	endpoint string
	params   map[string]string

	cursor  string
	started bool
	done    bool
	page    *provider.Page
	pages   int
	err     error
}

// Page returns the page fetched by the last successful Next call.
func (it *PageIterator) Page() *provider.Page { return it.page }

// Err returns the terminal error, if any.
func (it *PageIterator) Err() error { return it.err }

// PagesYielded returns how many pages have been produced so far.
func (it *PageIterator) PagesYielded() int { return it.pages }

// Cursor returns the continuation cursor for the next page.
func (it *PageIterator) Cursor() string { return it.cursor }

// Next advances to the next page. It returns false when the sequence is
// finished or a non-recoverable error occurred (see Err).
func (it *PageIterator) Next(ctx context.Context) bool {
	if it.done || it.err != nil {
		return false
	}
	// The previous page was the last one
	if it.started && it.cursor == "" {
		it.done = true
		return false
	}

	page, err := it.fetchPage(ctx)
	if err != nil {
		it.err = err
		it.done = true
		return false
	}

	it.started = true
	it.page = page
	it.pages++
	it.cursor = page.NextCursor
	return true
}

// fetchPage fetches the page at the current cursor, applying the retry
// policy per error class.
func (it *PageIterator) fetchPage(ctx context.Context) (*provider.Page, error) {
	var lastErr error
	authRetried := false
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if err := it.fetcher.limiter.Acquire(ctx, it.source, 1); err != nil {
			return nil, err
		}

		accessToken, err := it.fetcher.tokens.GetAccessToken(ctx, it.source, it.provider)
		if err != nil {
			// Authentication failures are non-retryable at this level
			return nil, err
		}

		page, err := it.provider.FetchPage(ctx, accessToken, it.endpoint, it.params, it.cursor)
		if err == nil {
			return page, nil
		}
		lastErr = err

		switch {
		case provider.IsAuth(err):
			// One free retry with a freshly minted token, outside the
			// normal retry budget. A second rejection is terminal.
			if authRetried {
				return nil, err
			}
			log.Printf("Access token rejected for source %s, invalidating and retrying once", it.source.Code)
			it.fetcher.tokens.Invalidate(it.source.ID)
			authRetried = true
			continue

		case provider.IsMalformed(err):
			return nil, err

		default:
			// Rate-limited and transient errors share the bounded budget
			attempt++
			if attempt > it.source.MaxRetries {
				return nil, &ExhaustedError{PagesYielded: it.pages, Cursor: it.cursor, Err: lastErr}
			}

			wait := it.backoff(attempt)
			if retryAfter, ok := provider.IsRateLimited(err); ok && retryAfter > wait {
				wait = retryAfter
			}
			log.Printf("Fetch retry %d/%d for source %s after %s: %v",
				attempt, it.source.MaxRetries, it.source.Code, wait, err)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
	}
}

// backoff computes exponential backoff with jitter, capped by the source
// configuration.
func (it *PageIterator) backoff(attempt int) time.Duration {
	base := time.Duration(it.source.BackoffBaseMs) * time.Millisecond
	cap := time.Duration(it.source.BackoffCapMs) * time.Millisecond

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}
	// Full jitter on the upper half keeps concurrent workers spread out
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
