package syncengine

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"market_sync_backend/models"
	"market_sync_backend/services/provider"
)

// ValidationError marks one record the provider sent that cannot be
// normalized. It is non-retryable per record: the engine skips the row and
// keeps the run alive.
type ValidationError struct {
	Symbol string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid record %q: %s", e.Symbol, e.Reason)
}

// transformRow normalizes one raw provider row into a MarketRecord. Dates
// are interpreted in the source's business timezone.
func transformRow(source *models.DataSource, row provider.PriceRow, fetchedAt time.Time) (*models.MarketRecord, error) {
	symbol := strings.ToUpper(strings.TrimSpace(row.Symbol))
	if symbol == "" {
		return nil, &ValidationError{Symbol: row.Symbol, Reason: "empty symbol"}
	}

	date, err := time.ParseInLocation("2006-01-02", row.Date, source.Location())
	if err != nil {
		return nil, &ValidationError{Symbol: symbol, Reason: fmt.Sprintf("bad date %q", row.Date)}
	}

	if row.Open < 0 || row.High < 0 || row.Low < 0 || row.Close < 0 {
		return nil, &ValidationError{Symbol: symbol, Reason: "negative price"}
	}
	if row.High < row.Low {
		return nil, &ValidationError{Symbol: symbol, Reason: "high below low"}
	}
	if row.Volume < 0 {
		return nil, &ValidationError{Symbol: symbol, Reason: "negative volume"}
	}

	return &models.MarketRecord{
		SourceID:  source.ID,
		Symbol:    symbol,
		Date:      date,
		Open:      decimal.NewFromFloat(row.Open),
		High:      decimal.NewFromFloat(row.High),
		Low:       decimal.NewFromFloat(row.Low),
		Close:     decimal.NewFromFloat(row.Close),
		Volume:    row.Volume,
		Value:     decimal.NewFromFloat(row.Value),
		Active:    true,
		FetchedAt: fetchedAt,
	}, nil
}
