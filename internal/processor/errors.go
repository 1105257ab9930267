package processor

import "fmt"

// IngestionError means a market's trades could not be fetched. The market
// is skipped for this cycle and picked up again on the next one.
type IngestionError struct {
	Ticker string
	Err    error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingest %s: %v", e.Ticker, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

// Validation reasons, also used as the records_dropped metric label.
const (
	ReasonMissingTradeID   = "missing_trade_id"
	ReasonTickerMismatch   = "ticker_mismatch"
	ReasonInvalidVolume    = "invalid_volume"
	ReasonInvalidPrice     = "invalid_price"
	ReasonInvalidTimestamp = "invalid_timestamp"
)

// ValidationError describes a venue record that was dropped.
type ValidationError struct {
	TradeID string
	Reason  string
	Detail  string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("trade %q: %s", e.TradeID, e.Reason)
	}
	return fmt.Sprintf("trade %q: %s: %s", e.TradeID, e.Reason, e.Detail)
}
