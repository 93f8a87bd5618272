package correlation

import (
	"context"

	"github.com/bashSunny101/VulnServer/internal/model"
)

// Query selects events from the event store. Implementations must return
// matches ordered by timestamp ascending.
type Query struct {
	// Sources restricts the query to the listed sensors; empty means all
	Sources []model.Source
	// IP restricts the query to one source address; empty means any
	IP    string
	Range model.TimeRange
	// Terms are extra exact-match field filters, keyed by event JSON name
	Terms map[string]string
	// Limit caps the number of events returned; 0 means no cap
	Limit int
}

// EventStore is the read-only event query capability the engine consumes
type EventStore interface {
	Query(ctx context.Context, q Query) ([]model.Event, error)
}

// SourceIPCounter is implemented by stores that can aggregate distinct
// source addresses without returning the events themselves
type SourceIPCounter interface {
	DistinctSourceIPs(ctx context.Context, r model.TimeRange) ([]string, error)
}
