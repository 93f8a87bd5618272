package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/bashSunny101/VulnServer/internal/correlation"
	"github.com/bashSunny101/VulnServer/internal/model"
)

// termFields maps the event fields a query may filter on by exact match to
// their table columns
var termFields = map[string]string{
	"eventid":         "eventid",
	"session":         "session",
	"protocol":        "protocol",
	"connection_type": "connection_type",
	"country_code":    "country_code",
	"attack_speed":    "attack_speed",
}

func termValue(ev *model.Event, field string) string {
	switch field {
	case "eventid":
		return ev.EventID
	case "session":
		return ev.Session
	case "protocol":
		return ev.Protocol
	case "connection_type":
		return ev.ConnectionType
	case "country_code":
		return ev.Geo.CountryCode
	case "attack_speed":
		return ev.AttackSpeed
	}
	return ""
}

func validateTerms(terms map[string]string) error {
	for field := range terms {
		if _, ok := termFields[field]; !ok {
			return fmt.Errorf("unsupported query term: %s", field)
		}
	}
	return nil
}

// MemoryEventStore is an in-process event store for development and tests
type MemoryEventStore struct {
	mu     sync.RWMutex
	events []model.Event
}

// NewMemoryEventStore creates an empty in-memory event store
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{}
}

// Append stores events in timestamp order. Events without a source are
// rejected.
func (s *MemoryEventStore) Append(ctx context.Context, events ...model.Event) error {
	for i := range events {
		if !events[i].Source.Valid() {
			return fmt.Errorf("event %d: unknown source %q", i, events[i].Source)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range events {
		// after every event with an equal timestamp, so ties keep arrival order
		i := sort.Search(len(s.events), func(j int) bool {
			return s.events[j].Timestamp.After(ev.Timestamp)
		})
		s.events = slices.Insert(s.events, i, ev)
	}
	return nil
}

// Query returns matching events ordered by timestamp ascending. A zero range
// bound leaves that side open; events without a timestamp only match a
// fully open range.
func (s *MemoryEventStore) Query(ctx context.Context, q correlation.Query) ([]model.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateTerms(q.Terms); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []model.Event{}
	for i := range s.events {
		ev := &s.events[i]
		if !matches(ev, q) {
			continue
		}
		out = append(out, *ev)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// DistinctSourceIPs returns the distinct non-empty source addresses active in r
func (s *MemoryEventStore) DistinctSourceIPs(ctx context.Context, r model.TimeRange) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ips := []string{}
	seen := make(map[string]bool)
	for i := range s.events {
		ev := &s.events[i]
		if ev.SrcIP == "" || seen[ev.SrcIP] || !inRange(r, ev) {
			continue
		}
		seen[ev.SrcIP] = true
		ips = append(ips, ev.SrcIP)
	}
	sort.Strings(ips)
	return ips, nil
}

// Len returns the number of stored events
func (s *MemoryEventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func matches(ev *model.Event, q correlation.Query) bool {
	if len(q.Sources) > 0 {
		found := false
		for _, src := range q.Sources {
			if ev.Source == src {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if q.IP != "" && ev.SrcIP != q.IP {
		return false
	}

	if !inRange(q.Range, ev) {
		return false
	}

	for field, value := range q.Terms {
		if !strings.EqualFold(termValue(ev, field), value) {
			return false
		}
	}

	return true
}

func inRange(r model.TimeRange, ev *model.Event) bool {
	if r.Start.IsZero() && r.End.IsZero() {
		return true
	}
	if !ev.HasTimestamp() {
		return false
	}
	if !r.Start.IsZero() && ev.Timestamp.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && ev.Timestamp.After(r.End) {
		return false
	}
	return true
}
