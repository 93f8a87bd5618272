package store

import (
	"container/ring"
	"sync"

	"github.com/bashSunny101/VulnServer/internal/model"
	lru "github.com/hashicorp/golang-lru/v2"
)

// AlertStore keeps the most recent alerts in a ring buffer. Alert IDs are
// remembered in an LRU so a redelivered alert is stored once.
type AlertStore struct {
	mu        sync.RWMutex
	alerts    *ring.Ring
	seen      *lru.Cache[string, struct{}]
	maxAlerts int
	seenCap   int
}

// NewAlertStore creates an alert store holding up to maxAlerts alerts and
// remembering up to seenCap alert IDs
func NewAlertStore(maxAlerts, seenCap int) *AlertStore {
	if maxAlerts <= 0 {
		maxAlerts = 1
	}
	if seenCap <= 0 {
		seenCap = maxAlerts
	}
	seen, _ := lru.New[string, struct{}](seenCap)

	return &AlertStore{
		alerts:    ring.New(maxAlerts),
		seen:      seen,
		maxAlerts: maxAlerts,
		seenCap:   seenCap,
	}
}

// Add stores the alert unless its ID was already stored. It reports whether
// the alert was added.
func (s *AlertStore) Add(alert *model.Alert) bool {
	if alert == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if alert.ID != "" {
		if s.seen.Contains(alert.ID) {
			return false
		}
		s.seen.Add(alert.ID, struct{}{})
	}

	s.alerts.Value = alert
	s.alerts = s.alerts.Next()
	return true
}

// List returns stored alerts oldest first
func (s *AlertStore) List() []*model.Alert {
	return s.filter(func(*model.Alert) bool { return true })
}

// ByIP returns stored alerts raised for one attacker IP
func (s *AlertStore) ByIP(ip string) []*model.Alert {
	return s.filter(func(a *model.Alert) bool { return a.AttackerIP == ip })
}

// ByLevel returns stored alerts at minLevel or above
func (s *AlertStore) ByLevel(minLevel model.AlertLevel) []*model.Alert {
	floor := minLevel.Rank()
	return s.filter(func(a *model.Alert) bool { return a.Level.Rank() >= floor })
}

func (s *AlertStore) filter(keep func(*model.Alert) bool) []*model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alerts := []*model.Alert{}
	// s.alerts points at the next slot to overwrite, which is the oldest
	s.alerts.Do(func(value any) {
		if alert, ok := value.(*model.Alert); ok && keep(alert) {
			alerts = append(alerts, alert)
		}
	})
	return alerts
}

// Len returns the number of stored alerts
func (s *AlertStore) Len() int {
	return len(s.List())
}

// Clear removes every alert and forgets every seen ID
func (s *AlertStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < s.alerts.Len(); i++ {
		s.alerts.Value = nil
		s.alerts = s.alerts.Next()
	}
	s.seen.Purge()
}

// Stats returns store statistics
func (s *AlertStore) Stats() map[string]any {
	count := s.Len()

	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]any{
		"total_alerts": count,
		"max_alerts":   s.maxAlerts,
		"seen_cap":     s.seenCap,
		"seen_size":    s.seen.Len(),
	}
}
