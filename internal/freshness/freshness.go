package freshness

import (
	"os"
	"sync"
	"time"

	"github.com/fleetinsight/fleetinsight/internal/models"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultThreshold applies to every data type without an explicit entry.
const DefaultThreshold = 600 * time.Second

// Per-type defaults. Health data goes stale quickly, configuration snapshots
// barely change.
var defaultThresholds = map[string]time.Duration{
	models.DataTypeMetrics:    120 * time.Second,
	models.DataTypeContainers: 300 * time.Second,
	models.DataTypeConfig:     3600 * time.Second,
	models.DataTypeHealth:     60 * time.Second,
}

// Policy decides whether cached data for a data type is still fresh.
// Thresholds can be retuned at runtime, so all access goes through the lock.
type Policy struct {
	mu         sync.RWMutex
	thresholds map[string]time.Duration
}

func NewPolicy() *Policy {
	t := make(map[string]time.Duration, len(defaultThresholds))
	for k, v := range defaultThresholds {
		t[k] = v
	}
	return &Policy{thresholds: t}
}

// NewPolicyFromFile builds a policy with the defaults overlaid by a YAML file
// mapping data type to threshold seconds.
func NewPolicyFromFile(path string) (*Policy, error) {
	p := NewPolicy()

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var fileThresholds map[string]int
	err = yaml.Unmarshal(content, &fileThresholds)
	if err != nil {
		return nil, err
	}

	for dataType, seconds := range fileThresholds {
		err = p.SetThreshold(dataType, seconds)
		if err != nil {
			zap.S().Errorf("Invalid threshold for %s in %s: %d", dataType, path, seconds)
			return nil, err
		}
	}
	return p, nil
}

// GetThreshold returns the configured threshold for a data type, falling back
// to DefaultThreshold for unknown types.
func (p *Policy) GetThreshold(dataType string) time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()

	threshold, ok := p.thresholds[dataType]
	if !ok {
		return DefaultThreshold
	}
	return threshold
}

// SetThreshold overrides the threshold for a data type at runtime.
func (p *Policy) SetThreshold(dataType string, seconds int) error {
	if seconds <= 0 {
		return models.ErrInvalidThreshold
	}
	if dataType == "" {
		return models.ErrInvalidKey
	}

	p.mu.Lock()
	p.thresholds[dataType] = time.Duration(seconds) * time.Second
	p.mu.Unlock()

	zap.S().Infof("Freshness threshold for %s set to %ds", dataType, seconds)
	return nil
}

// Thresholds returns a copy of the current threshold table in seconds.
func (p *Policy) Thresholds() map[string]int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]int, len(p.thresholds))
	for k, v := range p.thresholds {
		out[k] = int(v / time.Second)
	}
	return out
}

// IsFresh reports whether data collected at collectedAt is still fresh at
// now. The boundary case age == threshold counts as stale. Zero timestamps
// are never fresh, so malformed envelopes degrade to cache misses.
func (p *Policy) IsFresh(collectedAt time.Time, dataType string, now time.Time) bool {
	if collectedAt.IsZero() {
		return false
	}

	// Timestamps without zone information are compared in UTC
	age := now.UTC().Sub(collectedAt.UTC())
	return age < p.GetThreshold(dataType)
}
