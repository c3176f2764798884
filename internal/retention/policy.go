package retention

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"carenotes/internal/audit/models"
	dErrors "carenotes/pkg/domain-errors"
)

// Period is a retention duration. Calendar units (years, days) are applied
// with time.AddDate so leap years do not shift cutoffs.
type Period struct {
	raw   string
	years int
	days  int
	clock time.Duration
}

// ParsePeriod accepts "7y", "90d", "2w" or any time.ParseDuration string.
func ParsePeriod(s string) (Period, error) {
	s = strings.TrimSpace(s)
	p := Period{raw: s}
	if s == "" {
		return p, fmt.Errorf("empty retention period")
	}
	unit := s[len(s)-1]
	if unit == 'y' || unit == 'd' || unit == 'w' {
		n, err := strconv.Atoi(s[:len(s)-1])
		if err == nil {
			if n <= 0 {
				return p, fmt.Errorf("retention period %q must be positive", s)
			}
			switch unit {
			case 'y':
				p.years = n
			case 'd':
				p.days = n
			case 'w':
				p.days = 7 * n
			}
			return p, nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return p, fmt.Errorf("invalid retention period %q: %w", s, err)
	}
	if d <= 0 {
		return p, fmt.Errorf("retention period %q must be positive", s)
	}
	p.clock = d
	return p, nil
}

func (p Period) String() string { return p.raw }

// Cutoff returns the instant before which events have outlived p.
func (p Period) Cutoff(now time.Time) time.Time {
	return now.AddDate(-p.years, 0, -p.days).Add(-p.clock)
}

// Policy maps resource categories to retention periods. It is loaded once
// per process and never mutated.
type Policy struct {
	periods map[string]Period
}

type policyFile struct {
	Retention map[string]string `yaml:"retention"`
}

// NewPolicy validates periods keyed by category.
func NewPolicy(periods map[string]string) (*Policy, error) {
	if len(periods) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "retention policy defines no categories")
	}
	p := &Policy{periods: make(map[string]Period, len(periods))}
	for category, raw := range periods {
		category = strings.TrimSpace(category)
		if category == "" {
			return nil, dErrors.New(dErrors.CodeValidation, "retention category cannot be empty")
		}
		period, err := ParsePeriod(raw)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeValidation, "retention category "+category)
		}
		p.periods[category] = period
	}
	return p, nil
}

// ParsePolicy reads the YAML form:
//
//	retention:
//	  CareUpdate: 3y
//	  Medication: 7y
func ParsePolicy(data []byte) (*Policy, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "invalid retention policy file")
	}
	return NewPolicy(f.Retention)
}

// LoadPolicy reads and parses a policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read retention policy: %w", err)
	}
	return ParsePolicy(data)
}

// Categories returns the configured categories in processing order: sorted,
// with AuditRetention last so a pass never purges the evidence it just wrote
// before the other categories are done.
func (p *Policy) Categories() []string {
	out := make([]string, 0, len(p.periods))
	for c := range p.periods {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i] == models.ResourceAuditRetention, out[j] == models.ResourceAuditRetention
		if ai != aj {
			return aj
		}
		return out[i] < out[j]
	})
	return out
}

// Period returns the configured period for category.
func (p *Policy) Period(category string) (Period, bool) {
	period, ok := p.periods[category]
	return period, ok
}
