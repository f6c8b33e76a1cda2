package batch

import (
	"fmt"
	"strings"
	"time"
)

// Quality is the connection-quality signal supplied by the platform.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
	QualityUnknown   Quality = "unknown"
)

// rank orders qualities from best to worst. unknown sits between fair and poor.
func (q Quality) rank() int {
	switch q {
	case QualityExcellent:
		return 4
	case QualityGood:
		return 3
	case QualityFair:
		return 2
	case QualityUnknown:
		return 1
	}
	return 0
}

// ParseQuality maps a string to a Quality, defaulting to unknown.
func ParseQuality(s string) Quality {
	switch q := Quality(strings.ToLower(strings.TrimSpace(s))); q {
	case QualityExcellent, QualityGood, QualityFair, QualityPoor:
		return q
	}
	return QualityUnknown
}

// Degraded reports whether to is a worse link than from.
func Degraded(from, to Quality) bool {
	return to.rank() < from.rank()
}

// link holds the throughput assumptions used for duration estimates.
type link struct {
	bytesPerSecond int64
	perItem        time.Duration
}

var links = map[Quality]link{
	QualityExcellent: {bytesPerSecond: 5 << 20, perItem: 50 * time.Millisecond},
	QualityGood:      {bytesPerSecond: 1 << 20, perItem: 100 * time.Millisecond},
	QualityFair:      {bytesPerSecond: 256 << 10, perItem: 250 * time.Millisecond},
	QualityPoor:      {bytesPerSecond: 64 << 10, perItem: 750 * time.Millisecond},
	QualityUnknown:   {bytesPerSecond: 128 << 10, perItem: 500 * time.Millisecond},
}

// EstimateDuration estimates how long n items totalling bytes take on q.
func EstimateDuration(bytes int64, n int, q Quality) time.Duration {
	l, ok := links[q]
	if !ok {
		l = links[QualityUnknown]
	}
	transfer := time.Duration(float64(bytes) / float64(l.bytesPerSecond) * float64(time.Second))
	return transfer + time.Duration(n)*l.perItem
}

// Profile bounds one batch plan.
type Profile struct {
	BatchSize   int `mapstructure:"batch_size" yaml:"batch_size"`
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
}

// Strategy maps connection quality to a Profile.
type Strategy struct {
	Name     string
	Profiles map[Quality]Profile
}

var (
	Balanced = Strategy{Name: "balanced", Profiles: map[Quality]Profile{
		QualityExcellent: {BatchSize: 20, Concurrency: 4},
		QualityGood:      {BatchSize: 10, Concurrency: 3},
		QualityFair:      {BatchSize: 5, Concurrency: 2},
		QualityPoor:      {BatchSize: 2, Concurrency: 1},
		QualityUnknown:   {BatchSize: 3, Concurrency: 1},
	}}
	Aggressive = Strategy{Name: "aggressive", Profiles: map[Quality]Profile{
		QualityExcellent: {BatchSize: 50, Concurrency: 6},
		QualityGood:      {BatchSize: 25, Concurrency: 4},
		QualityFair:      {BatchSize: 10, Concurrency: 3},
		QualityPoor:      {BatchSize: 5, Concurrency: 2},
		QualityUnknown:   {BatchSize: 5, Concurrency: 2},
	}}
	Conservative = Strategy{Name: "conservative", Profiles: map[Quality]Profile{
		QualityExcellent: {BatchSize: 10, Concurrency: 2},
		QualityGood:      {BatchSize: 5, Concurrency: 2},
		QualityFair:      {BatchSize: 3, Concurrency: 1},
		QualityPoor:      {BatchSize: 1, Concurrency: 1},
		QualityUnknown:   {BatchSize: 2, Concurrency: 1},
	}}
)

// StrategyByName returns a built-in strategy.
func StrategyByName(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", Balanced.Name:
		return Balanced, nil
	case Aggressive.Name:
		return Aggressive, nil
	case Conservative.Name:
		return Conservative, nil
	}
	return Strategy{}, fmt.Errorf("unknown batch strategy %q", name)
}

// ProfileFor returns the profile for q, falling back to unknown and then to
// a single sequential item per batch.
func (s Strategy) ProfileFor(q Quality) Profile {
	p, ok := s.Profiles[q]
	if !ok {
		p = s.Profiles[QualityUnknown]
	}
	if p.BatchSize < 1 {
		p.BatchSize = 1
	}
	if p.Concurrency < 1 {
		p.Concurrency = 1
	}
	return p
}
