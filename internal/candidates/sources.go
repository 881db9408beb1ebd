package candidates

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Default priorities per strategy. News and market anomalies outrank the
// rotating baseline; open positions always get coverage.
const (
	priorityNews      = 0.9
	priorityPortfolio = 0.85
	priorityMarket    = 0.8
	priorityBaseline  = 0.5
)

// Source nominates candidates for a decision run. A failing source
// contributes nothing; it never aborts the run.
type Source interface {
	Name() string
	Candidates(ctx context.Context) ([]Candidate, error)
}

// Select runs every source and aggregates the results. Per-source errors
// degrade to an empty contribution and are logged, matching the rule that
// candidate selection never raises.
func Select(ctx context.Context, sources []Source, log zerolog.Logger) []Candidate {
	lists := make([][]Candidate, 0, len(sources))
	for _, src := range sources {
		list, err := src.Candidates(ctx)
		if err != nil {
			log.Warn().Err(err).Str("source", src.Name()).Msg("candidate source failed, skipping")
			continue
		}
		lists = append(lists, list)
	}
	return Aggregate(lists...)
}

// PortfolioSource nominates every open position so held symbols are always
// re-evaluated.
type PortfolioSource struct {
	OpenSymbols func() []string
}

func (s *PortfolioSource) Name() string { return "portfolio" }

func (s *PortfolioSource) Candidates(context.Context) ([]Candidate, error) {
	symbols := s.OpenSymbols()
	out := make([]Candidate, 0, len(symbols))
	for _, symbol := range symbols {
		out = append(out, Candidate{
			Symbol:   symbol,
			Source:   SourcePortfolio,
			Priority: priorityPortfolio,
			Metadata: map[string]string{"reason": "open_position"},
		})
	}
	return out, nil
}

// NewsProvider supplies symbols flagged by upstream news scoring. News
// retrieval and sentiment are external; only the nomination crosses this
// boundary.
type NewsProvider interface {
	HotSymbols(ctx context.Context, lookback time.Duration) (map[string]string, error) // symbol -> reason
}

// NewsSource wraps a NewsProvider.
type NewsSource struct {
	Provider NewsProvider
	Lookback time.Duration
}

func (s *NewsSource) Name() string { return "news" }

func (s *NewsSource) Candidates(ctx context.Context) ([]Candidate, error) {
	if s.Provider == nil {
		return nil, nil
	}
	hot, err := s.Provider.HotSymbols(ctx, s.Lookback)
	if err != nil {
		return nil, fmt.Errorf("news provider: %w", err)
	}
	out := make([]Candidate, 0, len(hot))
	for symbol, reason := range hot {
		out = append(out, Candidate{
			Symbol:   symbol,
			Source:   SourceNews,
			Priority: priorityNews,
			Metadata: map[string]string{"reason": reason},
		})
	}
	return out, nil
}

// MarketProvider supplies symbols with technical anomalies (gaps, volume
// spikes). Indicator computation is external.
type MarketProvider interface {
	Anomalies(ctx context.Context) (map[string]string, error) // symbol -> reason
}

// MarketSource wraps a MarketProvider.
type MarketSource struct {
	Provider MarketProvider
}

func (s *MarketSource) Name() string { return "market" }

func (s *MarketSource) Candidates(ctx context.Context) ([]Candidate, error) {
	if s.Provider == nil {
		return nil, nil
	}
	anomalies, err := s.Provider.Anomalies(ctx)
	if err != nil {
		return nil, fmt.Errorf("market provider: %w", err)
	}
	out := make([]Candidate, 0, len(anomalies))
	for symbol, reason := range anomalies {
		out = append(out, Candidate{
			Symbol:   symbol,
			Source:   SourceMarket,
			Priority: priorityMarket,
			Metadata: map[string]string{"reason": reason},
		})
	}
	return out, nil
}

// BaselineSource rotates through a fixed universe so every symbol gets
// periodic coverage even without news or anomalies. The rotation window is
// keyed off the day number, which makes a run's baseline reproducible.
type BaselineSource struct {
	Universe     []string
	RotationSize int
	Now          func() time.Time
}

func (s *BaselineSource) Name() string { return "baseline" }

func (s *BaselineSource) Candidates(context.Context) ([]Candidate, error) {
	if len(s.Universe) == 0 || s.RotationSize <= 0 {
		return nil, nil
	}
	universe := append([]string(nil), s.Universe...)
	sort.Strings(universe)

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	day := int(now().UTC().Unix() / 86400)
	n := len(universe)
	size := s.RotationSize
	if size > n {
		size = n
	}

	start := (day * size) % n
	out := make([]Candidate, 0, size)
	for i := 0; i < size; i++ {
		symbol := universe[(start+i)%n]
		out = append(out, Candidate{
			Symbol:   symbol,
			Source:   SourceBaseline,
			Priority: priorityBaseline,
			Metadata: map[string]string{"reason": "baseline_rotation"},
		})
	}
	return out, nil
}
