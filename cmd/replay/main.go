// Command replay reconstructs portfolio state from the audit trail. Fills
// are the only events that mutate positions, so applying every recorded
// fill in order against the capital base must land on the same snapshot the
// live process held. It can also dump one correlation id's full trail for
// post-mortems.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/quantfold/tradedesk/internal/audit"
	"github.com/quantfold/tradedesk/internal/portfolio"
)

func main() {
	dbPath := flag.String("db", "data/audit.db", "path to the audit database")
	capital := flag.Float64("capital", 100000, "capital base the trail started from")
	softPct := flag.Float64("soft-limit-pct", 2.0, "soft drawdown limit in percent")
	hardPct := flag.Float64("hard-limit-pct", 3.0, "hard drawdown limit in percent")
	correlation := flag.String("correlation", "", "dump the trail for one correlation id instead of replaying")
	flag.Parse()

	store, err := audit.OpenStore(*dbPath)
	if err != nil {
		fatal("open audit store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	if *correlation != "" {
		if err := dumpTrail(ctx, store, *correlation); err != nil {
			fatal("%v", err)
		}
		return
	}

	if err := replay(ctx, store, *capital, portfolio.DrawdownConfig{
		SoftLimitPct: *softPct,
		HardLimitPct: *hardPct,
	}); err != nil {
		fatal("%v", err)
	}
}

func replay(ctx context.Context, store *audit.Store, capital float64, cfg portfolio.DrawdownConfig) error {
	fills, err := loadFills(ctx, store)
	if err != nil {
		return err
	}

	snap, err := portfolio.Replay(capital, cfg, fills)
	if err != nil {
		return err
	}

	fmt.Printf("replayed %d fills\n\n", len(fills))
	fmt.Printf("cash:         %12.2f\n", snap.Cash)
	fmt.Printf("exposure:     %12.2f\n", snap.ExposureUSD)
	fmt.Printf("total value:  %12.2f\n", snap.TotalValue)
	fmt.Printf("drawdown:     %11.2f%%\n", snap.DrawdownPct)
	fmt.Printf("positions:    %d\n", len(snap.Positions))

	symbols := make([]string, 0, len(snap.Positions))
	for s := range snap.Positions {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for _, s := range symbols {
		p := snap.Positions[s]
		fmt.Printf("  %-6s qty=%d avg=%.2f stop=%.2f target=%.2f last=%.2f\n",
			p.Symbol, p.Quantity, p.AvgEntryPrice, p.StopPrice, p.TargetPrice, p.LastPrice)
	}
	return nil
}

// loadFills collects fill events across the whole trail in insertion order.
// Partial fills carry their own delta quantity, so both kinds replay the
// same way.
func loadFills(ctx context.Context, store *audit.Store) ([]portfolio.Fill, error) {
	events, err := store.All(ctx)
	if err != nil {
		return nil, err
	}
	var fills []portfolio.Fill
	for _, e := range events {
		if e.Kind != audit.KindOrderFilled && e.Kind != audit.KindOrderPartialFill {
			continue
		}
		var f portfolio.Fill
		if err := json.Unmarshal(e.Payload, &f); err != nil {
			return nil, fmt.Errorf("decode fill event %s: %w", e.ID, err)
		}
		fills = append(fills, f)
	}
	return fills, nil
}

func dumpTrail(ctx context.Context, store *audit.Store, correlationID string) error {
	events, err := store.ByCorrelation(ctx, correlationID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return fmt.Errorf("no events for correlation id %s", correlationID)
	}
	for _, e := range events {
		fmt.Printf("%s  %-10s %-22s %s", e.Timestamp.Format("15:04:05.000"), e.Component, e.Kind, e.Reason)
		if len(e.Payload) > 0 {
			fmt.Printf("  %s", e.Payload)
		}
		fmt.Println()
	}
	return nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "replay: "+format+"\n", args...)
	os.Exit(1)
}
