package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/quantfold/tradedesk/internal/audit"
	"github.com/quantfold/tradedesk/internal/candidates"
	"github.com/quantfold/tradedesk/internal/config"
	"github.com/quantfold/tradedesk/internal/monitor"
	"github.com/quantfold/tradedesk/internal/observ"
	"github.com/quantfold/tradedesk/internal/orders"
	"github.com/quantfold/tradedesk/internal/pipeline"
	"github.com/quantfold/tradedesk/internal/portfolio"
	"github.com/quantfold/tradedesk/internal/quotes"
	"github.com/quantfold/tradedesk/internal/risk"
	"github.com/quantfold/tradedesk/internal/schedule"
	sig "github.com/quantfold/tradedesk/internal/signal"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to YAML config (defaults used if empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallback := observ.NewLogger(observ.LogConfig{Level: "info"})
		fallback.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := observ.NewLogger(observ.LogConfig{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	log.Info().Msg("starting tradedesk")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := audit.OpenStore(cfg.Audit.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open audit store")
	}
	defer store.Close()
	recorder := audit.NewWriter(store, cfg.Audit.BufferSize, log)
	defer recorder.Close()

	state, err := portfolio.LoadState(cfg.Portfolio.StatePath, cfg.Portfolio.CapitalBase, portfolio.DrawdownConfig{
		SoftLimitPct: cfg.Drawdown.SoftLimitPct,
		HardLimitPct: cfg.Drawdown.HardLimitPct,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load portfolio state")
	}

	broker := orders.NewSimBroker(orders.SimBrokerConfig{
		LatencyMsMin:   cfg.Broker.LatencyMsMin,
		LatencyMsMax:   cfg.Broker.LatencyMsMax,
		SlippageBpsMin: cfg.Broker.SlippageBpsMin,
		SlippageBpsMax: cfg.Broker.SlippageBpsMax,
	})
	lifecycle := orders.NewManager(broker, state, recorder, orders.ManagerConfig{
		AckTimeout:       cfg.BrokerAckTimeout(),
		MaxRetries:       cfg.Broker.MaxRetries,
		SubmitsPerSecond: cfg.Broker.SubmitsPerSecond,
	}, log)

	// Any order left in flight by a previous process must reach a terminal
	// state before new decisions are made.
	if err := lifecycle.Reconcile(ctx, store); err != nil {
		log.Fatal().Err(err).Msg("order reconciliation failed")
	}

	controller := risk.NewController(risk.Config{
		RiskPerTradePct:      cfg.Risk.RiskPerTradePct,
		MaxPositions:         cfg.Risk.MaxPositions,
		MaxSinglePositionPct: cfg.Risk.MaxSinglePositionPct,
		MaxExposurePct:       cfg.Risk.MaxExposurePct,
		ReductionFactor:      cfg.Risk.ReductionFactor,
		MaxStateAge:          2 * cfg.TickInterval(),
	}, state, recorder, log)

	prices := quotes.NewSimSource(0.005)
	boot := state.Snapshot()
	marks := make(map[string]float64, len(boot.Positions))
	for symbol, pos := range boot.Positions {
		prices.Seed(symbol, pos.LastPrice)
		marks[symbol] = pos.LastPrice
	}
	if len(marks) > 0 {
		// Restored marks may be from a previous session; refresh the
		// snapshot age so the staleness guard starts from now.
		state.MarkPrices(marks, time.Now())
	}

	sources := []candidates.Source{
		&candidates.PortfolioSource{OpenSymbols: func() []string {
			snap := state.Snapshot()
			symbols := make([]string, 0, len(snap.Positions))
			for s := range snap.Positions {
				symbols = append(symbols, s)
			}
			return symbols
		}},
		&candidates.BaselineSource{
			Universe:     cfg.Baseline.Universe,
			RotationSize: cfg.Baseline.RotationSize,
		},
	}

	runner := pipeline.NewRunner(
		sources,
		idleSignals{},
		nil, // critics are external; none registered in paper mode
		controller,
		lifecycle,
		recorder,
		cfg.CriticTimeout(),
		log,
	)

	sched := schedule.New(log)
	for _, j := range []struct {
		name string
		spec string
	}{
		{"morning_decision", cfg.Schedule.MorningCron},
		{"afternoon_decision", cfg.Schedule.AfternoonCron},
	} {
		if err := sched.AddJob(j.spec, decisionJob{name: j.name, runner: runner, ctx: ctx}); err != nil {
			log.Fatal().Err(err).Str("job", j.name).Msg("failed to register job")
		}
	}
	sched.Start()

	mon := monitor.New(state, prices, lifecycle, recorder, monitor.Config{
		TickInterval:   cfg.TickInterval(),
		DeriskFraction: cfg.Drawdown.DeriskFraction,
	}, log)
	go mon.Run(ctx)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: observ.MetricsHandler()}
	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	waitForShutdown(log)

	cancel()
	sched.Stop()
	_ = metricsSrv.Close()
	if err := state.Save(cfg.Portfolio.StatePath); err != nil {
		log.Error().Err(err).Msg("failed to save portfolio state")
	}
	log.Info().Msg("tradedesk stopped")
}

func waitForShutdown(log zerolog.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	s := <-ch
	log.Info().Str("signal", s.String()).Msg("shutting down")
}

// decisionJob adapts a pipeline run to the scheduler.
type decisionJob struct {
	name   string
	runner *pipeline.Runner
	ctx    context.Context
}

func (j decisionJob) Name() string { return j.name }
func (j decisionJob) Run() error   { return j.runner.Run(j.ctx) }

// idleSignals stands in until an external signal model is connected. It
// proposes no direction, so scheduled runs audit candidates and skip them.
type idleSignals struct{}

func (idleSignals) Propose(_ context.Context, symbol string) (sig.Proposal, error) {
	return sig.Proposal{Symbol: symbol, Direction: sig.Flat}, nil
}
