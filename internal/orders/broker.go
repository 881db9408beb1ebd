package orders

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Update is the broker's view of an order at one poll.
type Update struct {
	State        State
	FilledQty    int
	AvgFillPrice float64
	Reason       string
}

// Broker is the external execution venue. Submit is a blocking call with a
// bounded timeout via ctx; terminal states arrive through Status polling.
type Broker interface {
	Submit(ctx context.Context, o Order) (brokerID string, err error)
	Status(ctx context.Context, brokerID string) (Update, error)
}

// SimBrokerConfig parameterizes the paper-trading broker.
type SimBrokerConfig struct {
	LatencyMsMin   int
	LatencyMsMax   int
	SlippageBpsMin int
	SlippageBpsMax int
}

// SimBroker fills market orders in memory after a simulated latency with
// slippage against the order's reference price. Used for paper trading and
// tests.
type SimBroker struct {
	cfg SimBrokerConfig

	mu     sync.Mutex
	orders map[string]simOrder
	rng    *rand.Rand
}

type simOrder struct {
	order   Order
	fillAt  time.Time
	fillPx  float64
	updated Update
}

func NewSimBroker(cfg SimBrokerConfig) *SimBroker {
	if cfg.LatencyMsMax < cfg.LatencyMsMin {
		cfg.LatencyMsMax = cfg.LatencyMsMin
	}
	if cfg.SlippageBpsMax < cfg.SlippageBpsMin {
		cfg.SlippageBpsMax = cfg.SlippageBpsMin
	}
	return &SimBroker{
		cfg:    cfg,
		orders: make(map[string]simOrder),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *SimBroker) Submit(ctx context.Context, o Order) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if o.Quantity <= 0 {
		return "", fmt.Errorf("sim broker: quantity %d", o.Quantity)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	latency := b.cfg.LatencyMsMin
	if span := b.cfg.LatencyMsMax - b.cfg.LatencyMsMin; span > 0 {
		latency += b.rng.Intn(span + 1)
	}
	slippageBps := b.cfg.SlippageBpsMin
	if span := b.cfg.SlippageBpsMax - b.cfg.SlippageBpsMin; span > 0 {
		slippageBps += b.rng.Intn(span + 1)
	}

	px := o.EntryPrice
	mult := 1.0 + float64(slippageBps)/10000.0
	if o.Side == Buy {
		px *= mult
	} else {
		px /= mult
	}

	id := uuid.NewString()
	b.orders[id] = simOrder{
		order:  o,
		fillAt: time.Now().Add(time.Duration(latency) * time.Millisecond),
		fillPx: px,
	}
	return id, nil
}

func (b *SimBroker) Status(ctx context.Context, brokerID string) (Update, error) {
	if err := ctx.Err(); err != nil {
		return Update{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	so, ok := b.orders[brokerID]
	if !ok {
		return Update{}, fmt.Errorf("sim broker: unknown order %s", brokerID)
	}
	if time.Now().Before(so.fillAt) {
		return Update{State: Submitted}, nil
	}
	return Update{
		State:        Filled,
		FilledQty:    so.order.Quantity,
		AvgFillPrice: so.fillPx,
	}, nil
}
