package feed

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
)

// PriceSeeder fetches a last-known real price for a symbol, best effort.
type PriceSeeder interface {
	SeedPrice(ctx context.Context, pair string) (decimal.Decimal, error)
}

const seedTimeout = 3 * time.Second

// Baselines used when no real price can be fetched for a symbol.
var baselinePrices = map[string]decimal.Decimal{
	"XBT/USD": decimal.NewFromInt(60000),
	"BTC/USD": decimal.NewFromInt(60000),
	"ETH/USD": decimal.NewFromInt(2000),
	"SOL/USD": decimal.NewFromInt(150),
	"XRP/USD": decimal.NewFromFloat(0.5),
}

var defaultBaseline = decimal.NewFromInt(100)

// DemoGenerator produces a synthetic ticker stream when the real feed is
// unavailable. Each tracked symbol performs a bounded random walk (at most
// one percent per tick) around its seed price. Every emitted message carries
// the simulated marker so consumers can render an indicator, but travels the
// same dispatch path as real data.
type DemoGenerator struct {
	interval time.Duration
	seeder   PriceSeeder
	emit     func(Message)
	clock    func() time.Time

	mu      sync.Mutex
	prices  map[string]decimal.Decimal
	volumes map[string]decimal.Decimal
	rng     *rand.Rand
	cancel  context.CancelFunc
	wg      conc.WaitGroup
	running bool
}

// NewDemoGenerator builds a generator emitting through the given dispatch
// function. seeder may be nil; symbols then start from baseline prices.
func NewDemoGenerator(interval time.Duration, seeder PriceSeeder, emit func(Message), clock func() time.Time) *DemoGenerator {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if clock == nil {
		clock = time.Now
	}
	return &DemoGenerator{
		interval: interval,
		seeder:   seeder,
		emit:     emit,
		clock:    clock,
		prices:   make(map[string]decimal.Decimal),
		volumes:  make(map[string]decimal.Decimal),
		rng:      rand.New(rand.NewSource(clock().UnixNano())),
	}
}

// Start begins emitting ticks for the given symbols. Starting an already
// running generator only adds the new symbols.
func (g *DemoGenerator) Start(ctx context.Context, symbols []string) {
	for _, symbol := range symbols {
		g.Track(ctx, symbol)
	}

	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.running = true
	g.mu.Unlock()

	g.wg.Go(func() {
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				g.tick(runCtx)
			}
		}
	})
}

// Track registers a symbol, seeding it from the last-known real price when a
// seeder is available and from the baseline table otherwise.
func (g *DemoGenerator) Track(ctx context.Context, symbol string) {
	symbol = normalizePair(symbol)
	if symbol == "" {
		return
	}

	g.mu.Lock()
	_, exists := g.prices[symbol]
	g.mu.Unlock()
	if exists {
		return
	}

	price := g.seedPrice(ctx, symbol)

	g.mu.Lock()
	if _, exists := g.prices[symbol]; !exists {
		g.prices[symbol] = price
		g.volumes[symbol] = decimal.NewFromInt(1000)
	}
	g.mu.Unlock()
}

// Untrack stops emitting for the symbol.
func (g *DemoGenerator) Untrack(symbol string) {
	symbol = normalizePair(symbol)
	g.mu.Lock()
	delete(g.prices, symbol)
	delete(g.volumes, symbol)
	g.mu.Unlock()
}

// Stop halts the tick loop and waits for it to exit. No ticker event is
// emitted for any symbol after Stop returns.
func (g *DemoGenerator) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	cancel := g.cancel
	g.cancel = nil
	g.mu.Unlock()

	cancel()
	g.wg.Wait()
}

// Running reports whether the tick loop is active.
func (g *DemoGenerator) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

func (g *DemoGenerator) seedPrice(ctx context.Context, symbol string) decimal.Decimal {
	if g.seeder != nil {
		seedCtx, cancel := context.WithTimeout(ctx, seedTimeout)
		price, err := g.seeder.SeedPrice(seedCtx, symbol)
		cancel()
		if err == nil && price.IsPositive() {
			return price
		}
	}
	if price, ok := baselinePrices[symbol]; ok {
		return price
	}
	return defaultBaseline
}

func (g *DemoGenerator) tick(ctx context.Context) {
	g.mu.Lock()
	updates := make([]Message, 0, len(g.prices))
	for symbol, price := range g.prices {
		next := g.perturb(price)
		g.prices[symbol] = next
		volume := g.volumes[symbol].Add(decimal.NewFromInt(int64(g.rng.Intn(50) + 25)))
		g.volumes[symbol] = volume
		updates = append(updates, Message{
			Kind:      KindTicker,
			Pair:      symbol,
			Channel:   "ticker",
			Simulated: true,
			Ticker: &Ticker{
				Last:   next.StringFixed(5),
				Bid:    next.Mul(decimal.NewFromFloat(0.9995)).StringFixed(5),
				Ask:    next.Mul(decimal.NewFromFloat(1.0005)).StringFixed(5),
				Volume: volume.StringFixed(4),
			},
		})
	}
	g.mu.Unlock()

	for _, msg := range updates {
		if ctx.Err() != nil {
			return
		}
		g.emit(msg)
	}
}

// perturb applies a random walk step bounded to one percent of the price.
func (g *DemoGenerator) perturb(price decimal.Decimal) decimal.Decimal {
	step := (g.rng.Float64()*2 - 1) * 0.01
	next := price.Mul(decimal.NewFromFloat(1 + step))
	if !next.IsPositive() {
		return price
	}
	return next
}

func normalizePair(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
