// Package paper is a simulated trading venue. It settles binary trades with a
// configurable win rate so the engine can run end to end without a broker.
package paper

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-signals/internal/signal"
	"github.com/ksred/klear-signals/internal/surface"
	"github.com/ksred/klear-signals/internal/timing"
)

const outcomePoll = 250 * time.Millisecond

// Instrument is a tradeable pair in the paper catalogue
type Instrument struct {
	Pair    string
	OTC     bool
	Payout  float64 // percent
	Enabled bool
}

var defaultCatalogue = []Instrument{
	{Pair: "EUR/USD", Payout: 82, Enabled: true},
	{Pair: "GBP/USD", Payout: 80, Enabled: true},
	{Pair: "USD/JPY", Payout: 78, Enabled: true},
	{Pair: "AUD/CAD", Payout: 75, Enabled: true},
	{Pair: "EUR/USD OTC", OTC: true, Payout: 92, Enabled: true},
	{Pair: "GBP/JPY OTC", OTC: true, Payout: 88, Enabled: true},
	{Pair: "USD/BRL OTC", OTC: true, Payout: 85, Enabled: true},
	{Pair: "AUD/NZD OTC", OTC: true, Payout: 65, Enabled: true},
	{Pair: "NZD/CHF OTC", OTC: true, Payout: 90, Enabled: false},
}

// Config tunes the simulated venue
type Config struct {
	WinRate        float64 // 0-1, probability that a trade wins
	Payout         float64 // percent; overrides the catalogue payout when > 0
	Balance        float64 // starting balance per profile
	MinLatency     int     // in milliseconds
	MaxLatency     int
	TimeScale      float64 // trade durations are divided by this
	ClockOffset    time.Duration
	Seed           int64
	WeekendClosure bool // regular (non-OTC) pairs are unavailable on weekends
}

type trade struct {
	id       string
	pair     string
	stake    float64
	payout   float64
	win      bool
	expires  time.Time
	settled  bool
	consumed bool
}

type account struct {
	mu      sync.Mutex
	balance float64
	trades  []*trade
}

// Provider hands out sessions backed by one simulated account per profile
type Provider struct {
	cfg       Config
	clock     timing.Clock
	sleep     timing.SleepFunc
	catalogue map[string]Instrument

	mu       sync.Mutex
	rng      *rand.Rand
	accounts map[string]*account
}

// NewProvider builds a paper venue. clock and sleep default to the system ones.
func NewProvider(cfg Config, clock timing.Clock, sleep timing.SleepFunc) *Provider {
	if clock == nil {
		clock = timing.SystemClock{}
	}
	if sleep == nil {
		sleep = timing.Sleep
	}
	if cfg.TimeScale <= 0 {
		cfg.TimeScale = 1
	}
	if cfg.MaxLatency < cfg.MinLatency {
		cfg.MaxLatency = cfg.MinLatency
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	catalogue := make(map[string]Instrument, len(defaultCatalogue))
	for _, inst := range defaultCatalogue {
		catalogue[normalizePair(inst.Pair)] = inst
	}

	return &Provider{
		cfg:       cfg,
		clock:     clock,
		sleep:     sleep,
		catalogue: catalogue,
		rng:       rand.New(rand.NewSource(seed)),
		accounts:  make(map[string]*account),
	}
}

// Open returns a session on the slot's profile account
func (p *Provider) Open(ctx context.Context, slot surface.Slot) (surface.Surface, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	acct, ok := p.accounts[slot.Profile]
	if !ok {
		acct = &account{balance: p.cfg.Balance}
		p.accounts[slot.Profile] = acct
	}
	p.mu.Unlock()

	log.Debug().
		Str("component", "paper").
		Str("slot", slot.String()).
		Msg("session opened")

	return &Session{
		provider: p,
		slot:     slot,
		account:  acct,
	}, nil
}

// Balance reports the current balance of profile, settling expired trades first
func (p *Provider) Balance(profile string) float64 {
	p.mu.Lock()
	acct, ok := p.accounts[profile]
	p.mu.Unlock()
	if !ok {
		return p.cfg.Balance
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	p.settle(acct)
	return acct.balance
}

func (p *Provider) roll() (win bool, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	win = p.rng.Float64() < p.cfg.WinRate
	ms := p.cfg.MinLatency
	if span := p.cfg.MaxLatency - p.cfg.MinLatency; span > 0 {
		ms += p.rng.Intn(span + 1)
	}
	return win, time.Duration(ms) * time.Millisecond
}

// settle credits every expired trade. Caller holds acct.mu.
func (p *Provider) settle(acct *account) {
	now := p.clock.Now()
	for _, t := range acct.trades {
		if t.settled || now.Before(t.expires) {
			continue
		}
		t.settled = true
		if t.win {
			acct.balance += grossReturn(t.stake, t.payout)
		}
	}
}

func (p *Provider) instrument(pair string) (Instrument, error) {
	inst, ok := p.catalogue[normalizePair(pair)]
	if !ok || !inst.Enabled {
		return Instrument{}, fmt.Errorf("%w: %s", surface.ErrInstrumentUnavailable, pair)
	}
	if p.cfg.WeekendClosure && !inst.OTC {
		if wd := p.clock.Now().Weekday(); wd == time.Saturday || wd == time.Sunday {
			return Instrument{}, fmt.Errorf("%w: %s market closed", surface.ErrInstrumentUnavailable, pair)
		}
	}
	if p.cfg.Payout > 0 {
		inst.Payout = p.cfg.Payout
	}
	return inst, nil
}

// Session is a paper trading session bound to one slot
type Session struct {
	provider *Provider
	slot     surface.Slot
	account  *account

	prepared   bool
	instrument Instrument
	duration   time.Duration
	stake      float64
	closed     bool
}

func (s *Session) PrepareInstrument(ctx context.Context, pair string, duration signal.Duration, stake float64) (float64, error) {
	if err := s.usable(ctx); err != nil {
		return 0, err
	}
	if err := s.latency(ctx); err != nil {
		return 0, err
	}

	label, err := duration.Label()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", surface.ErrUnsupportedDuration, err)
	}
	d, _ := duration.Parse()

	inst, err := s.provider.instrument(pair)
	if err != nil {
		return 0, err
	}
	if err := s.SetStake(ctx, stake); err != nil {
		return 0, err
	}

	s.prepared = true
	s.instrument = inst
	s.duration = d

	log.Debug().
		Str("component", "paper").
		Str("slot", s.slot.String()).
		Str("pair", inst.Pair).
		Str("duration", label).
		Float64("payout", inst.Payout).
		Msg("instrument prepared")

	return inst.Payout, nil
}

func (s *Session) SetStake(ctx context.Context, amount float64) error {
	if err := s.usable(ctx); err != nil {
		return err
	}
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return fmt.Errorf("invalid stake %v", amount)
	}
	s.stake = amount
	return nil
}

func (s *Session) PlaceTrade(ctx context.Context, direction signal.Direction) error {
	if err := s.usable(ctx); err != nil {
		return err
	}
	if !s.prepared {
		return surface.ErrNotPrepared
	}
	if !direction.Valid() {
		return fmt.Errorf("invalid direction %q", direction)
	}

	win, latency := s.provider.roll()
	if err := s.provider.sleep(ctx, latency); err != nil {
		return err
	}

	s.account.mu.Lock()
	defer s.account.mu.Unlock()

	s.provider.settle(s.account)
	if s.stake > s.account.balance {
		return fmt.Errorf("%w: stake %.2f, balance %.2f", surface.ErrInsufficientBalance, s.stake, s.account.balance)
	}

	now := s.provider.clock.Now()
	t := &trade{
		id:      uuid.New().String(),
		pair:    s.instrument.Pair,
		stake:   s.stake,
		payout:  s.instrument.Payout,
		win:     win,
		expires: now.Add(time.Duration(float64(s.duration) / s.provider.cfg.TimeScale)),
	}
	s.account.balance -= t.stake
	s.account.trades = append(s.account.trades, t)

	log.Info().
		Str("component", "paper").
		Str("slot", s.slot.String()).
		Str("trade_id", t.id).
		Str("pair", t.pair).
		Str("direction", string(direction)).
		Float64("stake", t.stake).
		Time("expires", t.expires).
		Msg("paper trade placed")

	return nil
}

func (s *Session) ReadClosedOutcome(ctx context.Context, pair string, expectedStake float64, timeout time.Duration) (*surface.Outcome, error) {
	if err := s.usable(ctx); err != nil {
		return nil, err
	}

	deadline := s.provider.clock.Now().Add(timeout)
	for {
		if out := s.takeClosed(pair, expectedStake); out != nil {
			return out, nil
		}
		if !s.provider.clock.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s stake %.2f", surface.ErrOutcomeNotFound, pair, expectedStake)
		}
		if err := s.provider.sleep(ctx, outcomePoll); err != nil {
			return nil, err
		}
	}
}

// takeClosed returns the newest settled, unread trade matching pair and stake.
func (s *Session) takeClosed(pair string, expectedStake float64) *surface.Outcome {
	s.account.mu.Lock()
	defer s.account.mu.Unlock()

	s.provider.settle(s.account)
	want := normalizePair(pair)
	for i := len(s.account.trades) - 1; i >= 0; i-- {
		t := s.account.trades[i]
		if !t.settled || t.consumed || normalizePair(t.pair) != want {
			continue
		}
		if math.Abs(t.stake-expectedStake) > surface.StakeTolerance {
			continue
		}
		t.consumed = true

		out := &surface.Outcome{
			TradeID:  t.id,
			Pair:     t.pair,
			Stake:    t.stake,
			Result:   surface.Loss,
			ClosedAt: t.expires,
		}
		if t.win {
			out.Result = surface.Win
			out.NetResult = grossReturn(t.stake, t.payout)
		}
		return out
	}
	return nil
}

func (s *Session) ReadBalance(ctx context.Context) (float64, error) {
	if err := s.usable(ctx); err != nil {
		return 0, err
	}
	s.account.mu.Lock()
	defer s.account.mu.Unlock()
	s.provider.settle(s.account)
	return math.Round(s.account.balance*100) / 100, nil
}

func (s *Session) ReadClock(ctx context.Context) (time.Time, error) {
	if err := s.usable(ctx); err != nil {
		return time.Time{}, err
	}
	return s.provider.clock.Now().Add(s.provider.cfg.ClockOffset), nil
}

func (s *Session) Close() error {
	s.closed = true
	return nil
}

func (s *Session) usable(ctx context.Context) error {
	if s.closed {
		return surface.ErrClosed
	}
	return ctx.Err()
}

func (s *Session) latency(ctx context.Context) error {
	_, d := s.provider.roll()
	return s.provider.sleep(ctx, d)
}

func grossReturn(stake, payout float64) float64 {
	return math.Round(stake*(1+payout/100)*100) / 100
}

func normalizePair(pair string) string {
	return strings.ToUpper(strings.Join(strings.Fields(pair), " "))
}
