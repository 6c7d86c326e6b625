package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-signals/internal/signal"
	"github.com/ksred/klear-signals/internal/timing"
)

var (
	pairs      = []string{"EUR/USD", "GBP/USD", "USD/JPY", "EUR/USD OTC", "GBP/JPY OTC"}
	directions = []signal.Direction{signal.Buy, signal.Sell}
)

type options struct {
	ServerAddress string        `env:"SIM_SERVER" envDefault:"http://localhost:8080"`
	APIKey        string        `env:"ADMIN_API_KEY" envDefault:"operator-api-key"`
	APISecret     string        `env:"ADMIN_API_SECRET" envDefault:"operator-api-secret"`
	Signals       int           `env:"SIM_SIGNALS" envDefault:"8"`
	Spread        time.Duration `env:"SIM_SPREAD" envDefault:"5m"`
	Duration      string        `env:"SIM_TRADE_DURATION" envDefault:"1 minute"`
	Levels        int           `env:"SIM_LEVELS" envDefault:"2"`
	PollEvery     time.Duration `env:"SIM_POLL" envDefault:"10s"`
	Deadline      time.Duration `env:"SIM_DEADLINE" envDefault:"20m"`
}

func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks latency for one admin endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) add(d time.Duration, err error) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if err != nil {
		rs.failures++
	}
}

// calculate returns min, max, mean and p95 latency.
func (rs *routeStats) calculate() (min, max, mean, p95 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0
	}
	sort.Slice(rs.durations, func(i, j int) bool { return rs.durations[i] < rs.durations[j] })

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	return rs.durations[0], rs.durations[len(rs.durations)-1], sum / time.Duration(len(rs.durations)), rs.durations[idx]
}

// simulationClient plays the ingestion producer against the admin API
type simulationClient struct {
	opts   options
	token  string
	client *http.Client

	mu    sync.Mutex
	stats map[string]*routeStats
}

func newSimulationClient(opts options) (*simulationClient, error) {
	sc := &simulationClient{
		opts:   opts,
		client: &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":   {name: "Authentication"},
			"create": {name: "Create Signal"},
			"today":  {name: "Today Signals"},
			"status": {name: "Trading Status"},
		},
	}

	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.token = token
	return sc, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// do sends one request and decodes the envelope's data into out.
func (sc *simulationClient) do(route, method, path string, in, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		sc.mu.Lock()
		sc.stats[route].add(time.Since(start), err)
		sc.mu.Unlock()
	}()

	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, sc.opts.ServerAddress+path, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sc.token != "" {
		req.Header.Set("Authorization", "Bearer "+sc.token)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var reply envelope
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, err)
	}
	if !reply.Success {
		msg := "unknown error"
		if reply.Error != nil {
			msg = reply.Error.Message
		}
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(reply.Data, out)
}

func (sc *simulationClient) authenticate() (string, error) {
	var result struct {
		Token string `json:"jwt_token"`
	}
	creds := map[string]string{"api_key": sc.opts.APIKey, "api_secret": sc.opts.APISecret}
	if err := sc.do("auth", http.MethodPost, "/api/v1/auth/token", creds, &result); err != nil {
		return "", err
	}
	return result.Token, nil
}

func (sc *simulationClient) createSignal(in map[string]interface{}) (*signal.Signal, error) {
	var out signal.Signal
	if err := sc.do("create", http.MethodPost, "/api/v1/signals", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (sc *simulationClient) today() ([]signal.Signal, error) {
	var out []signal.Signal
	err := sc.do("today", http.MethodGet, "/api/v1/signals/today", nil, &out)
	return out, err
}

func (sc *simulationClient) tradingStatus() (map[string]interface{}, error) {
	var out map[string]interface{}
	err := sc.do("status", http.MethodGet, "/api/v1/settings/trading-status", nil, &out)
	return out, err
}

func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 80))
	fmt.Printf("%-18s %8s %8s %10s %10s %10s %10s\n", "Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "P95")
	fmt.Println(strings.Repeat("-", 80))
	for _, key := range []string{"auth", "create", "today", "status"} {
		s := sc.stats[key]
		min, max, mean, p95 := s.calculate()
		fmt.Printf("%-18s %8d %8d %10s %10s %10s %10s\n",
			s.name, s.totalCalls, s.failures,
			min.Round(time.Millisecond), max.Round(time.Millisecond),
			mean.Round(time.Millisecond), p95.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 80))
}

// main posts a batch of signals spread over the next minutes and follows
// them until every one reaches a terminal state.
func main() {
	var opts options
	if err := env.Parse(&opts); err != nil {
		log.Fatal().Err(err).Msg("Invalid simulation options")
	}

	sc, err := newSimulationClient(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	now := time.Now()
	baseID := now.Unix() * 100
	ids := make(map[int64]bool, opts.Signals)
	for i := 0; i < opts.Signals; i++ {
		offset := time.Duration(i+1) * opts.Spread / time.Duration(opts.Signals+1)
		entry := timing.FormatClock(now.Add(time.Minute + offset).Truncate(time.Minute))
		in := map[string]interface{}{
			"message_id":        baseID + int64(i),
			"channel_type":      "simulation",
			"pair":              pairs[rand.Intn(len(pairs))],
			"direction":         directions[rand.Intn(len(directions))],
			"trade_duration":    opts.Duration,
			"entry_time":        entry,
			"martingale_levels": opts.Levels,
		}
		sig, err := sc.createSignal(in)
		if err != nil {
			log.Error().Err(err).Int("index", i).Msg("Failed to create signal")
			continue
		}
		ids[sig.MessageID] = true
		log.Info().
			Int64("message_id", sig.MessageID).
			Str("pair", sig.Pair).
			Str("direction", string(sig.Direction)).
			Str("entry", sig.EntryTime).
			Strs("martingale_times", sig.MartingaleTimes).
			Str("status", string(sig.Status)).
			Msg("Signal created")
	}
	if len(ids) == 0 {
		log.Fatal().Msg("No signals created")
	}

	deadline := time.Now().Add(opts.Deadline)
	var final []signal.Signal
	for time.Now().Before(deadline) {
		rows, err := sc.today()
		if err != nil {
			log.Error().Err(err).Msg("Failed to list signals")
			time.Sleep(opts.PollEvery)
			continue
		}

		final = final[:0]
		open := 0
		for _, s := range rows {
			if !ids[s.MessageID] {
				continue
			}
			final = append(final, s)
			if !signal.IsTerminal(s.Status) {
				open++
			}
		}
		if status, err := sc.tradingStatus(); err == nil {
			log.Info().
				Int("open", open).
				Interface("today_profit", status["today_profit"]).
				Interface("trading_allowed", status["trading_allowed"]).
				Msg("Polling signals")
		}
		if open == 0 {
			break
		}
		time.Sleep(opts.PollEvery)
	}

	sort.Slice(final, func(i, j int) bool { return final[i].MessageID < final[j].MessageID })
	fmt.Println("\nLadder Outcomes")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-14s %-12s %-5s %-6s %-10s %-7s %6s %9s %9s\n",
		"Message", "Pair", "Dir", "Entry", "Status", "Result", "Level", "Staked", "Profit")
	fmt.Println(strings.Repeat("-", 100))
	var staked, profit float64
	for _, s := range final {
		fmt.Printf("%-14d %-12s %-5s %-6s %-10s %-7s %6d %9.2f %9.2f\n",
			s.MessageID, s.Pair, s.Direction, s.EntryTime, s.Status, s.TradingResult, s.TradeLevel, s.TotalStaked, s.TotalProfit)
		staked += s.TotalStaked
		profit += s.TotalProfit
	}
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("Total staked: %.2f  Total profit: %.2f\n", staked, profit)

	sc.printPerformanceStats()
}
