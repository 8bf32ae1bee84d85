package main

import (
	"bytes"
	"context"
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

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-swap/internal/config"
	"github.com/ksred/klear-swap/internal/server"
	"github.com/ksred/klear-swap/internal/types"
	"github.com/ksred/klear-swap/internal/venue"
)

const (
	minOrders     = 15
	maxOrders     = 150
	numWorkers    = 5
	serverAddress = "http://localhost:8080"

	// how long a failed order is watched for a retry before it counts as failed
	retryGrace   = 5 * time.Second
	orderTimeout = 60 * time.Second
)

var tokenOuts = map[string]string{
	"USDC": "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
	"USDT": "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB",
	"BONK": "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263",
}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks latency statistics for one API call or lifecycle stage
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// outcome is what the simulation learned about one order by watching its stream
type outcome struct {
	orderID string
	final   types.Status
	venue   string
	source  string
	retries int
	err     string
}

// simulationClient drives the swap API over HTTP and follows orders over WebSocket
type simulationClient struct {
	baseURL   string
	wsURL     string
	authToken string
	client    *http.Client
	dialer    *websocket.Dialer

	mu    sync.Mutex
	stats map[string]*routeStats
	order []string
}

// newSimulationClient creates and initializes a new simulation client
// It authenticates with the API and prepares performance tracking
func newSimulationClient(baseURL string) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: baseURL,
		wsURL:   strings.Replace(baseURL, "http", "ws", 1) + "/ws",
		client:  &http.Client{Timeout: 10 * time.Second},
		dialer:  &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		stats:   make(map[string]*routeStats),
	}
	for _, s := range []struct{ key, name string }{
		{"auth", "Authentication"},
		{"create", "Submit Order"},
		{"subscribe", "Subscribe"},
		{"routing", "Queue -> Routing"},
		{"building", "Routing -> Building"},
		{"confirmed", "Submitted -> Final"},
		{"total", "End to End"},
		{"status", "Get Order"},
	} {
		sc.stats[s.key] = &routeStats{name: s.name}
		sc.order = append(sc.order, s.key)
	}

	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	return sc, nil
}

func (sc *simulationClient) record(key string, d time.Duration, err error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err != nil {
		sc.stats[key].failures++
		return
	}
	sc.stats[key].addDuration(d)
}

// envelope mirrors the API response wrapper
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (sc *simulationClient) do(method, path string, body any, headers map[string]string, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sc.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+sc.authToken)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if !env.Success {
		if env.Error != nil {
			return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, env.Error.Message)
		}
		return fmt.Errorf("%s %s failed with status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

// authenticate exchanges the configured API credentials for a JWT
func (sc *simulationClient) authenticate() (string, error) {
	start := time.Now()

	var result struct {
		Token string `json:"jwt_token"`
	}
	err := sc.do(http.MethodPost, "/api/v1/auth/token", map[string]string{
		"api_key":    envOr("SWAP_API_KEY", "test-api-key"),
		"api_secret": envOr("SWAP_API_SECRET", "test-api-secret"),
	}, nil, &result)
	sc.record("auth", time.Since(start), err)
	if err != nil {
		return "", err
	}
	return result.Token, nil
}

// submitOrder posts a swap intent and returns the admission
func (sc *simulationClient) submitOrder(req types.SwapRequest) (*types.AdmissionResponse, error) {
	start := time.Now()

	var admitted types.AdmissionResponse
	err := sc.do(http.MethodPost, "/api/v1/orders", req, map[string]string{
		"Idempotency-Key": uuid.New().String(),
	}, &admitted)
	sc.record("create", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return &admitted, nil
}

// getOrder fetches the persisted order view
func (sc *simulationClient) getOrder(orderID string) (map[string]any, error) {
	start := time.Now()

	var view map[string]any
	err := sc.do(http.MethodGet, "/api/v1/orders/"+orderID, nil, nil, &view)
	sc.record("status", time.Since(start), err)
	return view, err
}

// follow watches one order's stream until it settles. A failed event is final only
// if no retry arrives within retryGrace.
func (sc *simulationClient) follow(admitted *types.AdmissionResponse, submittedAt time.Time) outcome {
	res := outcome{orderID: admitted.OrderID, final: types.StatusFailed}

	start := time.Now()
	ws, _, err := sc.dialer.Dial(sc.wsURL, nil)
	if err != nil {
		sc.record("subscribe", 0, err)
		res.err = err.Error()
		return res
	}
	defer ws.Close()

	if err := ws.WriteJSON(map[string]string{"action": "subscribe", "token": admitted.AuthToken, "orderId": admitted.OrderID}); err != nil {
		sc.record("subscribe", 0, err)
		res.err = err.Error()
		return res
	}
	var ack map[string]any
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := ws.ReadJSON(&ack); err != nil || ack["status"] != "subscribed" {
		if err == nil {
			err = fmt.Errorf("subscribe rejected: %v", ack)
		}
		sc.record("subscribe", 0, err)
		res.err = err.Error()
		return res
	}
	sc.record("subscribe", time.Since(start), nil)

	deadline := submittedAt.Add(orderTimeout)
	var routingAt, submittedStage time.Time
	sawFailure := false
	for {
		readUntil := deadline
		if sawFailure {
			readUntil = time.Now().Add(retryGrace)
		}
		_ = ws.SetReadDeadline(readUntil)

		var ev types.LifecycleEvent
		if err := ws.ReadJSON(&ev); err != nil {
			if !sawFailure {
				res.err = err.Error()
			}
			sc.record("total", 0, fmt.Errorf("order %s ended %s", res.orderID, res.final))
			return res
		}

		now := time.Now()
		switch ev.Status {
		case types.StatusPending:
			if sawFailure {
				res.retries++
				sawFailure = false
			}
		case types.StatusRouting:
			routingAt = now
			sc.record("routing", now.Sub(submittedAt), nil)
		case types.StatusBuilding:
			if !routingAt.IsZero() {
				sc.record("building", now.Sub(routingAt), nil)
			}
			if v, ok := ev.Meta["venue"].(string); ok {
				res.venue = v
			}
			if s, ok := ev.Meta["quoteSource"].(string); ok {
				res.source = s
			}
		case types.StatusSubmitted:
			submittedStage = now
		case types.StatusConfirmed:
			if res.venue == "" {
				// settled before the subscription opened; only the stored state arrives
				res.venue, _ = ev.Meta["venue"].(string)
				res.source, _ = ev.Meta["quoteSource"].(string)
			}
			if !submittedStage.IsZero() {
				sc.record("confirmed", now.Sub(submittedStage), nil)
			}
			sc.record("total", now.Sub(submittedAt), nil)
			res.final = types.StatusConfirmed
			res.err = ""
			return res
		case types.StatusFailed:
			if !submittedStage.IsZero() {
				sc.record("confirmed", now.Sub(submittedStage), nil)
			}
			res.err = ev.Error
			sawFailure = true
		}
	}
}

// printPerformanceStats prints one latency row per API call and lifecycle stage
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\n📊 Latency Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Stage", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	sc.mu.Lock()
	defer sc.mu.Unlock()
	for _, key := range sc.order {
		stats := sc.stats[key]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main runs the swap simulation
// Unless SWAP_SIM_TARGET points at a running deployment, it starts a local server
// with an in-memory store and drives concurrent clients against it
func main() {
	baseURL := os.Getenv("SWAP_SIM_TARGET")
	if baseURL == "" {
		baseURL = serverAddress
		srv, err := startServer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				log.Error().Err(err).Msg("Server shutdown failed")
			}
		}()

		// Wait for server to start
		time.Sleep(500 * time.Millisecond)
	}

	simClient, err := newSimulationClient(baseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Str("target", baseURL).Msg("Starting simulation")

	startTime := time.Now()
	outcomes := make(chan outcome, targetOrders)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			submitOrders(workerID, targetOrders/numWorkers, simClient, outcomes)
		}(i)
	}

	wg.Wait()
	close(outcomes)

	stats := struct {
		TotalOrders int
		Confirmed   int
		Failed      int
		Retries     int
		Venues      map[string]int
		Sources     map[string]int
		Errors      map[string]int
	}{
		Venues:  make(map[string]int),
		Sources: make(map[string]int),
		Errors:  make(map[string]int),
	}

	var sample string
	for res := range outcomes {
		stats.TotalOrders++
		stats.Retries += res.retries
		if res.final == types.StatusConfirmed {
			stats.Confirmed++
			stats.Venues[res.venue]++
			stats.Sources[res.source]++
			sample = res.orderID
			continue
		}
		stats.Failed++
		stats.Errors[res.err]++
	}

	if sample != "" {
		if view, err := simClient.getOrder(sample); err == nil {
			log.Info().
				Str("order_id", sample).
				Interface("status", view["status"]).
				Interface("executed_out", view["executedOut"]).
				Interface("tx_hash", view["txHash"]).
				Msg("Sample order")
		}
	}

	duration := time.Since(startTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("🚀 SWAP SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
📊 Order Statistics
------------------
Total Orders:     %d
Confirmed:        %d
Failed:           %d
Retries Seen:     %d
Duration:         %v

📈 Venue Distribution
--------------------
`, stats.TotalOrders, stats.Confirmed, stats.Failed, stats.Retries, duration.Round(time.Millisecond))

	printBars(stats.Venues)

	fmt.Println("\n📉 Quote Source")
	fmt.Println("------------------")
	printBars(stats.Sources)

	if len(stats.Errors) > 0 {
		fmt.Println("\n⚠️  Failures")
		fmt.Println("------------------")
		for msg, count := range stats.Errors {
			fmt.Printf("%4d  %s\n", count, msg)
		}
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	successRate := 0.0
	if stats.TotalOrders > 0 {
		successRate = float64(stats.Confirmed) / float64(stats.TotalOrders) * 100
	}
	log.Info().
		Float64("success_rate", successRate).
		Int("total_orders", stats.TotalOrders).
		Int("confirmed", stats.Confirmed).
		Int("retries", stats.Retries).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// printBars prints a simple ASCII bar chart
func printBars(counts map[string]int) {
	maxCount := 0
	for _, count := range counts {
		if count > maxCount {
			maxCount = count
		}
	}
	for label, count := range counts {
		barLength := int(float64(count) / float64(maxCount) * 20)
		fmt.Printf("%-10s: %s (%d)\n", label, strings.Repeat("█", barLength), count)
	}
}

// submitOrders generates random native -> token swaps and follows each to completion
// Runs as a worker goroutine, sending one outcome per submitted order
func submitOrders(workerID, numOrders int, simClient *simulationClient, outcomes chan<- outcome) {
	symbols := make([]string, 0, len(tokenOuts))
	for symbol := range tokenOuts {
		symbols = append(symbols, symbol)
	}

	var followers sync.WaitGroup
	for i := 0; i < numOrders; i++ {
		symbol := symbols[rand.Intn(len(symbols))]
		slippage := float64(rand.Intn(100)+1) / 100
		req := types.SwapRequest{
			TokenIn:  venue.NativeMint,
			TokenOut: tokenOuts[symbol],
			AmountIn: fmt.Sprintf("%d", (rand.Intn(5000)+1)*1_000_000),
			Slippage: &slippage,
			UserID:   fmt.Sprintf("CLIENT_%d", workerID),
		}

		submittedAt := time.Now()
		admitted, err := simClient.submitOrder(req)
		if err != nil {
			log.Error().Err(err).
				Int("worker_id", workerID).
				Str("token_out", symbol).
				Msg("Failed to submit order")
			continue
		}

		log.Info().
			Int("worker_id", workerID).
			Str("order_id", admitted.OrderID).
			Str("token_out", symbol).
			Str("amount_in", req.AmountIn).
			Msg("Order submitted")

		followers.Add(1)
		go func() {
			defer followers.Done()
			res := simClient.follow(admitted, submittedAt)
			log.Info().
				Str("order_id", res.orderID).
				Str("status", string(res.final)).
				Str("venue", res.venue).
				Int("retries", res.retries).
				Str("error", res.err).
				Msg("Order settled")
			outcomes <- res
		}()

		// Random sleep between orders
		time.Sleep(time.Duration(rand.Intn(500)) * time.Millisecond)
	}
	followers.Wait()
}

// startServer runs a local swap server with workers on the default port
func startServer() (*server.Server, error) {
	cfg := config.Default()
	cfg.Database.DSN = "file:simulation?mode=memory&cache=shared"
	cfg.Server.RateLimit = false
	cfg.Router.Simulation = envOr("SWAP_SIMULATION", "false") == "true"

	srv, err := server.New(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize server: %w", err)
	}
	srv.StartWorkers()

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Fatal().Err(err).Msg("listen")
		}
	}()
	return srv, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
