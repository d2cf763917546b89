package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	accounts    int
	prefix      string
	verify      bool
)

// Metrics
var (
	totalRequests  uint64
	success200     uint64 // Idempotent replays
	success201     uint64 // Created
	fail422        uint64 // Insufficient credits
	fail429        uint64 // Rate limited
	failOther      uint64
	creditedByUser sync.Map // user id -> *int64 net credits from 201s
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot | replay")
	flag.IntVar(&accounts, "accounts", 1000, "Number of seeded accounts")
	flag.StringVar(&prefix, "prefix", "bench-user", "Seeded user id prefix")
	flag.BoolVar(&verify, "verify", false, "Check final balances against accepted mutations")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	client := &http.Client{Timeout: 5 * time.Second}

	var before map[string]int64
	if verify {
		before = snapshot(client)
	}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, client, start)
	}

	wg.Wait()
	elapsed := time.Since(start)

	mismatches := 0
	if verify {
		mismatches = check(client, before)
	}
	printResults(elapsed, mismatches)
}

func worker(wg *sync.WaitGroup, client *http.Client, start time.Time) {
	defer wg.Done()

	for time.Since(start) < duration {
		user := pickUser()
		typ, amount, paymentID := pickMutation()

		payload := map[string]any{
			"userId":    user,
			"amount":    amount,
			"type":      typ,
			"paymentId": paymentID,
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest("POST", targetURL+"/api/v1/credits", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusCreated:
			atomic.AddUint64(&success201, 1)
			delta := amount
			if typ == "spend" {
				delta = -amount
			}
			v, _ := creditedByUser.LoadOrStore(user, new(int64))
			atomic.AddInt64(v.(*int64), delta)
		case http.StatusOK:
			atomic.AddUint64(&success200, 1)
		case http.StatusUnprocessableEntity:
			atomic.AddUint64(&fail422, 1)
		case http.StatusTooManyRequests:
			atomic.AddUint64(&fail429, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func pickUser() string {
	if workload == "hotspot" && rand.Float32() < 0.90 {
		// Hotspot: 90% of traffic goes to the first two accounts
		return userID(rand.Intn(2) + 1)
	}
	return userID(rand.Intn(accounts) + 1)
}

// pickMutation mixes topups and spends. The replay workload draws payment ids
// from a small pool so most requests hit the duplicate path.
func pickMutation() (string, int64, string) {
	if workload == "replay" {
		n := rand.Intn(50)
		return "topup", 100, fmt.Sprintf("bench-replay-%d", n)
	}
	if rand.Float32() < 0.5 {
		return "spend", 50, ""
	}
	return "topup", 100, fmt.Sprintf("bench-%d-%d", rand.Int63(), time.Now().UnixNano())
}

func userID(n int) string {
	return fmt.Sprintf("%s-%04d", prefix, n)
}

func snapshot(client *http.Client) map[string]int64 {
	balances := make(map[string]int64, accounts)
	for i := 1; i <= accounts; i++ {
		b, err := balance(client, userID(i))
		if err != nil {
			log.Fatalf("Snapshot failed for %s: %v", userID(i), err)
		}
		balances[userID(i)] = b
	}
	return balances
}

// check compares each touched account against its snapshot plus the
// mutations the API accepted.
func check(client *http.Client, before map[string]int64) int {
	mismatches := 0
	creditedByUser.Range(func(k, v any) bool {
		user := k.(string)
		want := before[user] + atomic.LoadInt64(v.(*int64))
		got, err := balance(client, user)
		if err != nil {
			log.Printf("Balance check failed for %s: %v", user, err)
			mismatches++
			return true
		}
		if got != want {
			log.Printf("Balance mismatch for %s: got %d want %d", user, got, want)
			mismatches++
		}
		return true
	})
	return mismatches
}

func balance(client *http.Client, user string) (int64, error) {
	resp, err := client.Get(targetURL + "/api/v1/credits/" + user)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("status %d", resp.StatusCode)
	}
	var out struct {
		Balance int64 `json:"balance"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

func printResults(d time.Duration, mismatches int) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	s200 := atomic.LoadUint64(&success200)
	f422 := atomic.LoadUint64(&fail422)
	f429 := atomic.LoadUint64(&fail429)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	var replayRate float64
	if total > 0 {
		replayRate = float64(s200) / float64(total) * 100
	}

	results := map[string]any{
		"workload":             workload,
		"duration_sec":         d.Seconds(),
		"total_requests":       total,
		"throughput_tps":       tps,
		"success_created":      s201,
		"success_replay":       s200,
		"replay_rate_pct":      replayRate,
		"insufficient_credits": f422,
		"rate_limited":         f429,
		"errors":               fErr,
		"balance_mismatches":   mismatches,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("Unable to write %s: %v", filename, err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
