// Benchmark tool for measuring Kestrel against labeled Bitcoin transfers.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/labeled.csv -url http://localhost:8080
//	go run ./cmd/benchmark -synthetic 5000 -url http://localhost:8080
//
// The CSV needs a header with: tx_id, from, to, value_sats, illicit. Optional
// columns: chain_id, fee_sats, timestamp (RFC 3339).
//
// This tool:
//  1. Reads labeled transfers, or generates synthetic ones
//  2. Sends each to POST /score
//  3. Treats ESCALATE as a positive verdict and compares it with the label
//  4. Reports precision, recall, F1, the HOLD rate and latency
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LabeledTx is one transfer with its ground-truth label.
type LabeledTx struct {
	Request domain.TransactionRequest
	Illicit bool
}

// ScoreResponse is the subset of the /score response the benchmark reads.
type ScoreResponse struct {
	Sequence uint64 `json:"sequence"`
	Decision struct {
		Outcome domain.Outcome `json:"outcome"`
		Score   float64        `json:"score"`
	} `json:"decision"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Illicit escalated
	FalsePositives int64 // Clean escalated
	TrueNegatives  int64 // Clean not escalated
	FalseNegatives int64 // Illicit not escalated

	Holds int64

	TotalProcessed int64
	TotalIllicit   int64
	TotalClean     int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to labeled transfer CSV")
	synthetic := flag.Int("synthetic", 0, "Generate this many synthetic transfers instead of reading a CSV")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	chainID := flag.String("chain", "bitcoin", "Default chain id")
	limit := flag.Int("limit", 10000, "Maximum transfers to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each transfer result")
	flag.Parse()

	if *csvPath == "" && *synthetic <= 0 {
		fmt.Println("Usage: benchmark (-csv /path/to/labeled.csv | -synthetic N) [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║            KESTREL BENCHMARK - Labeled BTC Transfers          ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nKestrel URL: %s\n", *baseURL)
	fmt.Printf("Chain:       %s\n", *chainID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	var (
		transfers []LabeledTx
		err       error
	)
	if *csvPath != "" {
		fmt.Printf("\nReading transfers from %s...\n", *csvPath)
		transfers, err = readCSV(*csvPath, *chainID, *limit)
		if err != nil {
			fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
			os.Exit(1)
		}
	} else {
		transfers = generate(*chainID, *synthetic)
	}
	fmt.Printf("✓ Loaded %d transfers\n", len(transfers))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(transfers, *baseURL, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/ready")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}
	return nil
}

func readCSV(path, defaultChain string, limit int) ([]LabeledTx, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"tx_id", "from", "to", "value_sats", "illicit"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	column := func(record []string, name string) string {
		if i, ok := colIndex[name]; ok && i < len(record) {
			return strings.TrimSpace(record[i])
		}
		return ""
	}

	var transfers []LabeledTx
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		value, err := strconv.ParseInt(column(record, "value_sats"), 10, 64)
		if err != nil {
			continue
		}
		fee, _ := strconv.ParseInt(column(record, "fee_sats"), 10, 64)

		chainID := column(record, "chain_id")
		if chainID == "" {
			chainID = defaultChain
		}

		req := domain.TransactionRequest{
			ChainID: chainID,
			TxID:    column(record, "tx_id"),
			Inputs:  []domain.TxInput{{Address: column(record, "from"), Value: value + fee}},
			Outputs: []domain.TxOutput{{Address: column(record, "to"), Value: value}},
			Fee:     fee,
		}
		if ts, err := time.Parse(time.RFC3339, column(record, "timestamp")); err == nil {
			req.Timestamp = &ts
		}

		label := column(record, "illicit")
		transfers = append(transfers, LabeledTx{
			Request: req,
			Illicit: label == "1" || strings.EqualFold(label, "true"),
		})

		if limit > 0 && len(transfers) >= limit {
			break
		}
	}

	return transfers, nil
}

// generate builds n transfers. About one in twenty is a structured fan-out
// labeled illicit; the rest are small single-payee payments.
func generate(chainID string, n int) []LabeledTx {
	rng := rand.New(rand.NewPCG(42, uint64(n)))
	now := time.Now().UTC()

	transfers := make([]LabeledTx, n)
	for i := range transfers {
		ts := now.Add(time.Duration(i) * time.Second)
		req := domain.TransactionRequest{
			ChainID:   chainID,
			TxID:      fmt.Sprintf("synthetic-%08d", i),
			Timestamp: &ts,
			Fee:       1_000,
		}

		illicit := rng.IntN(20) == 0
		if illicit {
			var total int64
			for j := 0; j < 25; j++ {
				v := 950_000_000 + rng.Int64N(40_000_000)
				req.Outputs = append(req.Outputs, domain.TxOutput{
					Address: fmt.Sprintf("bc1q-mule-%d-%d", i, j),
					Value:   v,
				})
				total += v
			}
			req.Inputs = []domain.TxInput{{Address: fmt.Sprintf("bc1q-source-%d", rng.IntN(5)), Value: total + req.Fee}}
		} else {
			v := 10_000 + rng.Int64N(5_000_000)
			req.Inputs = []domain.TxInput{{Address: fmt.Sprintf("bc1q-wallet-%d", rng.IntN(500)), Value: v + req.Fee}}
			req.Outputs = []domain.TxOutput{{Address: fmt.Sprintf("bc1q-merchant-%d", rng.IntN(50)), Value: v}}
		}

		transfers[i] = LabeledTx{Request: req, Illicit: illicit}
	}
	return transfers
}

func runBenchmark(transfers []LabeledTx, baseURL string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan LabeledTx, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for tx := range work {
				start := time.Now()
				result, err := scoreTransaction(client, baseURL, tx.Request)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", tx.Request.TxID, err)
					}
					continue
				}

				if tx.Illicit {
					atomic.AddInt64(&metrics.TotalIllicit, 1)
				} else {
					atomic.AddInt64(&metrics.TotalClean, 1)
				}

				outcome := result.Decision.Outcome
				if outcome == domain.OutcomeHold {
					atomic.AddInt64(&metrics.Holds, 1)
				}

				predicted := outcome == domain.OutcomeEscalate
				switch {
				case predicted && tx.Illicit:
					atomic.AddInt64(&metrics.TruePositives, 1)
				case predicted && !tx.Illicit:
					atomic.AddInt64(&metrics.FalsePositives, 1)
				case !predicted && !tx.Illicit:
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				default:
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "✓"
					if predicted != tx.Illicit {
						status = "✗"
					}
					fmt.Printf("%s %-20s | Outputs: %3d | Illicit: %-5v | Kestrel: %-8s (%.3f) | Seq: %d\n",
						status,
						tx.Request.TxID,
						len(tx.Request.Outputs),
						tx.Illicit,
						outcome,
						result.Decision.Score,
						result.Sequence,
					)
				}
			}
		}()
	}

	for _, tx := range transfers {
		work <- tx
	}
	close(work)

	wg.Wait()

	return metrics
}

func scoreTransaction(client *http.Client, baseURL string, req domain.TransactionRequest) (*ScoreResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var result ScoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Illicit:          %d\n", m.TotalIllicit)
	fmt.Printf("   Clean:            %d\n", m.TotalClean)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                  ESCALATE    OTHER")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  I  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("           C  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	precision := ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
	recall := ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	scored := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	accuracy := ratio(m.TruePositives+m.TrueNegatives, scored)

	fmt.Printf("\nDETECTION\n")
	fmt.Printf("   Precision:  %.4f\n", precision)
	fmt.Printf("   Recall:     %.4f\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)
	fmt.Printf("   Hold Rate:  %.4f  (sent to manual review)\n", ratio(m.Holds, scored))

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f tx/sec\n", tps)
	}

	fmt.Println()
}

func ratio(n, d int64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
