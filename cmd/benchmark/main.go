// Copyright 2025 uzqw
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"math/rand"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/prismcache/prismcache/internal/protocol"
)

var (
	host        string
	port        string
	concurrency int
	totalOps    int
	mode        string

	// Version is set at build time via ldflags
	Version = "dev"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "prismcache-benchmark",
		Short:   "Drive load against a running prismcache server",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			runBenchmark()
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "localhost", "Server host")
	cmd.Flags().StringVar(&port, "port", "6379", "Server port")
	cmd.Flags().IntVar(&concurrency, "concurrency", 50, "Number of concurrent connections")
	cmd.Flags().IntVar(&totalOps, "n", 10000, "Total number of operations")
	cmd.Flags().StringVar(&mode, "mode", "serve", "Benchmark mode: serve, indexpart or searchparts")
	return cmd
}

type BenchmarkResult struct {
	TotalOps     int
	TotalTime    time.Duration
	QPS          float64
	AvgLatency   time.Duration
	P50Latency   time.Duration
	P95Latency   time.Duration
	P99Latency   time.Duration
	MinLatency   time.Duration
	MaxLatency   time.Duration
	SuccessCount int64
	ErrorCount   int64
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Println(err)
	}
}

func runBenchmark() {
	fmt.Println("=== prismcache Benchmark ===")
	fmt.Printf("Mode:        %s\n", mode)
	fmt.Printf("Host:        %s:%s\n", host, port)
	fmt.Printf("Concurrency: %d\n", concurrency)
	fmt.Printf("Total Ops:   %d\n", totalOps)
	fmt.Println("---")

	var result *BenchmarkResult
	switch mode {
	case "serve":
		result = runServeBenchmark()
	case "indexpart":
		result = runIndexPartBenchmark()
	case "searchparts":
		result = runSearchPartsBenchmark()
	default:
		fmt.Printf("Unknown mode: %s\n", mode)
		return
	}

	printResult(result)
}

// runServeBenchmark drives SERVE promptId text, exercising the full
// vectorize -> strategy-selection -> dispatch pipeline per request.
func runServeBenchmark() *BenchmarkResult {
	var wg sync.WaitGroup
	var successCount, errorCount atomic.Int64
	latencies := make([]time.Duration, totalOps)
	opsPerWorker := totalOps / concurrency

	startTime := time.Now()

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			conn, err := net.Dial("tcp", net.JoinHostPort(host, port))
			if err != nil {
				errorCount.Add(int64(opsPerWorker))
				return
			}
			defer conn.Close()

			writer := protocol.NewRESPWriter(conn)
			reader := protocol.NewRESPReader(conn)

			for j := 0; j < opsPerWorker; j++ {
				idx := workerID*opsPerWorker + j
				promptID := fmt.Sprintf("prompt:%d", idx)
				text := randomPrompt(idx)

				opStart := time.Now()

				cmd := []string{"SERVE", promptID, text}
				if err := sendCommand(writer, cmd); err != nil {
					errorCount.Add(1)
					continue
				}
				if _, err := reader.ReadCommand(); err != nil {
					errorCount.Add(1)
					continue
				}

				latency := time.Since(opStart)
				latencies[idx] = latency
				successCount.Add(1)
			}
		}(i)
	}

	wg.Wait()
	totalTime := time.Since(startTime)

	return calculateResult(latencies, totalTime, successCount.Load(), errorCount.Load())
}

// runIndexPartBenchmark drives INDEXPART, populating the part indexer
// with synthetic segmented parts.
func runIndexPartBenchmark() *BenchmarkResult {
	partTypes := []string{"foreground", "background", "detail", "global"}

	var wg sync.WaitGroup
	var successCount, errorCount atomic.Int64
	latencies := make([]time.Duration, totalOps)
	opsPerWorker := totalOps / concurrency

	startTime := time.Now()

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			conn, err := net.Dial("tcp", net.JoinHostPort(host, port))
			if err != nil {
				errorCount.Add(int64(opsPerWorker))
				return
			}
			defer conn.Close()

			writer := protocol.NewRESPWriter(conn)
			reader := protocol.NewRESPReader(conn)

			for j := 0; j < opsPerWorker; j++ {
				idx := workerID*opsPerWorker + j
				id := fmt.Sprintf("part:%d", idx)
				typ := partTypes[idx%len(partTypes)]
				text := randomPrompt(idx)
				blob := "aGVsbG8=" // "hello" base64

				opStart := time.Now()

				cmd := []string{"INDEXPART", id, typ, text, blob, "0.9", "bench"}
				if err := sendCommand(writer, cmd); err != nil {
					errorCount.Add(1)
					continue
				}
				if _, err := reader.ReadCommand(); err != nil {
					errorCount.Add(1)
					continue
				}

				latency := time.Since(opStart)
				latencies[idx] = latency
				successCount.Add(1)
			}
		}(i)
	}

	wg.Wait()
	totalTime := time.Since(startTime)

	return calculateResult(latencies, totalTime, successCount.Load(), errorCount.Load())
}

// runSearchPartsBenchmark first populates the index, then drives
// SEARCHPARTS to measure weighted-cosine retrieval throughput.
func runSearchPartsBenchmark() *BenchmarkResult {
	fmt.Println("Preparing data for searchparts benchmark...")
	preparePartData()

	var wg sync.WaitGroup
	var successCount, errorCount atomic.Int64
	latencies := make([]time.Duration, totalOps)
	opsPerWorker := totalOps / concurrency

	startTime := time.Now()

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			conn, err := net.Dial("tcp", net.JoinHostPort(host, port))
			if err != nil {
				errorCount.Add(int64(opsPerWorker))
				return
			}
			defer conn.Close()

			writer := protocol.NewRESPWriter(conn)
			reader := protocol.NewRESPReader(conn)

			for j := 0; j < opsPerWorker; j++ {
				idx := workerID*opsPerWorker + j
				text := randomPrompt(idx)

				opStart := time.Now()

				cmd := []string{"SEARCHPARTS", text, "10", "0.0"}
				if err := sendCommand(writer, cmd); err != nil {
					errorCount.Add(1)
					continue
				}
				if _, err := reader.ReadCommand(); err != nil {
					errorCount.Add(1)
					continue
				}

				latency := time.Since(opStart)
				latencies[idx] = latency
				successCount.Add(1)
			}
		}(i)
	}

	wg.Wait()
	totalTime := time.Since(startTime)

	return calculateResult(latencies, totalTime, successCount.Load(), errorCount.Load())
}

func preparePartData() {
	conn, err := net.Dial("tcp", net.JoinHostPort(host, port))
	if err != nil {
		fmt.Printf("Failed to connect: %s\n", err)
		return
	}
	defer conn.Close()

	writer := protocol.NewRESPWriter(conn)
	reader := protocol.NewRESPReader(conn)

	partTypes := []string{"foreground", "background", "detail", "global"}
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("part:%d", i)
		typ := partTypes[i%len(partTypes)]
		text := randomPrompt(i)

		cmd := []string{"INDEXPART", id, typ, text, "aGVsbG8=", "0.9", "bench"}
		if err := sendCommand(writer, cmd); err != nil {
			continue
		}
		_, _ = reader.ReadCommand()
	}

	fmt.Println("Data preparation complete.")
}

var subjects = []string{"cat", "dragon", "castle", "robot", "forest", "spaceship", "wizard", "mountain"}
var attributes = []string{"red", "ancient", "glowing", "tiny", "massive", "shattered", "golden"}
var styles = []string{"watercolor", "cyberpunk", "impressionist", "noir", "minimalist"}

// randomPrompt builds a deterministic-per-index, semantically varied
// prompt so VECTORIZE/SERVE/SEARCHPARTS exercise more than one token per
// layer.
func randomPrompt(seed int) string {
	r := rand.New(rand.NewSource(int64(seed)))
	return fmt.Sprintf("a %s %s %s in %s style",
		attributes[r.Intn(len(attributes))],
		subjects[r.Intn(len(subjects))],
		subjects[r.Intn(len(subjects))],
		styles[r.Intn(len(styles))],
	)
}

func sendCommand(writer *protocol.RESPWriter, cmd []string) error {
	if err := writer.WriteArray(cmd); err != nil {
		return err
	}
	return writer.Flush()
}

func calculateResult(latencies []time.Duration, totalTime time.Duration, successCount, errorCount int64) *BenchmarkResult {
	validLatencies := make([]time.Duration, 0, successCount)
	for _, l := range latencies {
		if l > 0 {
			validLatencies = append(validLatencies, l)
		}
	}

	if len(validLatencies) == 0 {
		return &BenchmarkResult{
			TotalOps:     totalOps,
			TotalTime:    totalTime,
			SuccessCount: successCount,
			ErrorCount:   errorCount,
		}
	}

	sort.Slice(validLatencies, func(i, j int) bool {
		return validLatencies[i] < validLatencies[j]
	})

	var totalLatency time.Duration
	for _, l := range validLatencies {
		totalLatency += l
	}

	n := len(validLatencies)
	result := &BenchmarkResult{
		TotalOps:     totalOps,
		TotalTime:    totalTime,
		QPS:          float64(successCount) / totalTime.Seconds(),
		AvgLatency:   totalLatency / time.Duration(n),
		P50Latency:   validLatencies[n*50/100],
		P95Latency:   validLatencies[min(n*95/100, n-1)],
		P99Latency:   validLatencies[min(n*99/100, n-1)],
		MinLatency:   validLatencies[0],
		MaxLatency:   validLatencies[n-1],
		SuccessCount: successCount,
		ErrorCount:   errorCount,
	}

	return result
}

func printResult(result *BenchmarkResult) {
	fmt.Println()
	fmt.Println("=== Benchmark Results ===")
	fmt.Printf("Total Time:    %v\n", result.TotalTime)
	fmt.Printf("QPS:           %.0f ops/sec\n", result.QPS)
	fmt.Printf("Success:       %d\n", result.SuccessCount)
	fmt.Printf("Errors:        %d\n", result.ErrorCount)
	fmt.Println()
	fmt.Println("Latency Statistics:")
	fmt.Printf("  Min:         %v\n", result.MinLatency)
	fmt.Printf("  Avg:         %v\n", result.AvgLatency)
	fmt.Printf("  P50:         %v\n", result.P50Latency)
	fmt.Printf("  P95:         %v\n", result.P95Latency)
	fmt.Printf("  P99:         %v\n", result.P99Latency)
	fmt.Printf("  Max:         %v\n", result.MaxLatency)
}
