package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hubenschmidt/finguard-observability/internal/trace"
	"github.com/hubenschmidt/finguard-observability/internal/ws"
)

// responseTimeout bounds how long a caller waits for one answer.
const responseTimeout = 60 * time.Second

var defaultQuestions = []string{
	"Why was my payment declined?",
	"How long do refunds take?",
	"What are forex charges?",
	"Why was I charged twice?",
	"What are the transaction limits?",
}

type loadtestOptions struct {
	url         string
	concurrency int
	duration    time.Duration
	questions   string
}

func newLoadtestCmd() *cobra.Command {
	opts := loadtestOptions{}
	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Drive concurrent websocket sessions and report latency percentiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			questions := defaultQuestions
			if opts.questions != "" {
				q, err := readQuestions(opts.questions)
				if err != nil {
					return err
				}
				questions = q
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Load test: %d concurrent sessions for %s\n", opts.concurrency, opts.duration)
			fmt.Fprintf(out, "Target: %s | Questions: %d\n\n", opts.url, len(questions))

			results := runLoad(cmd.Context(), opts, questions)
			printSummary(out, results)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "ws://localhost:8000/ws/query", "query websocket URL")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 10, "number of concurrent sessions")
	cmd.Flags().DurationVar(&opts.duration, "duration", 30*time.Second, "test duration")
	cmd.Flags().StringVar(&opts.questions, "questions", "", "file with one question per line")
	return cmd
}

type queryResult struct {
	success      bool
	hallucinated bool
	totalMs      float64
	embeddingMs  float64
	searchMs     float64
	llmMs        float64
	err          string
}

func runLoad(ctx context.Context, opts loadtestOptions, questions []string) []queryResult {
	ctx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	var mu sync.Mutex
	var results []queryResult
	record := func(r queryResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	}

	var g errgroup.Group
	for range opts.concurrency {
		g.Go(func() error {
			runSession(ctx, opts.url, questions, record)
			return nil
		})
	}
	g.Wait()
	return results
}

// runSession keeps one websocket open and asks questions until ctx ends. A
// broken connection is redialed.
func runSession(ctx context.Context, url string, questions []string, record func(queryResult)) {
	for ctx.Err() == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			if ctx.Err() == nil {
				record(queryResult{err: fmt.Sprintf("dial: %v", err)})
				time.Sleep(time.Second)
			}
			continue
		}
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		askUntilDone(ctx, conn, questions, record)
		stop()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
}

func askUntilDone(ctx context.Context, conn *websocket.Conn, questions []string, record func(queryResult)) {
	for ctx.Err() == nil {
		q := questions[rand.IntN(len(questions))]
		r := ask(conn, q)
		if ctx.Err() != nil {
			return
		}
		record(r)
		if strings.HasPrefix(r.err, "send") || strings.HasPrefix(r.err, "read") {
			return
		}
	}
}

// ask sends one query frame and waits for its response or error event.
func ask(conn *websocket.Conn, question string) queryResult {
	frame, _ := json.Marshal(map[string]string{"type": ws.MsgQuery, "text": question})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return queryResult{err: fmt.Sprintf("send: %v", err)}
	}

	conn.SetReadDeadline(time.Now().Add(responseTimeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return queryResult{err: fmt.Sprintf("read: %v", err)}
		}
		var ev ws.Event
		if err = json.Unmarshal(data, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "response":
			return resultFrom(ev.Metrics)
		case "error":
			return queryResult{err: ev.Text}
		}
	}
}

func resultFrom(m *trace.Metrics) queryResult {
	if m == nil {
		return queryResult{err: "response without metrics"}
	}
	return queryResult{
		success:      true,
		hallucinated: m.HallucinationDetected,
		totalMs:      m.TotalLatencyMs,
		embeddingMs:  m.EmbeddingMs,
		searchMs:     m.SearchMs,
		llmMs:        m.LLMMs,
	}
}

func readQuestions(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	if err = sc.Err(); err != nil {
		return nil, fmt.Errorf("read questions: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no questions in %s", path)
	}
	return out, nil
}

func printSummary(w io.Writer, results []queryResult) {
	var succeeded, failed, hallucinated int
	var totalAll, embedAll, searchAll, llmAll []float64

	for _, r := range results {
		if !r.success {
			failed++
			continue
		}
		succeeded++
		if r.hallucinated {
			hallucinated++
		}
		totalAll = append(totalAll, r.totalMs)
		embedAll = append(embedAll, r.embeddingMs)
		searchAll = append(searchAll, r.searchMs)
		llmAll = append(llmAll, r.llmMs)
	}

	fmt.Fprintf(w, "\n=== Load Test Results ===\n")
	fmt.Fprintf(w, "Queries completed: %d\n", succeeded)
	fmt.Fprintf(w, "Queries failed:    %d\n", failed)

	if succeeded == 0 {
		fmt.Fprintln(w, "No successful queries to report metrics")
		return
	}
	fmt.Fprintf(w, "Hallucination rate: %.1f%%\n", 100*float64(hallucinated)/float64(succeeded))

	fmt.Fprintf(w, "\n%-9s %8s %8s %8s\n", "Stage", "p50", "p95", "p99")
	for _, row := range []struct {
		name string
		data []float64
	}{
		{"Embedding", embedAll},
		{"Search", searchAll},
		{"LLM", llmAll},
		{"Total", totalAll},
	} {
		fmt.Fprintf(w, "%-9s %6.0fms %6.0fms %6.0fms\n", row.name,
			percentile(row.data, 50), percentile(row.data, 95), percentile(row.data, 99))
	}
}

// percentile uses the nearest-rank method. data is sorted in place.
func percentile(data []float64, pct float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sort.Float64s(data)
	idx := int(math.Ceil(pct/100*float64(len(data)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(data) {
		idx = len(data) - 1
	}
	return data[idx]
}
