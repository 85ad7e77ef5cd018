package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aridsondez/pubsub-delivery/pkg/client"
	"github.com/aridsondez/pubsub-delivery/pkg/worker"
)

const (
	baseURL      = "http://localhost:8080"
	workerAddr   = ":9191"
	endpoint     = "http://localhost:9191/deliver"
	colorReset   = "\033[0m"
	colorRed     = "\033[31m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorBlue    = "\033[34m"
	colorMagenta = "\033[35m"
	colorCyan    = "\033[36m"
	colorBold    = "\033[1m"
)

// recorder is a subscriber that can be told to fail, and remembers what it got.
type recorder struct {
	failing atomic.Bool
	mu      sync.Mutex
	got     []string
}

func (r *recorder) handle(_ context.Context, msg *worker.Message) error {
	if r.failing.Load() {
		return errors.New("endpoint unavailable")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, fmt.Sprintf("p%d:%s", msg.Priority, strings.Trim(string(msg.Data), `"`)))
	return nil
}

func (r *recorder) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func main() {
	printHeader()

	// Check server is running
	if !checkServer() {
		fmt.Printf("%s✗ Server not running. Please run 'make run' first.%s\n", colorRed, colorReset)
		os.Exit(1)
	}

	fmt.Printf("%s✓ Server is running%s\n\n", colorGreen, colorReset)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	w := worker.New(worker.Config{Addr: workerAddr})
	w.Handle("demo-ordering", rec.handle)
	go func() { _ = w.Run(ctx) }()
	time.Sleep(200 * time.Millisecond)

	c := client.NewClient(baseURL)

	// Run demo scenarios
	fmt.Printf("%s=== Pub/Sub Delivery Demo ===%s\n\n", colorBold+colorCyan, colorReset)

	scenario1_PriorityOrdering(ctx, c, rec)
	time.Sleep(2 * time.Second)

	displayMetrics()

	_ = c.Unsubscribe(ctx, "demo-ordering")
	printFooter()
}

func printHeader() {
	fmt.Print(colorCyan + colorBold)
	fmt.Println("╔════════════════════════════════════════════════════════════╗")
	fmt.Println("║         PUB/SUB DELIVERY - INTERACTIVE DEMO               ║")
	fmt.Println("║         Ordered Delivery with Backoff & Retry             ║")
	fmt.Println("╚════════════════════════════════════════════════════════════╝")
	fmt.Print(colorReset)
	fmt.Println()
}

func printFooter() {
	fmt.Println()
	fmt.Print(colorCyan)
	fmt.Println("╔════════════════════════════════════════════════════════════╗")
	fmt.Println("║                    Demo Complete!                         ║")
	fmt.Println("║  View live metrics at: http://localhost:8080/metrics      ║")
	fmt.Println("╚════════════════════════════════════════════════════════════╝")
	fmt.Print(colorReset)
}

func checkServer() bool {
	resp, err := http.Get(baseURL + "/healthz")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == 200
}

func scenario1_PriorityOrdering(ctx context.Context, c *client.Client, rec *recorder) {
	printScenario("Scenario 1: Failing Endpoint → Backoff → Ordered Drain")

	// 1. Subscribe while the endpoint is down
	rec.failing.Store(true)
	fmt.Printf("%s→ Subscribing 'demo-ordering' with a failing endpoint...%s\n", colorYellow, colorReset)
	if _, err := c.Subscribe(ctx, "demo-ordering", endpoint); err != nil {
		fmt.Printf("%s  ✗ %v%s\n", colorRed, err, colorReset)
		return
	}

	// 2. Publish low priority first
	fmt.Printf("%s→ Publishing p1, p5, p9 (in that order)...%s\n", colorYellow, colorReset)
	for _, p := range []int{1, 5, 9} {
		_, err := c.Publish(ctx, []string{"demo-ordering"}, []client.Message{{
			Body:     fmt.Sprintf("msg-%d", p),
			Priority: client.Priority(p),
		}}, &client.PublishOptions{Durable: true})
		if err != nil {
			fmt.Printf("%s  ✗ %v%s\n", colorRed, err, colorReset)
			return
		}
	}
	time.Sleep(2 * time.Second)

	sub, err := c.GetSubscription(ctx, "demo-ordering")
	if err == nil {
		fmt.Printf("%s  ✓ %d pending, task is %s%s\n", colorGreen, sub.Pending, sub.State, colorReset)
	}

	// 3. Bring the endpoint back
	fmt.Printf("%s→ Endpoint recovers; waiting for the backoff to elapse (up to 25s)...%s\n", colorYellow, colorReset)
	rec.failing.Store(false)

	deadline := time.Now().Add(25 * time.Second)
	for time.Now().Before(deadline) && len(rec.received()) < 3 {
		time.Sleep(500 * time.Millisecond)
	}

	got := rec.received()
	if len(got) < 3 {
		fmt.Printf("%s  ✗ Only received %v%s\n", colorRed, got, colorReset)
		return
	}
	fmt.Printf("%s  ✓ Delivered in order: %s%s\n", colorGreen, strings.Join(got, " → "), colorReset)
}

func displayMetrics() {
	printScenario("Live Prometheus Metrics")

	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		fmt.Printf("%s✗ Failed to fetch metrics%s\n", colorRed, colorReset)
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	lines := strings.Split(string(body), "\n")

	metrics := []string{
		"pubsub_messages_enqueued_total",
		"pubsub_messages_delivered_total",
		"pubsub_delivery_failures_total",
		"pubsub_confirm_failures_total",
		"pubsub_messages_dead_lettered_total",
		"pubsub_active_subscriptions",
		"pubsub_sweeper_duration_seconds_count",
	}

	for _, line := range lines {
		for _, metric := range metrics {
			if strings.HasPrefix(line, metric) && !strings.Contains(line, "#") {
				// Colorize the output
				parts := strings.Split(line, " ")
				if len(parts) == 2 {
					fmt.Printf("%s%-50s%s %s%s%s\n",
						colorCyan, parts[0], colorReset,
						colorGreen+colorBold, parts[1], colorReset)
				}
			}
		}
	}

	fmt.Printf("\n%sView full metrics: %shttp://localhost:8080/metrics%s\n",
		colorYellow, colorBlue+colorBold, colorReset)
}

func printScenario(title string) {
	fmt.Printf("%s%s┌─────────────────────────────────────────────────────────────┐%s\n",
		colorBold, colorMagenta, colorReset)
	fmt.Printf("%s%s│ %-59s │%s\n",
		colorBold, colorMagenta, title, colorReset)
	fmt.Printf("%s%s└─────────────────────────────────────────────────────────────┘%s\n",
		colorBold, colorMagenta, colorReset)
}
