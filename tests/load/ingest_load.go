// Load generator for the ingestion path. Pushes message batches
// through the public API at bounded concurrency, reports enqueue
// latency, then watches the queue drain.
package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	chronograph "github.com/chronograph-engine/sdk/go"
)

var (
	baseURL    = flag.String("url", "http://localhost:8000", "Service base URL")
	concurrent = flag.Int("concurrent", 50, "In-flight enqueue requests")
	batches    = flag.Int("batches", 500, "Total message batches to push")
	batchSize  = flag.Int("batch-size", 3, "Messages per batch")
	groups     = flag.Int("groups", 8, "Distinct group ids to spread load over")
	timeout    = flag.Duration("timeout", 10*time.Second, "Per-request timeout")
	drainWait  = flag.Duration("drain-wait", 5*time.Minute, "How long to watch the queue drain")
)

type result struct {
	requestID int
	success   bool
	latency   time.Duration
	taskCount int
	err       string
}

var phrases = []string{
	"started a new role at the observatory",
	"moved from Lisbon to Porto in the spring",
	"prefers tea over coffee since the checkup",
	"adopted a greyhound named Biscuit",
	"switched the team to a four day week",
	"sold the old workshop on Harbor Street",
	"began studying marine biology at night",
	"met the supplier behind the ceramics line",
}

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	client := chronograph.NewClient(chronograph.ClientConfig{
		BaseURL: *baseURL,
		Timeout: *timeout,
	})
	ctx := context.Background()

	if err := client.Healthcheck(ctx); err != nil {
		logger.Fatal("Service not reachable", zap.Error(err))
	}

	logger.Info("Starting ingestion load",
		zap.String("url", *baseURL),
		zap.Int("concurrent", *concurrent),
		zap.Int("batches", *batches),
		zap.Int("batch_size", *batchSize))

	results := make([]result, *batches)
	sem := make(chan struct{}, *concurrent)
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *batches; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(id int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[id] = pushBatch(ctx, client, id)
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	report(logger, results, elapsed)
	watchDrain(ctx, client, logger)
}

func pushBatch(ctx context.Context, client *chronograph.Client, id int) result {
	msgs := make([]chronograph.Message, *batchSize)
	for j := range msgs {
		speaker := fmt.Sprintf("user-%d", id%17)
		phrase := phrases[(id+j)%len(phrases)]
		msgs[j] = chronograph.Message{
			Role:     speaker,
			RoleType: "user",
			Content:  fmt.Sprintf("%s %s (batch %d)", speaker, phrase, id),
		}
	}

	start := time.Now()
	resp, err := client.AddMessages(ctx, &chronograph.AddMessagesRequest{
		GroupID:  fmt.Sprintf("load-%d", id%*groups),
		Messages: msgs,
	})
	r := result{requestID: id, latency: time.Since(start)}
	if err != nil {
		r.err = err.Error()
		return r
	}
	r.success = true
	r.taskCount = len(resp.TaskIDs)
	return r
}

func report(logger *zap.Logger, results []result, elapsed time.Duration) {
	succeeded, tasks := 0, 0
	var total, min, max time.Duration
	min = time.Duration(1<<63 - 1)

	for _, r := range results {
		if !r.success {
			continue
		}
		succeeded++
		tasks += r.taskCount
		total += r.latency
		if r.latency < min {
			min = r.latency
		}
		if r.latency > max {
			max = r.latency
		}
	}

	avg := time.Duration(0)
	if succeeded > 0 {
		avg = total / time.Duration(succeeded)
	}
	logger.Info("Enqueue phase complete",
		zap.Int("succeeded", succeeded),
		zap.Int("failed", len(results)-succeeded),
		zap.Int("tasks_queued", tasks),
		zap.Duration("avg_latency", avg),
		zap.Duration("min_latency", min),
		zap.Duration("max_latency", max),
		zap.Float64("batches_per_second", float64(len(results))/elapsed.Seconds()))

	for _, r := range results {
		if !r.success {
			logger.Warn("Failed batch", zap.Int("request", r.requestID), zap.String("error", r.err))
		}
	}
}

// watchDrain polls queue metrics until the backlog reaches zero or the
// wait budget runs out. In inline mode there is no queue to watch and
// the first poll reports empty.
func watchDrain(ctx context.Context, client *chronograph.Client, logger *zap.Logger) {
	deadline := time.Now().Add(*drainWait)
	for {
		metrics, err := client.QueueMetrics(ctx)
		if err != nil {
			logger.Error("Queue metrics unavailable", zap.Error(err))
			return
		}
		depth := backlog(metrics)
		logger.Info("Queue backlog", zap.Int64("depth", depth))
		if depth == 0 {
			logger.Info("Queue drained")
			return
		}
		if time.Now().After(deadline) {
			logger.Warn("Drain wait exhausted", zap.Int64("remaining", depth))
			return
		}
		time.Sleep(2 * time.Second)
	}
}

func backlog(metrics map[string]interface{}) int64 {
	var depth int64
	if ready, ok := metrics["ready"].([]interface{}); ok {
		for _, v := range ready {
			if n, ok := v.(float64); ok {
				depth += int64(n)
			}
		}
	}
	if n, ok := metrics["in_flight"].(float64); ok {
		depth += int64(n)
	}
	return depth
}
