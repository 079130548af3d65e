package client

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/ratelimit"

	"github.com/yuuki/rdmakv/internal/wire"
)

// BenchOptions controls a benchmark run.
type BenchOptions struct {
	// Requests is the number of PUT/GET pairs to issue.
	Requests int
	// Rate caps requests per second. Zero or less means unlimited.
	Rate int
	// KeySpace is the number of distinct keys cycled through.
	KeySpace int
	// ValueSize is the length of every stored value.
	ValueSize int
}

// BenchResult summarizes a run. Latencies cover single requests.
type BenchResult struct {
	Requests int
	Errors   int
	Misses   int
	Duration time.Duration
	P50      time.Duration
	P90      time.Duration
	P99      time.Duration
	Max      time.Duration
}

// Throughput returns completed requests per second.
func (r BenchResult) Throughput() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Requests-r.Errors) / r.Duration.Seconds()
}

// Bench issues PUT then GET for each of opts.Requests keys, paced by a
// rate limiter. It stops at the first transport error, since the
// connection is unusable afterwards, and returns what was measured.
func (c *Client) Bench(ctx context.Context, opts BenchOptions) (BenchResult, error) {
	if opts.Requests <= 0 {
		return BenchResult{}, fmt.Errorf("requests must be positive, got %d", opts.Requests)
	}
	if opts.KeySpace <= 0 {
		opts.KeySpace = opts.Requests
	}

	limiter := ratelimit.NewUnlimited()
	if opts.Rate > 0 {
		limiter = ratelimit.New(opts.Rate, ratelimit.WithoutSlack)
	}
	value := strings.Repeat("v", min(max(opts.ValueSize, 1), wire.MaxFieldLen))

	var res BenchResult
	latencies := make([]time.Duration, 0, 2*opts.Requests)
	start := time.Now()

	measure := func(fn func() error) error {
		limiter.Take()
		t0 := time.Now()
		err := fn()
		res.Requests++
		if err != nil {
			res.Errors++
			return err
		}
		latencies = append(latencies, time.Since(t0))
		return nil
	}

	var runErr error
	for i := 0; i < opts.Requests; i++ {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		key := fmt.Sprintf("bench-%d", i%opts.KeySpace)
		if err := measure(func() error {
			_, err := c.Put(ctx, key, value)
			return err
		}); err != nil {
			runErr = err
			break
		}
		if err := measure(func() error {
			_, found, err := c.Get(ctx, key)
			if err == nil && !found {
				res.Misses++
			}
			return err
		}); err != nil {
			runErr = err
			break
		}
	}
	res.Duration = time.Since(start)

	slices.Sort(latencies)
	res.P50 = percentile(latencies, 0.50)
	res.P90 = percentile(latencies, 0.90)
	res.P99 = percentile(latencies, 0.99)
	if len(latencies) > 0 {
		res.Max = latencies[len(latencies)-1]
	}

	log.Debug().
		Int("requests", res.Requests).
		Int("errors", res.Errors).
		Dur("duration", res.Duration).
		Dur("p50", res.P50).
		Dur("p99", res.P99).
		Msg("Benchmark finished")
	return res, runErr
}

// percentile returns the nearest-rank percentile of sorted.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(float64(len(sorted))*p+0.5) - 1
	rank = min(max(rank, 0), len(sorted)-1)
	return sorted[rank]
}
