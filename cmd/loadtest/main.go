// loadtest hammers a running license gateway and reports request
// latency, checking that repeated authorized requests return
// byte-identical license bodies.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type result struct {
	duration time.Duration
	status   int
	body     []byte
	err      error
}

func main() {
	var (
		gatewayURL = flag.String("gateway-url", "http://localhost:8080", "License gateway URL")
		token      = flag.String("token", "devtoken", "License token to present")
		duration   = flag.Duration("duration", 30*time.Second, "Test duration")
		workers    = flag.Int("workers", 5, "Number of worker goroutines")
		verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	url := fmt.Sprintf("%s/license?token=%s", *gatewayURL, *token)
	logger.WithFields(logrus.Fields{
		"url":      *gatewayURL,
		"workers":  *workers,
		"duration": *duration,
	}).Info("Starting license load test")

	deadline := time.Now().Add(*duration)
	results := make(chan result, 1024)

	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}
			for time.Now().Before(deadline) {
				start := time.Now()
				resp, err := client.Get(url)
				r := result{duration: time.Since(start), err: err}
				if err == nil {
					r.status = resp.StatusCode
					r.body, _ = io.ReadAll(resp.Body)
					resp.Body.Close()
				}
				results <- r
			}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var (
		latencies []time.Duration
		errors    int
		nonOK     int
		reference []byte
		drift     int
	)
	for r := range results {
		if r.err != nil {
			errors++
			logger.WithError(r.err).Debug("Request failed")
			continue
		}
		latencies = append(latencies, r.duration)
		if r.status != http.StatusOK {
			nonOK++
			continue
		}
		if reference == nil {
			reference = r.body
		} else if !bytes.Equal(reference, r.body) {
			// The license for one active record must be byte-identical
			// on every request.
			drift++
		}
	}

	if len(latencies) == 0 {
		logger.Error("No successful requests")
		os.Exit(1)
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	logger.WithFields(logrus.Fields{
		"requests": len(latencies),
		"errors":   errors,
		"non_200":  nonOK,
		"p50":      latencies[len(latencies)/2],
		"p95":      latencies[len(latencies)*95/100],
		"p99":      latencies[len(latencies)*99/100],
	}).Info("Load test complete")

	if drift > 0 {
		logger.WithField("count", drift).Error("License responses were not byte-identical")
		os.Exit(1)
	}
}
