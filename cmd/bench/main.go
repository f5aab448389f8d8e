package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"github.com/aretw0/strata"
	"github.com/aretw0/strata/pkg/core"
	"github.com/aretw0/strata/pkg/storage"
)

func main() {
	count := flag.Int("count", 1000, "Number of rows to generate")
	backend := flag.String("backend", strata.DefaultBackend, "Storage engine to benchmark")
	keep := flag.Bool("keep", false, "Keep the benchmark datasets after running")
	flag.Parse()

	benchDir, err := os.MkdirTemp("", "strata_bench_")
	if err != nil {
		panic(err)
	}
	defer func() {
		if !*keep {
			os.RemoveAll(benchDir)
		} else {
			fmt.Printf("Keeping bench dir: %s\n", benchDir)
		}
	}()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx := context.Background()

	origin, err := strata.Init(ctx, filepath.Join(benchDir, "origin"),
		strata.WithBackend(*backend),
		strata.WithLogger(logger),
	)
	if err != nil {
		panic(err)
	}
	defer origin.Close()

	// 1. Writes
	fmt.Printf("Writing %d rows (%s)...\n", *count, *backend)
	startPut := time.Now()
	for i := 0; i < *count; i++ {
		doc := core.Document{
			ID: fmt.Sprintf("row-%06d", i),
			Fields: core.Fields{
				"title": fmt.Sprintf("Row %d", i),
				"n":     float64(i),
				"tags":  []any{"benchmark", "test"},
			},
		}
		if _, err := origin.Put(ctx, doc, core.PutOptions{}); err != nil {
			panic(err)
		}
	}
	putDuration := time.Since(startPut)

	// 2. Full scan
	startScan := time.Now()
	it := origin.ReadStream(storage.ReadOptions{})
	scanned := 0
	for it.Next(ctx) {
		scanned++
	}
	if err := it.Err(); err != nil {
		panic(err)
	}
	it.Close()
	scanDuration := time.Since(startScan)

	// 3. Replication over HTTP
	srv := httptest.NewServer(origin.Handler())
	defer srv.Close()

	startClone := time.Now()
	clone, err := strata.Clone(ctx, srv.URL, filepath.Join(benchDir, "clone"),
		strata.WithBackend(*backend),
		strata.WithLogger(logger),
	)
	if err != nil {
		panic(err)
	}
	defer clone.Close()
	cloneDuration := time.Since(startClone)
	cloned, _ := clone.RowCount()

	fmt.Printf("--------------------------------------------------\n")
	fmt.Printf("Benchmark Result (%d rows, %s):\n", *count, *backend)
	fmt.Printf("  Put:   %v (%.0f rows/s)\n", putDuration, rate(*count, putDuration))
	fmt.Printf("  Scan:  %v (%d rows)\n", scanDuration, scanned)
	fmt.Printf("  Clone: %v (%d rows, %.0f rows/s)\n", cloneDuration, cloned, rate(cloned, cloneDuration))
	fmt.Printf("--------------------------------------------------\n")
}

func rate(n int, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / d.Seconds()
}
