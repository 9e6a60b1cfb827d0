// bench-upsert measures fact-upsert throughput and aggregate maintenance
// overhead on a real SQLite store. It seeds synthetic pipeline observations,
// replays them once more to time the steady-state reobservation path, and
// optionally times a full aggregate rebuild.
//
// Usage:
//
//	go run ./scripts/bench-upsert --rows 50000 --projects 20 \
//	  --profile-dir docs/profiles/upsert
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/pipewatch/pipewatch/internal/store"
)

const finishedShare = 0.85

var statuses = []string{"success", "success", "success", "failed", "canceled", "skipped"}

func main() {
	dbPath := flag.String("db", "", "Store path (empty = temp file, removed afterwards)")
	rows := flag.Int("rows", 50000, "Number of synthetic pipelines to upsert")
	projects := flag.Int("projects", 20, "Number of distinct projects")
	refs := flag.Int("refs", 4, "Number of distinct refs per project")
	days := flag.Int("days", 30, "Spread of created_at over this many days")
	profileDir := flag.String("profile-dir", "", "Directory to write heap/CPU profiles (empty = no profiles)")
	cpuProfile := flag.Bool("cpu-profile", false, "Write CPU profile to profile-dir/cpu.prof")
	rebuild := flag.Bool("rebuild", true, "Time a full aggregate rebuild after seeding")

	flag.Parse()

	if *profileDir != "" {
		if err := os.MkdirAll(*profileDir, 0o755); err != nil {
			log.Fatalf("mkdir profile-dir: %v", err)
		}
	}

	if *cpuProfile {
		if *profileDir == "" {
			log.Fatal("--cpu-profile requires --profile-dir")
		}

		cpuPath := filepath.Join(*profileDir, "cpu.prof")

		cpuFile, cpuErr := os.Create(cpuPath)
		if cpuErr != nil {
			log.Fatalf("create cpu profile: %v", cpuErr)
		}
		defer cpuFile.Close()

		if startErr := pprof.StartCPUProfile(cpuFile); startErr != nil {
			log.Fatalf("start cpu profile: %v", startErr)
		}

		defer pprof.StopCPUProfile()

		log.Printf("CPU profiling enabled -> %s", cpuPath)
	}

	path := *dbPath
	if path == "" {
		dir, err := os.MkdirTemp("", "bench-upsert-*")
		if err != nil {
			log.Fatalf("mkdtemp: %v", err)
		}
		defer os.RemoveAll(dir)

		path = filepath.Join(dir, "pipelines.db")
	}

	ctx := context.Background()

	st, err := store.Open(path)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	if err := st.Init(ctx); err != nil {
		log.Fatalf("init store: %v", err)
	}

	facts := synthesize(*rows, *projects, *refs, *days)
	log.Printf("seeding %d pipelines across %d projects, %d refs, %d days", len(facts), *projects, *refs, *days)

	logHeap("before seeding")
	timePass(ctx, st, facts, "initial upsert")
	logHeap("after seeding")

	// Replaying the same observations exercises the monitor's steady-state
	// path: every row hits the reconcile branch instead of the insert branch.
	timePass(ctx, st, facts, "reobservation")

	if *rebuild {
		start := time.Now()

		if err := st.RebuildAggregates(ctx, store.RebuildAll, nil); err != nil {
			log.Fatalf("rebuild aggregates: %v", err)
		}

		log.Printf("  [rebuild] full aggregate rebuild over %d rows in %v", *rows, time.Since(start).Round(time.Millisecond))
	}

	if *profileDir != "" {
		writeHeapProfile(filepath.Join(*profileDir, "heap-final.prof"))
	}

	count, err := st.CountPipelines(ctx)
	if err != nil {
		log.Fatalf("count pipelines: %v", err)
	}

	log.Printf("done: %d fact rows in store at %s", count, path)
}

func synthesize(rows, projects, refs, days int) []store.Pipeline {
	now := time.Now().Unix()
	facts := make([]store.Pipeline, 0, rows)

	for i := range rows {
		projectIdx := i % projects
		fullPath := fmt.Sprintf("bench/project-%02d", projectIdx)
		created := now - int64(i%(days*24))*3600

		p := store.Pipeline{
			ID:              int64(i + 1),
			ProjectID:       int64(projectIdx + 1),
			ProjectName:     fmt.Sprintf("project-%02d", projectIdx),
			ProjectFullPath: fullPath,
			RefName:         fmt.Sprintf("ref-%d", i%refs),
			SHA:             fmt.Sprintf("%040d", i),
			Status:          statuses[i%len(statuses)],
			CreatedAt:       created,
		}

		if float64(i%100)/100 < finishedShare {
			finished := created + int64(120+i%900)
			duration := finished - created
			p.FinishedAt = &finished
			p.Duration = &duration
		} else {
			p.Status = "running"
		}

		facts = append(facts, p)
	}

	return facts
}

func timePass(ctx context.Context, st *store.Store, facts []store.Pipeline, label string) {
	start := time.Now()

	for i := range facts {
		if err := st.UpsertPipeline(ctx, facts[i]); err != nil {
			log.Fatalf("%s: upsert row %d: %v", label, facts[i].ID, err)
		}
	}

	elapsed := time.Since(start)
	perSec := float64(len(facts)) / elapsed.Seconds()
	log.Printf("  [%s] %d rows in %v (%.0f rows/sec)", label, len(facts), elapsed.Round(time.Millisecond), perSec)
}

func logHeap(label string) {
	runtime.GC()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	log.Printf("  [heap] %-20s inuse=%6.1f MB  sys=%6.1f MB", label, float64(m.HeapInuse)/1e6, float64(m.HeapSys)/1e6)
}

func writeHeapProfile(path string) {
	runtime.GC()

	f, err := os.Create(path)
	if err != nil {
		log.Printf("warning: create heap profile %s: %v", path, err)

		return
	}
	defer f.Close()

	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Printf("warning: write heap profile: %v", err)

		return
	}

	log.Printf("heap profile -> %s", path)
}
