// Command epigonosctl administers population directories: it initializes
// roots and run configs, reports population and archive state, follows
// record churn live, and drives a self-contained demo evolution.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"epigonos/internal/evo"
	"epigonos/internal/individual"
	"epigonos/internal/popid"
	"epigonos/internal/population"
	"epigonos/internal/recorder"
	"epigonos/internal/stats"
	epiapi "epigonos/pkg/epigonos"
)

const (
	defaultRoot       = "populations"
	defaultDBPath     = "epigonos.db"
	defaultConfigName = "run.yaml"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "status":
		return runStatus(ctx, args[1:])
	case "leaderboard":
		return runLeaderboard(ctx, args[1:])
	case "halloffame":
		return runHallOfFame(ctx, args[1:])
	case "lineage":
		return runLineage(ctx, args[1:])
	case "diagnostics":
		return runDiagnostics(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "monitor":
		return runMonitor(ctx, args[1:])
	case "run":
		return runRun(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func runInit(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	root := fs.String("root", defaultRoot, "population root directory")
	configPath := fs.String("config", "", "run config path (default <root>/run.yaml)")
	name := fs.String("name", "demo", "population name for the generated config")
	environment := fs.String("environment", "byte-sum", "environment name for the generated config")
	force := fs.Bool("force", false, "overwrite an existing run config")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := os.MkdirAll(*root, 0o755); err != nil {
		return err
	}
	path := *configPath
	if path == "" {
		path = filepath.Join(*root, defaultConfigName)
	}
	cfg := defaultRunConfig()
	cfg.Name = popid.Normalize(*name)
	cfg.Environment = popid.Normalize(*environment)
	if cfg.Name == "" || cfg.Environment == "" {
		return errors.New("population and environment names must be non-empty")
	}
	if err := writeRunConfig(path, cfg, *force); err != nil {
		return err
	}

	fmt.Printf("initialized root=%s config=%s\n", *root, path)
	return nil
}

func runStatus(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	root := fs.String("root", defaultRoot, "population root directory")
	popName := fs.String("population", "", "population name")
	jsonOut := fs.Bool("json", false, "emit status as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *popName == "" {
		return errors.New("status requires --population")
	}

	name := popid.Normalize(*popName)
	dir := filepath.Join(*root, name)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("no population directory: %w", err)
	}

	store, err := population.New(population.Config{
		Dir:      dir,
		Strategy: population.StrategyUnbounded,
	})
	if err != nil {
		return err
	}
	members, err := store.Members()
	if err != nil {
		return err
	}
	species := make(map[string]struct{}, len(members))
	bestScore := 0.0
	bestName := ""
	for _, member := range members {
		species[member.Species] = struct{}{}
		if bestName == "" || member.Score > bestScore {
			bestScore = member.Score
			bestName = member.Name
		}
	}
	ascension, generation, counters, err := evo.ReadCounters(dir)
	if err != nil {
		return err
	}
	usage, records, newest, err := scanRecords(dir)
	if err != nil {
		return err
	}

	if *jsonOut {
		type statusOut struct {
			Population  string  `json:"population"`
			Members     int     `json:"members"`
			Species     int     `json:"species"`
			Generation  uint64  `json:"generation"`
			Ascension   uint64  `json:"ascension"`
			BestName    string  `json:"best_name,omitempty"`
			BestScore   float64 `json:"best_score,omitempty"`
			Records     int     `json:"records"`
			DiskBytes   uint64  `json:"disk_bytes"`
			NewestAtUTC string  `json:"newest_record_at_utc,omitempty"`
		}
		out := statusOut{
			Population: name,
			Members:    len(members),
			Species:    len(species),
			Generation: generation,
			Ascension:  ascension,
			BestName:   bestName,
			BestScore:  bestScore,
			Records:    records,
			DiskBytes:  usage,
		}
		if !newest.IsZero() {
			out.NewestAtUTC = newest.UTC().Format(time.RFC3339)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Printf("population=%s members=%d species=%d", name, len(members), len(species))
	if counters {
		fmt.Printf(" generation=%d ascension=%d", generation, ascension)
	}
	if bestName != "" {
		fmt.Printf(" best=%.6f best_name=%s", bestScore, bestName)
	}
	fmt.Println()

	newestDisplay := "n/a"
	if !newest.IsZero() {
		newestDisplay = humanize.Time(newest)
	}
	fmt.Printf("records=%d disk=%s newest_record=%s\n",
		records, humanize.Bytes(usage), newestDisplay)
	return nil
}

// scanRecords walks a population directory, totalling file sizes and
// finding the newest record file.
func scanRecords(dir string) (usage uint64, records int, newest time.Time, err error) {
	err = filepath.WalkDir(dir, func(_ string, entry os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if entry.IsDir() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		usage += uint64(info.Size())
		if strings.HasSuffix(entry.Name(), individual.Ext) {
			records++
			if info.ModTime().After(newest) {
				newest = info.ModTime()
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, time.Time{}, err
	}
	return usage, records, newest, nil
}

func runLeaderboard(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("leaderboard", flag.ContinueOnError)
	root := fs.String("root", defaultRoot, "population root directory")
	popName := fs.String("population", "", "population name")
	size := fs.Int("size", 10, "leaderboard capacity to load")
	jsonOut := fs.Bool("json", false, "emit entries as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *popName == "" {
		return errors.New("leaderboard requires --population")
	}
	if *size <= 0 {
		return errors.New("size must be > 0")
	}

	dir := filepath.Join(*root, popid.Normalize(*popName))
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("no population directory: %w", err)
	}
	rec, err := recorder.New(recorder.Config{Dir: dir, LeaderboardSize: *size})
	if err != nil {
		return err
	}
	return renderEntries(rec.Leaderboard(), "no leaderboard entries", *jsonOut)
}

func runHallOfFame(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("halloffame", flag.ContinueOnError)
	root := fs.String("root", defaultRoot, "population root directory")
	popName := fs.String("population", "", "population name")
	size := fs.Int("size", 10, "per-cohort hall of fame capacity to load")
	jsonOut := fs.Bool("json", false, "emit entries as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *popName == "" {
		return errors.New("halloffame requires --population")
	}
	if *size <= 0 {
		return errors.New("size must be > 0")
	}

	dir := filepath.Join(*root, popid.Normalize(*popName))
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("no population directory: %w", err)
	}
	rec, err := recorder.New(recorder.Config{Dir: dir, HallOfFameSize: *size})
	if err != nil {
		return err
	}
	return renderEntries(rec.HallOfFame(), "no hall of fame entries", *jsonOut)
}

func renderEntries(entries []recorder.Entry, emptyMsg string, jsonOut bool) error {
	if len(entries) == 0 {
		fmt.Println(emptyMsg)
		return nil
	}
	if jsonOut {
		type entryOut struct {
			Rank      int     `json:"rank"`
			Name      string  `json:"name"`
			Score     float64 `json:"score"`
			Ascension uint64  `json:"ascension"`
		}
		out := make([]entryOut, 0, len(entries))
		for i, entry := range entries {
			out = append(out, entryOut{
				Rank:      i + 1,
				Name:      entry.Name,
				Score:     entry.Score,
				Ascension: entry.Ascension,
			})
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	for i, entry := range entries {
		fmt.Printf("rank=%d name=%s score=%.6f ascension=%d\n",
			i+1, entry.Name, entry.Score, entry.Ascension)
	}
	return nil
}

func runLineage(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("lineage", flag.ContinueOnError)
	root := fs.String("root", defaultRoot, "population root directory")
	popName := fs.String("population", "", "population name")
	limit := fs.Int("limit", 50, "max lineage rows to print (0 for all)")
	storeKind := fs.String("store", "", "archive backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	jsonOut := fs.Bool("json", false, "emit records as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *popName == "" {
		return errors.New("lineage requires --population")
	}
	if *limit < 0 {
		return errors.New("limit must be >= 0")
	}

	client, err := epiapi.New(epiapi.Options{
		Root:      *root,
		StoreKind: *storeKind,
		DBPath:    *dbPath,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	records, err := client.Lineage(ctx, epiapi.LineageRequest{
		Population: *popName,
		Limit:      *limit,
	})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no lineage records")
		return nil
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	for _, record := range records {
		score := "n/a"
		if record.Score != nil {
			score = fmt.Sprintf("%.6f", *record.Score)
		}
		fmt.Printf("asc=%d gen=%d name=%s species=%s op=%s parents=%d score=%s born=%s\n",
			record.Ascension,
			record.Generation,
			record.Name,
			record.Species,
			record.Operation,
			len(record.Parents),
			score,
			record.BornAt,
		)
	}
	return nil
}

func runDiagnostics(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("diagnostics", flag.ContinueOnError)
	root := fs.String("root", defaultRoot, "population root directory")
	popName := fs.String("population", "", "population name")
	limit := fs.Int("limit", 50, "max diagnostics rows to print (0 for all)")
	storeKind := fs.String("store", "", "archive backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	jsonOut := fs.Bool("json", false, "emit records as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *popName == "" {
		return errors.New("diagnostics requires --population")
	}
	if *limit < 0 {
		return errors.New("limit must be >= 0")
	}

	client, err := epiapi.New(epiapi.Options{
		Root:      *root,
		StoreKind: *storeKind,
		DBPath:    *dbPath,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	records, err := client.Diagnostics(ctx, epiapi.DiagnosticsRequest{
		Population: *popName,
		Limit:      *limit,
	})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no diagnostics records")
		return nil
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	for _, record := range records {
		fmt.Printf("gen=%d deaths=%d best=%.6f mean=%.6f species=%d stagnant=%d elites=%d at=%s\n",
			record.Generation,
			record.Deaths,
			record.BestScore,
			record.MeanScore,
			record.SpeciesCount,
			record.StagnantCount,
			record.Elites,
			record.Timestamp,
		)
	}
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	root := fs.String("root", defaultRoot, "population root directory")
	popName := fs.String("population", "", "population name")
	limit := fs.Int("limit", 20, "max runs to list (0 for all)")
	jsonOut := fs.Bool("json", false, "emit runs as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *popName == "" {
		return errors.New("runs requires --population")
	}
	if *limit < 0 {
		return errors.New("limit must be >= 0")
	}

	client, err := epiapi.New(epiapi.Options{Root: *root})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	entries, err := client.Runs(ctx, epiapi.RunsRequest{
		Population: *popName,
		Limit:      *limit,
	})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	for _, entry := range entries {
		fmt.Printf("run_id=%s population=%s environment=%s size=%d started_at=%s\n",
			entry.RunID,
			entry.Population,
			entry.Environment,
			entry.PopulationSize,
			entry.StartedAtUTC,
		)
	}
	return nil
}

func runMonitor(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	root := fs.String("root", defaultRoot, "population root directory")
	popName := fs.String("population", "", "population name")
	duration := fs.Duration("duration", 0, "stop after this long (0 runs until interrupted)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *popName == "" {
		return errors.New("monitor requires --population")
	}

	dir := filepath.Join(*root, popid.Normalize(*popName))
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("no population directory: %w", err)
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	watcher, err := population.NewWatcher(dir, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = watcher.Close()
	}()

	added, removed := 0, 0
	fmt.Printf("monitoring %s\n", dir)
	for {
		select {
		case <-ctx.Done():
			fmt.Printf("records_added=%d records_removed=%d\n", added, removed)
			return nil
		case event := <-watcher.Events():
			switch event.Kind {
			case population.EventAdded:
				added++
			case population.EventRemoved:
				removed++
			}
			fmt.Printf("%s %s %s\n", time.Now().UTC().Format(time.RFC3339), event.Kind, event.Path)
		}
	}
}

func runRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional YAML run config path")
	root := fs.String("root", defaultRoot, "population root directory")
	name := fs.String("name", "demo", "population name")
	environment := fs.String("environment", "byte-sum", "environment name")
	strategy := fs.String("strategy", "generation", "population strategy")
	size := fs.Int("size", 20, "population size")
	gens := fs.Int("gens", 5, "generations to evolve")
	seed := fs.Int64("seed", 1, "random seed")
	genomeBytes := fs.Int("genome-bytes", 16, "seed genome length in bytes")
	noise := fs.Float64("noise", 0.05, "score noise amplitude")
	cloneProb := fs.Float64("clone-prob", 0, "clone probability (0 for default)")
	speciationDistance := fs.Float64("speciation-distance", 0, "speciation threshold (0 disables)")
	stagnationLimit := fs.Int("stagnation-limit", 0, "stagnant generations before species culling (0 for default)")
	eliteSpeciesSize := fs.Int("elite-species-size", 0, "species kept regardless of stagnation (0 for default)")
	leaderboard := fs.Int("leaderboard", 5, "leaderboard size")
	hallOfFame := fs.Int("halloffame", 5, "hall of fame size per cohort")
	storeKind := fs.String("store", "memory", "archive backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	verbose := fs.Bool("verbose", false, "log service internals to stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	cfg := defaultRunConfig()
	if *configPath != "" {
		loaded, err := loadRunConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	overrideFromFlags(&cfg, setFlags, map[string]any{
		"name":                *name,
		"environment":         *environment,
		"strategy":            *strategy,
		"size":                *size,
		"gens":                *gens,
		"seed":                *seed,
		"genome-bytes":        *genomeBytes,
		"noise":               *noise,
		"clone-prob":          *cloneProb,
		"speciation-distance": *speciationDistance,
		"stagnation-limit":    *stagnationLimit,
		"elite-species-size":  *eliteSpeciesSize,
		"leaderboard":         *leaderboard,
		"halloffame":          *hallOfFame,
		"store":               *storeKind,
		"db-path":             *dbPath,
	})

	logger := zap.NewNop()
	if *verbose {
		production, err := zap.NewProduction()
		if err != nil {
			return err
		}
		defer func() {
			_ = production.Sync()
		}()
		logger = production
	}

	client, err := epiapi.New(epiapi.Options{
		Root:      *root,
		StoreKind: cfg.Store,
		DBPath:    cfg.DBPath,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rnd := rand.New(rand.NewSource(cfg.Seed))
	err = client.Open(ctx, epiapi.PopulationRequest{
		Name:        cfg.Name,
		Environment: cfg.Environment,
		Controller:  cfg.Controller,
		Strategy:    cfg.Strategy,
		Size:        cfg.Size,
		SeedSource: func() []byte {
			buf := make([]byte, cfg.GenomeBytes)
			rnd.Read(buf)
			return buf
		},
		CloneProbability:   cfg.CloneProbability,
		SpeciationDistance: cfg.SpeciationDistance,
		StagnationLimit:    cfg.StagnationLimit,
		EliteSpeciesSize:   cfg.EliteSpeciesSize,
		LeaderboardSize:    cfg.LeaderboardSize,
		HallOfFameSize:     cfg.HallOfFameSize,
		RandSeed:           cfg.Seed,
	})
	if err != nil {
		return err
	}

	evaluations := cfg.Generations * cfg.Size
	completed := 0
	for ; completed < evaluations; completed++ {
		if err := ctx.Err(); err != nil {
			fmt.Printf("interrupted after %d evaluations\n", completed)
			break
		}
		spawned, err := client.Spawn(ctx, cfg.Name)
		if err != nil {
			return err
		}
		score := byteSumScore(spawned.Parameters) + cfg.ScoreNoise*rnd.NormFloat64()
		telemetry := map[string]string{"evaluator": "byte-sum"}
		if err := client.Death(ctx, cfg.Name, spawned.Name, score, telemetry); err != nil {
			return err
		}
	}

	status, err := client.Status(cfg.Name)
	if err != nil {
		return err
	}
	leaders, err := client.Leaderboard(cfg.Name)
	if err != nil {
		return err
	}
	if err := client.ClosePopulation(cfg.Name); err != nil {
		return err
	}

	// The archive flusher has drained by now; the trace is complete.
	rows, ok, err := stats.ReadTrace(client.PopulationDir(cfg.Name))
	if err != nil {
		return err
	}
	if ok {
		for _, row := range rows {
			fmt.Printf("gen=%d deaths=%d best=%.4f mean=%.4f median=%.4f species=%d\n",
				row.Generation, row.Deaths, row.Max, row.Mean, row.Median, row.Species)
		}
	}
	for i, entry := range leaders {
		fmt.Printf("rank=%d name=%s score=%.6f\n", i+1, entry.Name, entry.Score)
	}
	fmt.Printf("run complete population=%s evaluations=%d generation=%d best=%.6f dir=%s\n",
		status.Name, completed, status.Generation, status.BestScore,
		client.PopulationDir(cfg.Name))
	return nil
}

// byteSumScore normalizes the byte sum of the expressed parameters into
// [0, 1]. The demo walks genomes toward all-0xFF material.
func byteSumScore(parameters []byte) float64 {
	if len(parameters) == 0 {
		return 0
	}
	sum := 0
	for _, b := range parameters {
		sum += int(b)
	}
	return float64(sum) / float64(255*len(parameters))
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: epigonosctl <init|status|leaderboard|halloffame|lineage|diagnostics|runs|monitor|run> [flags]", msg)
}
