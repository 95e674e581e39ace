package epigonos

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"epigonos/internal/model"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := New(Options{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func TestClientHostsPopulationEndToEnd(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	err := client.Open(ctx, PopulationRequest{
		Name:        "alpha",
		Environment: "cartpole",
		Controller:  []string{"./controller", "--balance"},
		Size:        3,
		SeedGenome:  []byte("seed genome"),
		RandSeed:    1,
	})
	if err != nil {
		t.Fatalf("open population: %v", err)
	}

	for i := 0; i < 3; i++ {
		spawned, err := client.Spawn(ctx, "alpha")
		if err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
		if spawned.Generation != 0 || len(spawned.Parents) != 0 {
			t.Fatalf("expected a seed spawn, got %+v", spawned)
		}
		if !bytes.Equal(spawned.Parameters, []byte("seed genome")) {
			t.Fatalf("parameters = %q", spawned.Parameters)
		}
		if err := client.Death(ctx, "alpha", spawned.Name, float64(i+1), nil); err != nil {
			t.Fatalf("death %d: %v", i, err)
		}
	}

	status, err := client.Status("alpha")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Generation != 1 || status.Members != 3 || status.Live != 0 {
		t.Fatalf("status = %+v", status)
	}
	if !status.HasBest || status.BestScore != 3 {
		t.Fatalf("best of status = %+v", status)
	}

	leaders, err := client.Leaderboard("alpha")
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(leaders) != 3 || leaders[0].Score != 3 {
		t.Fatalf("leaderboard = %+v", leaders)
	}
	fame, err := client.HallOfFame("alpha")
	if err != nil {
		t.Fatalf("hall of fame: %v", err)
	}
	if len(fame) != 3 {
		t.Fatalf("hall of fame = %+v", fame)
	}

	var lineage []model.LineageRecord
	var diagnostics []model.DiagnosticsRecord
	deadline := time.Now().Add(2 * time.Second)
	for {
		lineage, err = client.Lineage(ctx, LineageRequest{Population: "alpha"})
		if err != nil {
			t.Fatalf("lineage: %v", err)
		}
		diagnostics, err = client.Diagnostics(ctx, DiagnosticsRequest{Population: "alpha"})
		if err != nil {
			t.Fatalf("diagnostics: %v", err)
		}
		if len(lineage) == 3 && len(diagnostics) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("archive did not settle: lineage=%d diagnostics=%d", len(lineage), len(diagnostics))
		}
		time.Sleep(5 * time.Millisecond)
	}
	for _, record := range lineage {
		if record.Operation != model.OperationSeed {
			t.Fatalf("lineage operation = %q", record.Operation)
		}
	}
	if diagnostics[0].Generation != 0 || diagnostics[0].Deaths != 3 {
		t.Fatalf("diagnostics = %+v", diagnostics[0])
	}
	if diagnostics[0].BestScore != 3 || diagnostics[0].MeanScore != 2 {
		t.Fatalf("diagnostics aggregates = %+v", diagnostics[0])
	}

	truncated, err := client.Lineage(ctx, LineageRequest{Population: "alpha", Limit: 2})
	if err != nil {
		t.Fatalf("truncated lineage: %v", err)
	}
	if len(truncated) != 2 {
		t.Fatalf("truncated lineage length = %d", len(truncated))
	}

	runs, err := client.Runs(ctx, RunsRequest{Population: "alpha"})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Population != "alpha" || runs[0].RunID == "" {
		t.Fatalf("runs = %+v", runs)
	}

	if err := client.ClosePopulation("alpha"); err != nil {
		t.Fatalf("close population: %v", err)
	}
	if got := client.Populations(); len(got) != 0 {
		t.Fatalf("populations after close = %v", got)
	}
	if _, err := client.Spawn(ctx, "alpha"); !errors.Is(err, ErrUnknownPopulation) {
		t.Fatalf("spawn after close returned %v, want ErrUnknownPopulation", err)
	}
}

func TestClientOpenValidatesRequest(t *testing.T) {
	client := newTestClient(t)
	base := PopulationRequest{
		Name:        "alpha",
		Environment: "cartpole",
		SeedGenome:  []byte("seed"),
	}
	cases := []struct {
		name   string
		change func(*PopulationRequest)
	}{
		{"missing name", func(r *PopulationRequest) { r.Name = "" }},
		{"missing environment", func(r *PopulationRequest) { r.Environment = "" }},
		{"missing seed genome", func(r *PopulationRequest) { r.SeedGenome = nil }},
		{"unknown strategy", func(r *PopulationRequest) { r.Strategy = "spiral" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.change(&req)
			if err := client.Open(context.Background(), req); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}

func TestClientRequiresInitBeforeRouting(t *testing.T) {
	client := newTestClient(t)

	if _, err := client.Spawn(context.Background(), "alpha"); err == nil {
		t.Fatal("expected spawn on an uninitialized client to fail")
	}
	if err := client.Death(context.Background(), "alpha", "n", 1, nil); err == nil {
		t.Fatal("expected death on an uninitialized client to fail")
	}
	if err := client.ClosePopulation("alpha"); err == nil {
		t.Fatal("expected close on an uninitialized client to fail")
	}
	if got := client.Populations(); got != nil {
		t.Fatalf("populations on an uninitialized client = %v", got)
	}
}

func TestClientRejectsUnknownPopulation(t *testing.T) {
	client := newTestClient(t)
	if err := client.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	if _, err := client.Spawn(context.Background(), "ghost"); !errors.Is(err, ErrUnknownPopulation) {
		t.Fatalf("spawn returned %v, want ErrUnknownPopulation", err)
	}
	if _, err := client.Leaderboard("ghost"); !errors.Is(err, ErrUnknownPopulation) {
		t.Fatalf("leaderboard returned %v, want ErrUnknownPopulation", err)
	}
	if _, err := client.Status("ghost"); !errors.Is(err, ErrUnknownPopulation) {
		t.Fatalf("status returned %v, want ErrUnknownPopulation", err)
	}
}

func TestClientArchiveQueryValidation(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	if _, err := client.Lineage(ctx, LineageRequest{}); err == nil {
		t.Fatal("expected lineage without a population to fail")
	}
	if _, err := client.Lineage(ctx, LineageRequest{Population: "alpha", Limit: -1}); err == nil {
		t.Fatal("expected a negative lineage limit to fail")
	}
	if _, err := client.Diagnostics(ctx, DiagnosticsRequest{}); err == nil {
		t.Fatal("expected diagnostics without a population to fail")
	}
	if _, err := client.Runs(ctx, RunsRequest{Population: "alpha", Limit: -1}); err == nil {
		t.Fatal("expected a negative runs limit to fail")
	}
	if runs, err := client.Runs(ctx, RunsRequest{Population: "alpha"}); err != nil || len(runs) != 0 {
		t.Fatalf("runs without history = (%v, %v)", runs, err)
	}
}
