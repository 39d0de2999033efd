package strategy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/ratelimit"
	"github.com/sells-group/research-engine/internal/rescache"
)

type stubStrategy struct {
	id string
}

func (s *stubStrategy) ID() string                   { return s.id }
func (s *stubStrategy) SourceType() model.SourceType { return model.SourcePressNews }
func (s *stubStrategy) TargetKey() string            { return "stub" }
func (s *stubStrategy) Execute(_ context.Context, _ model.EntityProfile, _ Deps) (*Result, error) {
	return &Result{Status: StatusSuccess}, nil
}

func TestRegistry_RegisterGetList(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubStrategy{id: "beta"})
	r.Register(&stubStrategy{id: "alpha"})

	if r.Get("alpha") == nil {
		t.Fatal("expected alpha to be registered")
	}
	if r.Get("missing") != nil {
		t.Fatal("expected nil for unknown id")
	}

	ids := r.List()
	if len(ids) != 2 || ids[0] != "alpha" || ids[1] != "beta" {
		t.Errorf("expected sorted ids [alpha beta], got %v", ids)
	}
}

const fixtureYAML = `
strategies:
  - id: registry-lookup
    source_type: structured-registry
    target_key: registry.example.com
    records:
      - raw_name: "Acme Capital, LLC"
        confidence: high
        source_url: https://registry.example.com/acme
        attributes:
          aum: 500000000
        identifiers:
          crd: "110735"
`

func TestLoadFixtures_Execute(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixtures.yaml")
	if err := os.WriteFile(path, []byte(fixtureYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	strategies, err := LoadFixtures(path)
	if err != nil {
		t.Fatalf("load fixtures: %v", err)
	}
	if len(strategies) != 1 {
		t.Fatalf("expected 1 strategy, got %d", len(strategies))
	}

	s := strategies[0]
	if s.ID() != "registry-lookup" {
		t.Errorf("unexpected id %q", s.ID())
	}
	if s.SourceType() != model.SourceStructuredRegistry {
		t.Errorf("unexpected source type %q", s.SourceType())
	}

	deps := Deps{Limiter: ratelimit.NewKeyed(ratelimit.Config{MaxConcurrent: 1, RequestsPerSecond: 1000})}
	res, err := s.Execute(context.Background(), model.EntityProfile{Identity: "acme"}, deps)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusSuccess || res.RequestsMade != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
	if len(res.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(res.Records))
	}
	rec := res.Records[0]
	if rec.RawName != "Acme Capital, LLC" || rec.Identifiers["crd"] != "110735" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.Confidence != model.ConfidenceHigh {
		t.Errorf("expected high confidence, got %s", rec.Confidence)
	}
}

func TestLoadFixtures_ExecuteCachesReplays(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixtures.yaml")
	if err := os.WriteFile(path, []byte(fixtureYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	strategies, err := LoadFixtures(path)
	if err != nil {
		t.Fatalf("load fixtures: %v", err)
	}
	s := strategies[0]

	cache := rescache.New(8)
	deps := Deps{
		Limiter:  ratelimit.NewKeyed(ratelimit.Config{MaxConcurrent: 1, RequestsPerSecond: 1000}),
		Cache:    cache,
		CacheTTL: time.Hour,
	}
	profile := model.EntityProfile{Identity: "acme"}

	first, err := s.Execute(context.Background(), profile, deps)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if first.RequestsMade != 1 {
		t.Errorf("expected 1 request on a cache miss, got %d", first.RequestsMade)
	}
	// Simulate the caller stamping job fields on its copy.
	first.Records[0].JobID = "job-a"

	second, err := s.Execute(context.Background(), profile, deps)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if second.RequestsMade != 0 {
		t.Errorf("expected 0 requests on a cache hit, got %d", second.RequestsMade)
	}
	if len(second.Records) != 1 || second.Records[0].RawName != "Acme Capital, LLC" {
		t.Fatalf("unexpected cached records: %+v", second.Records)
	}
	if second.Records[0].JobID != "" {
		t.Error("cached records must not carry a prior caller's job id")
	}

	stats := cache.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("expected 1 hit and 1 miss, got %+v", stats)
	}
}

func TestLoadFixtures_MissingID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("strategies:\n  - source_type: press-news\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFixtures(path); err == nil {
		t.Fatal("expected error for fixture without id")
	}
}
