package strategy

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/ratelimit"
	"github.com/sells-group/research-engine/internal/rescache"
	"github.com/sells-group/research-engine/internal/resilience"
)

// fixtureFile is the on-disk shape of a strategy fixture bundle.
type fixtureFile struct {
	Strategies []fixtureSpec `yaml:"strategies"`
}

type fixtureSpec struct {
	ID         string          `yaml:"id"`
	SourceType string          `yaml:"source_type"`
	TargetKey  string          `yaml:"target_key"`
	Records    []fixtureRecord `yaml:"records"`
}

type fixtureRecord struct {
	RawName     string            `yaml:"raw_name"`
	Confidence  string            `yaml:"confidence"`
	SourceURL   string            `yaml:"source_url"`
	Attributes  map[string]any    `yaml:"attributes"`
	Identifiers map[string]string `yaml:"identifiers"`
}

// LoadFixtures reads strategies from a YAML file. Fixture strategies replay
// canned records through the full dispatch path (rate limiter included), so
// runs are reproducible without any live source. Used for replay and demos.
func LoadFixtures(path string) ([]Strategy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "strategy: read fixtures %s", path)
	}

	var f fixtureFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "strategy: parse fixtures")
	}

	out := make([]Strategy, 0, len(f.Strategies))
	for _, spec := range f.Strategies {
		if spec.ID == "" {
			return nil, eris.New("strategy: fixture missing id")
		}
		out = append(out, &fixtureStrategy{spec: spec})
	}
	return out, nil
}

type fixtureStrategy struct {
	spec fixtureSpec
}

func (s *fixtureStrategy) ID() string { return s.spec.ID }

func (s *fixtureStrategy) SourceType() model.SourceType {
	return model.SourceType(s.spec.SourceType)
}

func (s *fixtureStrategy) TargetKey() string {
	if s.spec.TargetKey != "" {
		return s.spec.TargetKey
	}
	return "fixture:" + s.spec.ID
}

func (s *fixtureStrategy) Execute(ctx context.Context, profile model.EntityProfile, deps Deps) (*Result, error) {
	// Replays take the same path a live source does: a rate-limit permit per
	// attempt, the shared retry policy, and the response cache.
	var permit *ratelimit.Permit
	retry := deps.Retry
	retry.OnAttempt = func(ctx context.Context, _ int) error {
		p, err := deps.Limiter.Acquire(ctx, s.TargetKey())
		if err != nil {
			return err
		}
		permit = p
		return nil
	}

	fetch := func(ctx context.Context) (any, error) {
		recs, err := resilience.Execute(ctx, retry, func(ctx context.Context) ([]model.CandidateRecord, error) {
			defer permit.Release()
			return s.replay(), nil
		})
		if err != nil {
			return nil, err
		}
		return recs, nil
	}

	var records []model.CandidateRecord
	var hit bool
	if deps.Cache != nil && deps.CacheTTL > 0 {
		v, fromCache, err := deps.Cache.GetOrFetch(ctx, rescache.Key("fixture", s.spec.ID, profile.Identity), deps.CacheTTL, fetch)
		if err != nil {
			return nil, err
		}
		records = v.([]model.CandidateRecord)
		hit = fromCache
	} else {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		records = v.([]model.CandidateRecord)
	}

	// Callers stamp job fields onto the returned slice, so cached records
	// are handed out as a copy.
	out := make([]model.CandidateRecord, len(records))
	copy(out, records)

	requests := 1
	if hit {
		requests = 0
	}
	return &Result{
		Status:       StatusSuccess,
		Records:      out,
		RequestsMade: requests,
	}, nil
}

func (s *fixtureStrategy) replay() []model.CandidateRecord {
	records := make([]model.CandidateRecord, 0, len(s.spec.Records))
	for _, r := range s.spec.Records {
		conf := model.ConfidenceLevel(r.Confidence)
		if conf == "" {
			conf = model.ConfidenceMedium
		}
		records = append(records, model.CandidateRecord{
			StrategyID:  s.spec.ID,
			RawName:     r.RawName,
			Attributes:  r.Attributes,
			Identifiers: r.Identifiers,
			SourceType:  s.SourceType(),
			SourceURL:   r.SourceURL,
			Confidence:  conf,
			CollectedAt: time.Now().UTC(),
		})
	}
	return records
}
