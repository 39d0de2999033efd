package orchestrator

import (
	"testing"
	"time"
)

func TestEvaluate_BudgetAlwaysStops(t *testing.T) {
	cfg := DefaultConfig()
	// Over budget stops regardless of coverage achieved.
	for _, completeness := range []int{0, 50, 100} {
		d := Evaluate(cfg, Snapshot{StrategiesTried: 6, RecordCount: 10, BestCompleteness: completeness, SourceTypeCount: 1})
		if !d.Stop {
			t.Fatalf("completeness %d: expected stop", completeness)
		}
		if completeness < cfg.CoverageThreshold && d.Kind != StopBudget {
			t.Fatalf("completeness %d: expected budget stop, got %s", completeness, d.Kind)
		}
	}
}

func TestEvaluate_CoverageBeforeBudget(t *testing.T) {
	d := Evaluate(DefaultConfig(), Snapshot{
		StrategiesTried:  6,
		RecordCount:      4,
		BestCompleteness: 85,
		SourceTypeCount:  2,
	})
	if !d.Stop || d.Kind != StopCoverage {
		t.Fatalf("expected coverage stop, got %+v", d)
	}
}

func TestEvaluate_CoverageNeedsTwoSourceTypes(t *testing.T) {
	d := Evaluate(DefaultConfig(), Snapshot{
		StrategiesTried:  2,
		RecordCount:      4,
		BestCompleteness: 100,
		SourceTypeCount:  1,
	})
	if d.Stop {
		t.Fatalf("one source type must not satisfy coverage: %+v", d)
	}
}

func TestEvaluate_Deadline(t *testing.T) {
	d := Evaluate(DefaultConfig(), Snapshot{
		StrategiesTried: 1,
		RecordCount:     1,
		Elapsed:         301 * time.Second,
	})
	if !d.Stop || d.Kind != StopDeadline {
		t.Fatalf("expected deadline stop, got %+v", d)
	}
}

func TestEvaluate_Futility(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxStrategies = 6

	d := Evaluate(cfg, Snapshot{StrategiesTried: 4, RecordCount: 0})
	if !d.Stop || d.Kind != StopFutility {
		t.Fatalf("expected futility stop, got %+v", d)
	}

	// Any record defers the futility stop.
	d = Evaluate(cfg, Snapshot{StrategiesTried: 4, RecordCount: 1})
	if d.Stop {
		t.Fatalf("expected continue, got %+v", d)
	}
}

func TestEvaluate_Continue(t *testing.T) {
	d := Evaluate(DefaultConfig(), Snapshot{
		StrategiesTried:  2,
		RecordCount:      3,
		BestCompleteness: 40,
		SourceTypeCount:  2,
		Elapsed:          10 * time.Second,
	})
	if d.Stop {
		t.Fatalf("expected continue, got %+v", d)
	}
}

func TestDecision_Exhausted(t *testing.T) {
	if (Decision{Kind: StopCoverage}).Exhausted() {
		t.Fatal("coverage stop is not exhaustion")
	}
	if !(Decision{Kind: StopBudget}).Exhausted() {
		t.Fatal("budget stop is exhaustion")
	}
	if !(Decision{Kind: StopDeadline}).Exhausted() {
		t.Fatal("deadline stop is exhaustion")
	}
}
