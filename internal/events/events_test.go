package events

import (
	"context"
	"testing"
)

func testLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := l.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestMigrateIdempotent(t *testing.T) {
	l := testLog(t)
	if err := l.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	for _, table := range []string{"schema_version", "deployment_events", "cost_entries"} {
		var name string
		err := l.db.Get(&name, "SELECT name FROM sqlite_master WHERE type='table' AND name=?", table)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
	var versions int
	l.db.Get(&versions, "SELECT COUNT(*) FROM schema_version")
	if versions != 1 {
		t.Errorf("schema_version rows = %d, want 1", versions)
	}
}

func TestLogAndListEvents(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()

	for _, stage := range []string{"mapped", "plan_ready", "implemented"} {
		if err := l.LogEvent(ctx, Event{RecID: "rec-042", RunID: "r1", Event: "transition", Stage: stage, Attempt: 1}); err != nil {
			t.Fatal(err)
		}
	}
	l.LogEvent(ctx, Event{RecID: "rec-043", Event: "transition", Stage: "mapped"})

	got, err := l.Events(ctx, "rec-042")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("events = %d, want 3", len(got))
	}
	if got[0].Stage != "mapped" || got[2].Stage != "implemented" {
		t.Errorf("events out of order: %+v", got)
	}
	if got[0].CreatedAt == "" {
		t.Error("CreatedAt not set")
	}
}

func TestCosts(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()

	l.RecordCost(ctx, Cost{RecID: "rec-1", Stage: "plan_ready", Attempt: 1, USD: 0.12, InputTokens: 1000, OutputTokens: 500})
	l.RecordCost(ctx, Cost{RecID: "rec-1", Stage: "plan_ready", Attempt: 2, USD: 0.08})
	l.RecordCost(ctx, Cost{RecID: "rec-2", Stage: "plan_ready", Attempt: 1, USD: 1})

	costs, err := l.Costs(ctx, "rec-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(costs) != 2 || costs[0].InputTokens != 1000 {
		t.Errorf("costs = %+v", costs)
	}

	total, err := l.TotalCost(ctx, "rec-1")
	if err != nil {
		t.Fatal(err)
	}
	if total < 0.199 || total > 0.201 {
		t.Errorf("rec-1 total = %v, want 0.2", total)
	}
	all, _ := l.TotalCost(ctx, "")
	if all < 1.199 || all > 1.201 {
		t.Errorf("total = %v, want 1.2", all)
	}
}

func TestReset(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()
	l.LogEvent(ctx, Event{RecID: "rec-1", Event: "created"})
	if err := l.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := l.Events(ctx, "rec-1")
	if len(got) != 0 {
		t.Errorf("events after reset = %d", len(got))
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open("oracle", "x"); err == nil {
		t.Error("expected error for unknown driver")
	}
}
