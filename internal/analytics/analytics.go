// Package analytics summarises the audit log across recommendations: how
// long stages take, how runs end, and where the money goes.
package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sqlx.DB
}

// StageDuration holds duration stats for a stage.
type StageDuration struct {
	Stage string  `json:"stage"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_seconds"`
	P50   float64 `json:"p50_seconds"`
	P95   float64 `json:"p95_seconds"`
}

type eventRow struct {
	RecID     string `db:"rec_id"`
	Event     string `db:"event"`
	Stage     string `db:"stage"`
	Detail    string `db:"detail"`
	CreatedAt string `db:"created_at"`
}

func parseTimestamp(s string) (time.Time, error) {
	for _, f := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

func selectEvents(ctx context.Context, database DB, since string, names ...string) ([]eventRow, error) {
	conn := database.Conn()
	query, args, err := sqlx.In(`SELECT rec_id, event, stage, detail, created_at
		FROM deployment_events WHERE event IN (?)`, names)
	if err != nil {
		return nil, err
	}
	if since != "" {
		query += ` AND created_at >= ?`
		args = append(args, since)
	}
	query += ` ORDER BY rec_id, id`

	var rows []eventRow
	if err := conn.SelectContext(ctx, &rows, conn.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return rows, nil
}

// QueryStageDurations returns average and percentile time spent producing
// each stage. Every transition is paired with the previous created or
// transition event of the same recommendation and attributed to the stage
// it entered.
func QueryStageDurations(ctx context.Context, database DB, since string) ([]StageDuration, error) {
	rows, err := selectEvents(ctx, database, since, "created", "transition")
	if err != nil {
		return nil, err
	}

	durations := make(map[string][]float64)
	var (
		prevRec  string
		prevAt   time.Time
		havePrev bool
	)
	for _, r := range rows {
		at, err := parseTimestamp(r.CreatedAt)
		if err != nil {
			continue
		}
		if r.RecID != prevRec {
			havePrev = false
		}
		if r.Event == "transition" && havePrev {
			if secs := at.Sub(prevAt).Seconds(); secs >= 0 {
				durations[r.Stage] = append(durations[r.Stage], secs)
			}
		}
		prevRec, prevAt, havePrev = r.RecID, at, true
	}

	var results []StageDuration
	for stage, d := range durations {
		sort.Float64s(d)
		results = append(results, StageDuration{
			Stage: stage,
			Count: len(d),
			Avg:   avg(d),
			P50:   percentile(d, 50),
			P95:   percentile(d, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage < results[j].Stage
	})
	return results, nil
}

// KindCount is how often one failure kind ended a run.
type KindCount struct {
	Kind  string  `json:"kind"`
	Count int     `json:"count"`
	Pct   float64 `json:"pct"`
}

// Outcomes summarises how runs ended.
type Outcomes struct {
	Finished   int         `json:"finished"`
	Succeeded  int         `json:"succeeded"`
	Failed     int         `json:"failed"`
	RolledBack int         `json:"rolled_back"`
	SuccessPct float64     `json:"success_pct"`
	ByKind     []KindCount `json:"by_kind,omitempty"`
}

// QueryOutcomes counts terminal events. Failure kinds are read from the
// "kind: message" detail of failed events.
func QueryOutcomes(ctx context.Context, database DB, since string) (*Outcomes, error) {
	rows, err := selectEvents(ctx, database, since, "transition", "failed")
	if err != nil {
		return nil, err
	}

	out := &Outcomes{}
	kinds := make(map[string]int)
	for _, r := range rows {
		switch {
		case r.Event == "transition" && r.Stage == "succeeded":
			out.Succeeded++
		case r.Event == "failed":
			if r.Stage == "rolled_back" {
				out.RolledBack++
			} else {
				out.Failed++
			}
			kind, _, _ := strings.Cut(r.Detail, ":")
			kinds[strings.TrimSpace(kind)]++
		}
	}
	out.Finished = out.Succeeded + out.Failed + out.RolledBack
	out.SuccessPct = pct(out.Succeeded, out.Finished)

	failures := out.Failed + out.RolledBack
	for k, n := range kinds {
		out.ByKind = append(out.ByKind, KindCount{Kind: k, Count: n, Pct: pct(n, failures)})
	}
	sort.Slice(out.ByKind, func(i, j int) bool {
		if out.ByKind[i].Count != out.ByKind[j].Count {
			return out.ByKind[i].Count > out.ByKind[j].Count
		}
		return out.ByKind[i].Kind < out.ByKind[j].Kind
	})
	return out, nil
}

// StageCost holds spend for one stage.
type StageCost struct {
	Stage        string  `db:"stage" json:"stage"`
	Attempts     int     `db:"attempts" json:"attempts"`
	TotalUSD     float64 `db:"total_usd" json:"total_usd"`
	AvgUSD       float64 `db:"avg_usd" json:"avg_usd"`
	InputTokens  int64   `db:"input_tokens" json:"input_tokens"`
	OutputTokens int64   `db:"output_tokens" json:"output_tokens"`
}

// QueryCostByStage returns spend grouped by stage, most expensive first.
func QueryCostByStage(ctx context.Context, database DB, since string) ([]StageCost, error) {
	conn := database.Conn()
	query := `
		SELECT stage,
			COUNT(*) AS attempts,
			COALESCE(SUM(usd), 0) AS total_usd,
			COALESCE(AVG(usd), 0) AS avg_usd,
			COALESCE(SUM(input_tokens), 0) AS input_tokens,
			COALESCE(SUM(output_tokens), 0) AS output_tokens
		FROM cost_entries`
	var args []any
	if since != "" {
		query += ` WHERE created_at >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY stage ORDER BY total_usd DESC`

	var results []StageCost
	if err := conn.SelectContext(ctx, &results, conn.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query cost by stage: %w", err)
	}
	for i := range results {
		results[i].AvgUSD = math.Round(results[i].AvgUSD*1e4) / 1e4
	}
	return results, nil
}

// AttemptDist is the distribution of generation attempts per recommendation.
type AttemptDist struct {
	Total     int     `json:"total"`
	One       float64 `json:"one_attempt_pct"`
	Two       float64 `json:"two_attempts_pct"`
	ThreePlus float64 `json:"three_plus_pct"`
}

// QueryAttempts returns how many code-generation attempts recommendations
// needed, from the implemented-stage cost entries.
func QueryAttempts(ctx context.Context, database DB, since string) (*AttemptDist, error) {
	conn := database.Conn()
	query := `SELECT MAX(attempt) FROM cost_entries WHERE stage = 'implemented'`
	var args []any
	if since != "" {
		query += ` AND created_at >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY rec_id`

	var maxima []int
	if err := conn.SelectContext(ctx, &maxima, conn.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}

	var one, two, more int
	for _, n := range maxima {
		switch {
		case n <= 1:
			one++
		case n == 2:
			two++
		default:
			more++
		}
	}
	total := len(maxima)
	return &AttemptDist{Total: total, One: pct(one, total), Two: pct(two, total), ThreePlus: pct(more, total)}, nil
}

// Throughput holds run counts for one day.
type Throughput struct {
	Day       string `json:"day"`
	Created   int    `json:"created"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// QueryThroughput returns daily created/succeeded/failed counts for the ten
// most recent days with activity, newest first.
func QueryThroughput(ctx context.Context, database DB, since string) ([]Throughput, error) {
	rows, err := selectEvents(ctx, database, since, "created", "transition", "failed")
	if err != nil {
		return nil, err
	}

	days := make(map[string]*Throughput)
	for _, r := range rows {
		at, err := parseTimestamp(r.CreatedAt)
		if err != nil {
			continue
		}
		day := at.UTC().Format("2006-01-02")
		t, ok := days[day]
		if !ok {
			t = &Throughput{Day: day}
			days[day] = t
		}
		switch {
		case r.Event == "created":
			t.Created++
		case r.Event == "transition" && r.Stage == "succeeded":
			t.Succeeded++
		case r.Event == "failed":
			t.Failed++
		}
	}

	results := make([]Throughput, 0, len(days))
	for _, t := range days {
		results = append(results, *t)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Day > results[j].Day
	})
	if len(results) > 10 {
		results = results[:10]
	}
	return results, nil
}

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
