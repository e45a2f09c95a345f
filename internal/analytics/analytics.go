// Package analytics summarises pipeline history from the event log: stage
// durations, stage outcomes, failure codes and weekly throughput.
package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/lucasnoah/handoff/internal/events"
	"github.com/lucasnoah/handoff/internal/pipeline"
)

// Source is the read side of the pipeline store.
type Source interface {
	List(ctx context.Context, status pipeline.Status) ([]*pipeline.Instance, error)
	Events(ctx context.Context, id string) ([]events.Event, error)
}

// StageDuration holds duration stats for a stage.
type StageDuration struct {
	Stage string  `json:"stage"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_seconds"`
	P50   float64 `json:"p50_seconds"`
	P95   float64 `json:"p95_seconds"`
}

// StageOutcome counts how attempts at a stage ended.
type StageOutcome struct {
	Stage       string  `json:"stage"`
	Started     int     `json:"started"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Retried     int     `json:"retried"`
	Skipped     int     `json:"skipped"`
	SuccessRate float64 `json:"success_pct"`
}

// FailureCode counts stage failures by error code.
type FailureCode struct {
	Code  string `json:"code"`
	Count int    `json:"count"`
}

// PipelineThroughput holds pipeline throughput for one ISO week.
type PipelineThroughput struct {
	Period      string  `json:"period"`
	Created     int     `json:"created"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Cancelled   int     `json:"cancelled"`
	AvgDuration float64 `json:"avg_duration_hours"`
}

// Report is the full analytics view.
type Report struct {
	Pipelines      int                  `json:"pipelines"`
	StageDurations []StageDuration      `json:"stage_durations"`
	StageOutcomes  []StageOutcome       `json:"stage_outcomes"`
	FailureCodes   []FailureCode        `json:"failure_codes"`
	Throughput     []PipelineThroughput `json:"throughput"`
}

// Collect reads every pipeline created at or after since (all when zero) and
// its event log, and builds a Report.
func Collect(ctx context.Context, src Source, since time.Time) (*Report, error) {
	list, err := src.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}

	var (
		kept []*pipeline.Instance
		evs  []events.Event
	)
	for _, inst := range list {
		if !since.IsZero() && inst.CreatedAt.Before(since) {
			continue
		}
		kept = append(kept, inst)
		log, err := src.Events(ctx, inst.ID)
		if err != nil {
			return nil, fmt.Errorf("events of %s: %w", inst.ID, err)
		}
		evs = append(evs, log...)
	}

	return &Report{
		Pipelines:      len(kept),
		StageDurations: StageDurations(evs),
		StageOutcomes:  StageOutcomes(evs),
		FailureCodes:   FailureCodes(evs),
		Throughput:     Throughput(kept, 10),
	}, nil
}

// StageDurations returns average and percentile durations per stage, taken
// from the duration recorded on each stage_completed event.
func StageDurations(evs []events.Event) []StageDuration {
	byStage := make(map[string][]float64)
	for _, e := range evs {
		if e.Type != events.StageCompleted {
			continue
		}
		ms, ok := number(e.Detail["duration_ms"])
		if !ok || ms <= 0 {
			continue
		}
		stage := e.DetailString("stage")
		byStage[stage] = append(byStage[stage], ms/1000)
	}

	results := make([]StageDuration, 0, len(byStage))
	for stage, durations := range byStage {
		sort.Float64s(durations)
		results = append(results, StageDuration{
			Stage: stage,
			Count: len(durations),
			Avg:   avg(durations),
			P50:   percentile(durations, 50),
			P95:   percentile(durations, 95),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage < results[j].Stage
	})
	return results
}

// StageOutcomes counts stage events per stage. SuccessRate is completions
// over completions plus final failures.
func StageOutcomes(evs []events.Event) []StageOutcome {
	byStage := make(map[string]*StageOutcome)
	get := func(stage string) *StageOutcome {
		o, ok := byStage[stage]
		if !ok {
			o = &StageOutcome{Stage: stage}
			byStage[stage] = o
		}
		return o
	}

	for _, e := range evs {
		stage := e.DetailString("stage")
		if stage == "" {
			continue
		}
		switch e.Type {
		case events.StageStarted:
			get(stage).Started++
		case events.StageCompleted:
			get(stage).Completed++
		case events.StageFailed:
			get(stage).Failed++
		case events.StageRetrying:
			if e.DetailString("reason") != "recovered" {
				get(stage).Retried++
			}
		case events.StageSkipped:
			get(stage).Skipped++
		}
	}

	results := make([]StageOutcome, 0, len(byStage))
	for _, o := range byStage {
		o.SuccessRate = pct(o.Completed, o.Completed+o.Failed)
		results = append(results, *o)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage < results[j].Stage
	})
	return results
}

// FailureCodes returns stage failure counts by code, most frequent first.
// Retried attempts count too.
func FailureCodes(evs []events.Event) []FailureCode {
	counts := make(map[string]int)
	for _, e := range evs {
		if e.Type != events.StageFailed && e.Type != events.StageRetrying {
			continue
		}
		if e.Type == events.StageRetrying && e.DetailString("reason") == "recovered" {
			continue
		}
		if code := e.DetailString("code"); code != "" {
			counts[code]++
		}
	}

	results := make([]FailureCode, 0, len(counts))
	for code, n := range counts {
		results = append(results, FailureCode{Code: code, Count: n})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Count != results[j].Count {
			return results[i].Count > results[j].Count
		}
		return results[i].Code < results[j].Code
	})
	return results
}

// Throughput groups pipelines by the ISO week they were created in, newest
// first, keeping at most limit weeks. AvgDuration covers completed
// pipelines only.
func Throughput(list []*pipeline.Instance, limit int) []PipelineThroughput {
	byPeriod := make(map[string]*PipelineThroughput)
	hours := make(map[string][]float64)
	for _, inst := range list {
		year, week := inst.CreatedAt.UTC().ISOWeek()
		period := fmt.Sprintf("%d-W%02d", year, week)
		pt, ok := byPeriod[period]
		if !ok {
			pt = &PipelineThroughput{Period: period}
			byPeriod[period] = pt
		}
		pt.Created++
		switch inst.Status {
		case pipeline.StatusCompleted:
			pt.Completed++
			if inst.CompletedAt != nil {
				hours[period] = append(hours[period], inst.CompletedAt.Sub(inst.CreatedAt).Hours())
			}
		case pipeline.StatusFailed:
			pt.Failed++
		case pipeline.StatusCancelled:
			pt.Cancelled++
		}
	}

	results := make([]PipelineThroughput, 0, len(byPeriod))
	for period, pt := range byPeriod {
		pt.AvgDuration = avg(hours[period])
		results = append(results, *pt)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Period > results[j].Period
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// --- helpers ---

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
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
