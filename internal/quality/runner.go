package quality

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"datapulse/internal/dataset"
)

// Runner executes the configured detector set over every column of a dataset
// and aggregates the findings into a Report.
type Runner struct {
	config    Config
	detectors []Detector
	logger    *slog.Logger
}

// NewRunner creates a runner with the default detector set
func NewRunner(cfg Config, logger *slog.Logger) *Runner {
	if cfg.SampleSize <= 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		config: cfg,
		detectors: []Detector{
			NewBasicValidationDetector(),
			NewCompletenessDetector(cfg.MaxNullRate),
			NewDuplicationDetector(),
			NewNumericDetector(),
			NewCurrencyDetector(),
			NewDatetimeDetector(),
		},
		logger: logger.With(slog.String("component", "quality.runner")),
	}
}

// WithDetectors replaces the detector set, keeping the runner config
func (r *Runner) WithDetectors(detectors ...Detector) *Runner {
	r.detectors = detectors
	return r
}

// Run executes all detectors over all columns, bounded to four columns in
// flight, and returns the aggregated report.
func (r *Runner) Run(ctx context.Context, runID string, ds *dataset.Dataset) (*Report, error) {
	if ds == nil || ds.ColumnCount() == 0 {
		return nil, fmt.Errorf("quality: dataset has no columns")
	}

	start := time.Now()
	var mu sync.Mutex
	var findings []Finding

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, name := range ds.Columns {
		g.Go(func() error {
			sample, err := ds.Sample(name, r.config.SampleSize)
			if err != nil {
				return err
			}
			col := Column{Name: name, Values: sample}
			for _, det := range r.detectors {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				finding := det.Detect(gctx, col)
				if !finding.Applicable {
					continue
				}
				mu.Lock()
				findings = append(findings, finding)
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Column != findings[j].Column {
			return findings[i].Column < findings[j].Column
		}
		return findings[i].Check < findings[j].Check
	})

	report := &Report{
		RunID:       runID,
		Dataset:     ds.Name,
		GeneratedAt: time.Now(),
		Rows:        ds.RowCount(),
		Columns:     ds.ColumnCount(),
		Findings:    findings,
	}
	report.Score = r.score(findings)
	report.Verdict = r.verdict(report)

	r.logger.InfoContext(ctx, "quality_report_ready",
		slog.String("run_id", runID),
		slog.String("dataset", ds.Name),
		slog.Float64("score", report.Score),
		slog.String("verdict", string(report.Verdict)),
		slog.Int("findings", len(findings)),
		slog.Duration("elapsed", time.Since(start)))

	return report, nil
}

// score averages finding confidences with a deduction per critical issue
func (r *Runner) score(findings []Finding) float64 {
	if len(findings) == 0 {
		return 0
	}
	sum := 0.0
	criticals := 0
	for _, f := range findings {
		sum += f.Confidence
		criticals += f.CriticalCount()
	}
	score := sum/float64(len(findings)) - 0.05*float64(criticals)
	if score < 0 {
		score = 0
	}
	return score
}

func (r *Runner) verdict(report *Report) Verdict {
	switch {
	case report.Score >= r.config.PassThreshold && report.IssueCount(SeverityCritical) == 0:
		return VerdictPass
	case report.Score >= r.config.WarnThreshold:
		return VerdictWarn
	default:
		return VerdictFail
	}
}
