package engine

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for analysis runs.
var (
	tracer = otel.Tracer("blastradius.engine")
	meter  = otel.Meter("blastradius.engine")
)

var (
	analysisLatency metric.Float64Histogram
	analysisTotal   metric.Int64Counter
	riskScores      metric.Float64Histogram
	reverseDeps     metric.Int64Histogram
	consumerCount   metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics registers the instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		analysisLatency, err = meter.Float64Histogram(
			"blastradius_analysis_duration_seconds",
			metric.WithDescription("Duration of change impact analyses"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		analysisTotal, err = meter.Int64Counter(
			"blastradius_analysis_total",
			metric.WithDescription("Total number of change impact analyses"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		riskScores, err = meter.Float64Histogram(
			"blastradius_risk_score",
			metric.WithDescription("Distribution of final risk scores"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		reverseDeps, err = meter.Int64Histogram(
			"blastradius_reverse_dependencies",
			metric.WithDescription("Number of nodes depending on a change"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		consumerCount, err = meter.Int64Histogram(
			"blastradius_api_consumers",
			metric.WithDescription("Number of external consumers of changed endpoints"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startAnalysisSpan(ctx context.Context, kind string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Engine.Analyze",
		trace.WithAttributes(attribute.String("change.kind_hint", kind)),
	)
}

func startStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Engine."+stage)
}

func setAnalysisSpanResult(span trace.Span, kind, target, band string, score float64, reverse int, success bool) {
	span.SetAttributes(
		attribute.String("change.kind", kind),
		attribute.String("change.target_id", target),
		attribute.String("risk.band", band),
		attribute.Float64("risk.score", score),
		attribute.Int("graph.reverse_dependencies", reverse),
		attribute.Bool("analysis.success", success),
	)
}

func recordAnalysisMetrics(ctx context.Context, duration time.Duration, kind, band string, score float64, reverse, consumers int, success bool) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("band", band),
		attribute.Bool("success", success),
	)
	analysisLatency.Record(ctx, duration.Seconds(), attrs)
	analysisTotal.Add(ctx, 1, attrs)
	if !success {
		return
	}
	riskScores.Record(ctx, score, metric.WithAttributes(attribute.String("kind", kind)))
	reverseDeps.Record(ctx, int64(reverse))
	if kind == "API" {
		consumerCount.Record(ctx, int64(consumers))
	}
}
