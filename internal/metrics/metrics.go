package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RowsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pikasurvey_rows_ingested_total",
			Help: "Total spreadsheet rows stored",
		},
		[]string{"sheet"},
	)

	QualityFlags = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pikasurvey_quality_flags_total",
			Help: "Total quality flags raised during ingest",
		},
		[]string{"sheet", "flag"},
	)

	ModelsFitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pikasurvey_models_fitted_total",
			Help: "Total candidate models fitted",
		},
		[]string{"family", "status"},
	)

	FitLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pikasurvey_fit_duration_seconds",
			Help:    "Model fit duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"family"},
	)

	ResidualsFlagged = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pikasurvey_top_model_flagged",
			Help: "1 when the top model's residual diagnostics raised a concern",
		},
	)
)

// WriteTextfile dumps the default registry in the node_exporter textfile
// format.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	return nil
}
