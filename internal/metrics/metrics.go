// Package metrics counts caption throughput and failures on a private
// Prometheus registry.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"joycaption/internal/domain"
)

// Failure reasons.
const (
	ReasonDecode   = "decode"
	ReasonWrite    = "write"
	ReasonNoOutput = "no_output"
)

// Recorder holds the application metrics. A nil Recorder records nothing.
type Recorder struct {
	reg *prometheus.Registry

	captionsWritten prometheus.Counter
	itemFailures    *prometheus.CounterVec
	batches         *prometheus.CounterVec
	generation      *prometheus.HistogramVec
	runs            *prometheus.CounterVec
	modelLoaded     prometheus.Gauge
}

// New registers every metric on a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		reg: reg,
		captionsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "joycaption_captions_written_total",
			Help: "Caption files written to disk",
		}),
		itemFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "joycaption_item_failures_total",
			Help: "Images that could not be captioned, by reason",
		}, []string{"reason"}),
		batches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "joycaption_batches_total",
			Help: "Batches seen by the batch pipeline, by outcome",
		}, []string{"outcome"}),
		generation: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "joycaption_generation_duration_seconds",
			Help:    "Model generation latency by flow",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"flow"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "joycaption_runs_total",
			Help: "Finished runs by kind and final status",
		}, []string{"kind", "status"}),
		modelLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "joycaption_model_loaded",
			Help: "Whether the captioning model is loaded (1=loaded, 0=not loaded)",
		}),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

func (r *Recorder) CaptionWritten() {
	if r == nil {
		return
	}
	r.captionsWritten.Inc()
}

func (r *Recorder) ItemFailed(reason string) {
	if r == nil {
		return
	}
	r.itemFailures.WithLabelValues(reason).Inc()
}

// BatchGenerated records one non-empty batch and its generation latency.
func (r *Recorder) BatchGenerated(d time.Duration) {
	if r == nil {
		return
	}
	r.batches.WithLabelValues("generated").Inc()
	r.generation.WithLabelValues("batch").Observe(d.Seconds())
}

// BatchSkipped records a batch in which every image failed to load.
func (r *Recorder) BatchSkipped() {
	if r == nil {
		return
	}
	r.batches.WithLabelValues("empty").Inc()
}

func (r *Recorder) StreamGenerated(d time.Duration) {
	if r == nil {
		return
	}
	r.generation.WithLabelValues("stream").Observe(d.Seconds())
}

func (r *Recorder) RunFinished(kind domain.JobKind, status domain.JobStatus) {
	if r == nil {
		return
	}
	r.runs.WithLabelValues(string(kind), string(status)).Inc()
}

func (r *Recorder) SetModelLoaded(loaded bool) {
	if r == nil {
		return
	}
	if loaded {
		r.modelLoaded.Set(1)
	} else {
		r.modelLoaded.Set(0)
	}
}

// Snapshot flattens the registry into name{labels} -> value. Histograms
// contribute _count and _sum entries.
func (r *Recorder) Snapshot() (map[string]float64, error) {
	out := map[string]float64{}
	if r == nil {
		return out, nil
	}

	families, err := r.reg.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}
	for _, family := range families {
		for _, m := range family.GetMetric() {
			pairs := make([]string, 0, len(m.GetLabel()))
			for _, label := range m.GetLabel() {
				pairs = append(pairs, label.GetName()+"="+label.GetValue())
			}
			sort.Strings(pairs)
			key := family.GetName()
			suffix := ""
			if len(pairs) > 0 {
				suffix = "{" + strings.Join(pairs, ",") + "}"
			}

			switch {
			case m.GetCounter() != nil:
				out[key+suffix] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key+suffix] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[key+"_count"+suffix] = float64(m.GetHistogram().GetSampleCount())
				out[key+"_sum"+suffix] = m.GetHistogram().GetSampleSum()
			}
		}
	}
	return out, nil
}
