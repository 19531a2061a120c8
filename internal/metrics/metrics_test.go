package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joycaption/internal/domain"
)

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.CaptionWritten()
	r.CaptionWritten()
	r.ItemFailed(ReasonDecode)
	r.BatchGenerated(200 * time.Millisecond)
	r.BatchSkipped()
	r.RunFinished(domain.JobKindBatch, domain.JobStatusDoneWithWarnings)
	r.SetModelLoaded(true)

	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 2.0, snap["joycaption_captions_written_total"])
	assert.Equal(t, 1.0, snap["joycaption_item_failures_total{reason=decode}"])
	assert.Equal(t, 1.0, snap["joycaption_batches_total{outcome=generated}"])
	assert.Equal(t, 1.0, snap["joycaption_batches_total{outcome=empty}"])
	assert.Equal(t, 1.0, snap["joycaption_generation_duration_seconds_count{flow=batch}"])
	assert.InDelta(t, 0.2, snap["joycaption_generation_duration_seconds_sum{flow=batch}"], 1e-9)
	assert.Equal(t, 1.0, snap["joycaption_runs_total{kind=batch,status=done_with_warnings}"])
	assert.Equal(t, 1.0, snap["joycaption_model_loaded"])
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.CaptionWritten()
	r.ItemFailed(ReasonWrite)
	r.StreamGenerated(time.Second)
	r.SetModelLoaded(false)
	assert.Nil(t, r.Registry())

	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, snap)
}
