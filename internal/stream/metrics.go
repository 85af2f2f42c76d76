package stream

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"brickstream.ai/internal/voxel/brick"
)

const errTypeLabel = "error_type"

var (
	feedbackRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brickstream_feedback_requests",
		Help: "The number of brick requests drained from the feedback queue.",
	})

	bricksLoaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brickstream_bricks_loaded",
		Help: "The number of non-empty bricks placed into cache slots.",
	})

	loadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brickstream_load_failures",
		Help: "Brick loads that left their cell unloaded.",
	}, []string{
		errTypeLabel,
	})

	loadLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "brickstream_load_batch_latency",
		Help: "The time to load every brick requested in one frame.",
	})

	evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brickstream_evictions",
		Help: "The number of cache slots reclaimed from a resident brick.",
	})

	stagedBricks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brickstream_staged_bricks",
		Help: "Brick updates handed to the unpack stage.",
	})

	stagedGridUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brickstream_staged_grid_updates",
		Help: "Grid cell updates handed to the unpack stage.",
	})

	backlog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "brickstream_upload_backlog",
		Help: "Commits waiting for room in a frame's unpack buffers.",
	})

	residentBricks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "brickstream_resident_bricks",
		Help: "Cache slots currently assigned to a brick.",
	})
)

func errType(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, brick.ErrInvalidPayload):
		return "invalid_payload"
	default:
		return "load"
	}
}

func instrumentLoadFailure(err error) {
	loadFailures.With(prometheus.Labels{
		errTypeLabel: errType(err),
	}).Inc()
}

func instrumentLoadLatency(start time.Time) {
	loadLatency.Observe(time.Since(start).Seconds())
}

func instrumentEviction() {
	evictions.Inc()
}

func instrumentFeedback(st FeedbackStats) {
	feedbackRequests.Add(float64(st.Requests))
	bricksLoaded.Add(float64(st.Loaded))
	backlog.Set(float64(st.Backlog))
}

func instrumentStage(st StageStats, resident int) {
	stagedBricks.Add(float64(st.Bricks))
	stagedGridUpdates.Add(float64(st.GridUpdates))
	backlog.Set(float64(st.Backlog))
	residentBricks.Set(float64(resident))
}
