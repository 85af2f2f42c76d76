package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const stageLabel = "stage"

var (
	framesRendered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brickstream_frames_rendered",
		Help: "The number of frames that completed all four stages.",
	})

	frameErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brickstream_frame_errors",
		Help: "Frames abandoned part way, by the stage that failed.",
	}, []string{
		stageLabel,
	})

	frameDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "brickstream_frame_duration_seconds",
		Help:    "Wall time of one frame, unpack to stage.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	rayHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brickstream_ray_hits",
		Help: "Primary rays that ended on a voxel.",
	})

	rayMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brickstream_ray_misses",
		Help: "Primary rays that left the grid without a hit.",
	})

	brickRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brickstream_brick_requests",
		Help: "Cells claimed and queued by traversals.",
	})

	unpackedBricks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brickstream_unpacked_bricks",
		Help: "Bricks written into the cache by the unpack stage.",
	})
)

func instrumentFrame(st FrameStats, d time.Duration) {
	framesRendered.Inc()
	frameDuration.Observe(d.Seconds())
	rayHits.Add(float64(st.Dispatch.Hits))
	rayMisses.Add(float64(st.Dispatch.Misses))
	brickRequests.Add(float64(st.Dispatch.Requested))
	unpackedBricks.Add(float64(st.Unpack.BrickUpdates))
}

func instrumentFrameError(stage string) {
	frameErrors.WithLabelValues(stage).Inc()
}
