package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"confsfu/internal/core/domain"
)

func TestPrometheusCollector_RoomLifecycle(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.RoomCreated()
	c.PeerJoined("r1")
	c.PeerJoined("r1")
	c.ProducerCreated(domain.KindVideo)
	c.ConsumerCreated(domain.KindVideo)
	c.ConsumerClosed(domain.KindVideo)
	c.PeerLeft("r1")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.roomsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.peersConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.producersActive.WithLabelValues("video")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.consumersActive.WithLabelValues("video")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.consumersTotal.WithLabelValues("video")))

	c.RoomClosed()
	assert.Equal(t, 0.0, testutil.ToFloat64(c.roomsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.roomsTotal))
}

func TestPrometheusCollector_SignalingAndRecording(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.SessionOpened()
	c.RequestHandled("join", "", 3*time.Millisecond)
	c.RequestHandled("join", "NOT_FOUND", time.Millisecond)
	c.RecordingFailed(domain.KindAudio, "timeout")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.signalSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.signalRequests.WithLabelValues("join", "OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.signalRequests.WithLabelValues("join", "NOT_FOUND")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.recordingFailed.WithLabelValues("audio", "timeout")))
}

type fakeWorkers struct{ err error }

func (f fakeWorkers) Health() error { return f.err }

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("always", func(context.Context) error { return nil }, time.Second)
	assert.True(t, h.IsReady(context.Background()))

	h.AddWorkerCheck(fakeWorkers{err: errors.New("worker 7 died")}, time.Second)
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 20*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Checks["always"])
	assert.Equal(t, "worker 7 died", status.Checks["media_workers"])
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"])
}
