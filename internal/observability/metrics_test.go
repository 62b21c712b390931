package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordOnPrivateRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("vb", reg)

	m.SessionOpened("relay")
	m.SessionOpened("relay")
	m.SessionClosed("relay")
	m.DroppedFrame("audio_append")
	m.CredentialIssued("ok", 120*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions.WithLabelValues("relay")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DroppedFrames.WithLabelValues("audio_append")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CredentialIssues.WithLabelValues("ok")))

	rec := httptest.NewRecorder()
	MetricsHandler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "vb_dropped_frames_total"))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SessionOpened("webrtc")
	m.Message("client_to_upstream", "input_audio_buffer.append")
	m.ObserveFirstAudioLatency(time.Second)
}

func TestNewLoggerFormats(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		l, err := NewLogger("debug", format)
		if err != nil {
			t.Fatalf("NewLogger(%q) error = %v", format, err)
		}
		l.Debug("ok")
	}
	assert.NotNil(t, OrNop(nil))
}
