package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/spinlidar/internal/db"
	"github.com/banshee-data/spinlidar/internal/publish"
	"github.com/banshee-data/spinlidar/internal/serialport"
	"github.com/banshee-data/spinlidar/internal/tune"
)

func TestNewWebServer_RequiresPipeline(t *testing.T) {
	_, err := NewWebServer(WebServerConfig{Address: ":0"})
	assert.Error(t, err)
}

func TestNewWebServer_AdminRouteError(t *testing.T) {
	_, err := NewWebServer(WebServerConfig{
		Address:  ":0",
		Pipeline: newIdleBuffer(t),
		AdminRoutes: []func(*http.ServeMux) error{
			func(*http.ServeMux) error { return errors.New("boom") },
		},
	})
	assert.ErrorContains(t, err, "boom")
}

func TestHealth(t *testing.T) {
	ws := newTestServer(t, WebServerConfig{})
	rec := serve(ws, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "spinlidar", body["service"])
}

func TestStatus(t *testing.T) {
	feed := newFakeFeed()
	ws := newTestServer(t, WebServerConfig{
		Feed:   feed,
		Tuner:  &fakeTuner{running: true},
		Serial: func() serialport.TransportStats { return serialport.TransportStats{BytesRead: 4096, Buffered: 9} },
	})

	rec := serve(ws, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 100.0, got.Pipeline.RPM)
	assert.InDelta(t, 0.6, got.Pipeline.RotationSeconds, 1e-9)
	assert.False(t, got.Pipeline.Running)
	require.NotNil(t, got.Serial)
	assert.Equal(t, uint64(4096), got.Serial.BytesRead)
	assert.Equal(t, 9, got.Serial.Buffered)
	require.NotNil(t, got.Publisher)
	assert.True(t, got.Tuning)

	rec = serve(ws, http.MethodPost, "/api/status", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatus_OptionalSectionsOmitted(t *testing.T) {
	ws := newTestServer(t, WebServerConfig{})
	rec := serve(ws, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.NotContains(t, raw, "publisher")
	assert.NotContains(t, raw, "serial")
	assert.Contains(t, raw, "pipeline")
}

func TestStatusPage(t *testing.T) {
	feed := newFakeFeed()
	feed.push(squareRotation())
	ws := newTestServer(t, WebServerConfig{
		Address: ":8080",
		Feed:    feed,
		Serial:  func() serialport.TransportStats { return serialport.TransportStats{BytesRead: 2048} },
	})

	rec := serve(ws, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Serving on :8080")
	assert.Contains(t, body, "100.00")
	assert.Contains(t, body, "2.0 kB")
	assert.Contains(t, body, "Latest rotation #7: 4 samples")

	rec = serve(ws, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRPM(t *testing.T) {
	ws := newTestServer(t, WebServerConfig{})

	tests := []struct {
		name       string
		method     string
		body       string
		wantStatus int
		wantRPM    float64
	}{
		{"get", http.MethodGet, "", http.StatusOK, 100},
		{"set", http.MethodPost, `{"rpm": 150}`, http.StatusOK, 150},
		{"zero", http.MethodPost, `{"rpm": 0}`, http.StatusBadRequest, 150},
		{"negative", http.MethodPost, `{"rpm": -5}`, http.StatusBadRequest, 150},
		{"missing", http.MethodPost, `{}`, http.StatusBadRequest, 150},
		{"malformed", http.MethodPost, `{"rpm":`, http.StatusBadRequest, 150},
		{"wrong method", http.MethodDelete, "", http.StatusMethodNotAllowed, 150},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(ws, tt.method, "/api/rpm", strings.NewReader(tt.body))
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantRPM, ws.pipeline.RPM())

			if rec.Code == http.StatusOK {
				var got rpmResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
				assert.Equal(t, tt.wantRPM, got.RPM)
				assert.InDelta(t, 60/tt.wantRPM, got.RotationSeconds, 1e-9)
			}
		})
	}
}

func TestRPM_RejectedWhileTuning(t *testing.T) {
	ws := newTestServer(t, WebServerConfig{Tuner: &fakeTuner{running: true}})

	rec := serve(ws, http.MethodPost, "/api/rpm", strings.NewReader(`{"rpm": 150}`))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 100.0, ws.pipeline.RPM())
}

func TestReset(t *testing.T) {
	pipeline := &queuedPipeline{Buffer: newIdleBuffer(t), queued: 42}
	ws := newTestServer(t, WebServerConfig{Pipeline: pipeline})

	rec := serve(ws, http.MethodGet, "/api/reset", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, 0, pipeline.resets)

	rec = serve(ws, http.MethodPost, "/api/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"discarded": 42}`, rec.Body.String())
	assert.Equal(t, 1, pipeline.resets)
	assert.Equal(t, 0, pipeline.Len())
}

func TestRotation(t *testing.T) {
	t.Run("publishing disabled", func(t *testing.T) {
		ws := newTestServer(t, WebServerConfig{})
		rec := serve(ws, http.MethodGet, "/api/rotation", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("nothing captured", func(t *testing.T) {
		ws := newTestServer(t, WebServerConfig{Feed: newFakeFeed()})
		rec := serve(ws, http.MethodGet, "/api/rotation", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "no rotation captured yet")
	})

	t.Run("latest", func(t *testing.T) {
		feed := newFakeFeed()
		feed.push(squareRotation())
		ws := newTestServer(t, WebServerConfig{Feed: feed})

		rec := serve(ws, http.MethodGet, "/api/rotation", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var got publish.Rotation
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		if diff := cmp.Diff(squareRotation(), got); diff != "" {
			t.Errorf("rotation mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestTune(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		ws := newTestServer(t, WebServerConfig{})
		rec := serve(ws, http.MethodPost, "/api/tune", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("starts", func(t *testing.T) {
		tuner := &fakeTuner{}
		ws := newTestServer(t, WebServerConfig{Tuner: tuner})

		rec := serve(ws, http.MethodGet, "/api/tune", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

		rec = serve(ws, http.MethodPost, "/api/tune", nil)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, 1, tuner.starts)
	})

	t.Run("already running", func(t *testing.T) {
		ws := newTestServer(t, WebServerConfig{Tuner: &fakeTuner{err: tune.ErrAlreadyRunning}})
		rec := serve(ws, http.MethodPost, "/api/tune", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("other failure", func(t *testing.T) {
		ws := newTestServer(t, WebServerConfig{Tuner: &fakeTuner{err: errors.New("no target")}})
		rec := serve(ws, http.MethodPost, "/api/tune", nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func newHistoryDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.NewDB(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestTuneRuns(t *testing.T) {
	history := newHistoryDB(t)
	base := time.Unix(1700000000, 0)
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		require.NoError(t, history.InsertTuneRun(db.TuneRun{
			RunID:     id,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			MinRPM:    30,
			MaxRPM:    300,
		}))
	}
	trialErr := 12.5
	require.NoError(t, history.InsertTuneTrial(db.TuneTrial{
		RunID: "run-b", Seq: 0, RPM: 97.5, Error: &trialErr, SamplesA: 180, SamplesB: 181, RecordedAt: base,
	}))

	ws := newTestServer(t, WebServerConfig{History: history})

	t.Run("newest first", func(t *testing.T) {
		rec := serve(ws, http.MethodGet, "/api/tune/runs", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var runs []db.TuneRun
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
		require.Len(t, runs, 3)
		assert.Equal(t, "run-c", runs[0].RunID)
		assert.Equal(t, db.TuneStatusRunning, runs[0].Status)
	})

	t.Run("limit", func(t *testing.T) {
		rec := serve(ws, http.MethodGet, "/api/tune/runs?limit=2", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var runs []db.TuneRun
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
		assert.Len(t, runs, 2)
	})

	t.Run("bad limit", func(t *testing.T) {
		rec := serve(ws, http.MethodGet, "/api/tune/runs?limit=zero", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("trials", func(t *testing.T) {
		rec := serve(ws, http.MethodGet, "/api/tune/runs?run_id=run-b", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var trials []db.TuneTrial
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trials))
		require.Len(t, trials, 1)
		assert.Equal(t, 97.5, trials[0].RPM)
		assert.Equal(t, 181, trials[0].SamplesB)
	})

	t.Run("no trials is an empty list", func(t *testing.T) {
		rec := serve(ws, http.MethodGet, "/api/tune/runs?run_id=run-a", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, rec.Body.String())
	})
}

func TestTuneRuns_NoDatabase(t *testing.T) {
	ws := newTestServer(t, WebServerConfig{})
	rec := serve(ws, http.MethodGet, "/api/tune/runs", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "no database configured")
}

func TestDebugPage(t *testing.T) {
	history := newHistoryDB(t)
	ws := newTestServer(t, WebServerConfig{
		AdminRoutes: []func(*http.ServeMux) error{history.AttachAdminRoutes},
	})

	rec := serve(ws, http.MethodGet, "/debug/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Queued samples")
	assert.Contains(t, body, "Debug logging")
	assert.Contains(t, body, "Tune runs")

	rec = serve(ws, http.MethodGet, "/debug/pipeline-stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"rpm":100`)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ws := newTestServer(t, WebServerConfig{Address: "127.0.0.1:0"})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ws.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}

	_, err = http.Get("http://" + ln.Addr().String() + "/health")
	assert.Error(t, err)
}

func TestStart_ListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ws := newTestServer(t, WebServerConfig{Address: ln.Addr().String()})
	err = ws.Start(context.Background())
	assert.ErrorContains(t, err, "failed to listen")
}
