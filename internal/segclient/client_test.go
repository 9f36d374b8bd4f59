package segclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/api/", srv.Client(), 0, nil)
}

func TestLoadModel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/segmentation/load-model", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "trackA", body["folder"])
		json.NewEncoder(w).Encode(map[string]any{"status": "model_loaded", "folder": "trackA", "frames": 120})
	})

	res, err := c.LoadModel(context.Background(), "trackA")
	require.NoError(t, err)
	assert.Equal(t, 120, res.Frames)
	assert.Equal(t, "model_loaded", res.Status)
}

func TestClickRoundTrip(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req ClickRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, ClickRequest{Folder: "trackA", FrameIndex: 4, X: 320, Y: 240, IsPositive: true, ObjectID: 2}, req)
		json.NewEncoder(w).Encode(map[string]any{
			"frame_index":   5,
			"updated_masks": []map[string]any{{"object_id": 2, "mask_png": "abc"}},
		})
	})

	res, err := c.Click(context.Background(), ClickRequest{Folder: "trackA", FrameIndex: 4, X: 320, Y: 240, IsPositive: true, ObjectID: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, res.FrameIndex)
	require.Len(t, res.UpdatedMasks, 1)
	assert.Equal(t, MaskPayload{ObjectID: 2, MaskPNG: "abc"}, res.UpdatedMasks[0])
}

func TestFrameMasksQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/segmentation/masks", r.URL.Path)
		assert.Equal(t, "trackA", r.URL.Query().Get("folder"))
		assert.Equal(t, "7", r.URL.Query().Get("frame_idx"))
		w.Write([]byte(`{"frame_index":7,"masks":[]}`))
	})

	res, err := c.FrameMasks(context.Background(), "trackA", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, res.FrameIndex)
	assert.Empty(t, res.Masks)
}

func TestNonOKIsTransportError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Invalid frame index", http.StatusBadRequest)
	})

	_, err := c.PropagateMasks(context.Background(), "trackA", 10)
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "PropagateMasks", te.Op)
	assert.Equal(t, http.StatusBadRequest, te.StatusCode)
	assert.True(t, te.NonOK())
	assert.Contains(t, te.Error(), "Invalid frame index")
}

func TestNetworkErrorIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url, nil, time.Second, nil).ListFolders(context.Background())
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Zero(t, te.StatusCode)
	assert.False(t, te.NonOK())
}

func TestFolderLookup(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/folders/", r.URL.Path)
		w.Write([]byte(`{"folders":[{"name":"trackA","num_frames":5,"width":640,"height":480},{"name":"b"}]}`))
	})

	f, ok, err := c.Folder(context.Background(), "trackA")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 640, f.Width)
	assert.Equal(t, 480, f.Height)

	_, ok, err = c.Folder(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStartExportSendsDefaults(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "trackA", body["folder"])
		assert.Equal(t, float64(10), body["min_area"])
		assert.Equal(t, true, body["simplify"])
		w.Write([]byte(`{"job_id":"j1","status":"started"}`))
	})

	id, err := c.StartExport(context.Background(), "trackA", DefaultExportOptions())
	require.NoError(t, err)
	assert.Equal(t, "j1", id)
}

func TestWaitExport(t *testing.T) {
	tests := []struct {
		name    string
		replies []string // "" means respond 503
		wantErr string
	}{
		{name: "completes", replies: []string{
			`{"status":"running","progress":0.5}`,
			`{"status":"completed","progress":1.0}`,
		}},
		{name: "ignores non-2xx polls", replies: []string{
			"",
			`{"status":"running","progress":0.2}`,
			"",
			`{"status":"completed","progress":1.0}`,
		}},
		{name: "error with message", replies: []string{`{"status":"error","error":"disk full"}`}, wantErr: "disk full"},
		{name: "error without message", replies: []string{`{"status":"error"}`}, wantErr: "Export failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var n atomic.Int32
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "j1", r.URL.Query().Get("job_id"))
				i := int(n.Add(1)) - 1
				if i >= len(tt.replies) {
					i = len(tt.replies) - 1
				}
				if tt.replies[i] == "" {
					w.WriteHeader(http.StatusServiceUnavailable)
					return
				}
				w.Write([]byte(tt.replies[i]))
			})

			var seen []float64
			waiter := &ExportWaiter{Client: c, Interval: time.Millisecond, OnProgress: func(p ExportProgress) {
				seen = append(seen, p.Progress)
			}}
			p, err := waiter.Wait(context.Background(), "j1")
			if tt.wantErr != "" {
				var ef *ExportFailedError
				require.True(t, errors.As(err, &ef))
				assert.Equal(t, tt.wantErr, ef.Message)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, ExportCompleted, p.Status)
			assert.Equal(t, 1.0, seen[len(seen)-1])
		})
	}
}

func TestWaitExportHonoursContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"running","progress":0.1}`))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := (&ExportWaiter{Client: c, Interval: 5 * time.Millisecond}).Wait(ctx, "j1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestsCarryTraceContext(t *testing.T) {
	oldTP, oldProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		tp.Shutdown(context.Background())
		otel.SetTracerProvider(oldTP)
		otel.SetTextMapPropagator(oldProp)
	})

	var traceparent string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
		json.NewEncoder(w).Encode(map[string]any{"status": "model_loaded", "folder": "trackA", "frames": 1})
	})

	_, err := c.LoadModel(context.Background(), "trackA")
	require.NoError(t, err)
	assert.Regexp(t, `^00-[0-9a-f]{32}-[0-9a-f]{16}-01$`, traceparent)
}
