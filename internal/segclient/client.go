// Package segclient talks to the remote segmentation model over HTTP.
package segclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/andresmejia3/maskscrub/internal/logging"
	"github.com/andresmejia3/maskscrub/internal/metrics"
)

// TransportError is a network failure or a non-2xx response from the backend.
type TransportError struct {
	Op         string
	StatusCode int // zero for network errors
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.NonOK() {
		return fmt.Sprintf("%s: backend returned %d: %s", e.Op, e.StatusCode, strings.TrimSpace(e.Body))
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NonOK reports whether the backend answered with a non-2xx status.
func (e *TransportError) NonOK() bool {
	return e.StatusCode != 0 && (e.StatusCode < 200 || e.StatusCode > 299)
}

// MaskPayload is one transport-encoded mask.
type MaskPayload struct {
	ObjectID int    `json:"object_id"`
	MaskPNG  string `json:"mask_png"`
}

type LoadModelResponse struct {
	Status string `json:"status"`
	Folder string `json:"folder"`
	Frames int    `json:"frames"`
}

// ClickRequest carries a click in native pixel coordinates.
type ClickRequest struct {
	Folder     string `json:"folder"`
	FrameIndex int    `json:"frame_index"`
	X          int    `json:"x"`
	Y          int    `json:"y"`
	IsPositive bool   `json:"is_positive"`
	ObjectID   int    `json:"object_id"`
}

// ClickResponse carries the masks the click changed. FrameIndex is authoritative.
type ClickResponse struct {
	FrameIndex   int           `json:"frame_index"`
	UpdatedMasks []MaskPayload `json:"updated_masks"`
}

// FrameMasksResponse lists every known mask of a frame. Absent objects have no mask yet.
type FrameMasksResponse struct {
	FrameIndex int           `json:"frame_index"`
	Masks      []MaskPayload `json:"masks"`
}

type PropagateResponse struct {
	Status        string `json:"status"`
	Folder        string `json:"folder"`
	FramesUpdated int    `json:"frames_updated"`
}

// FolderMetadata describes one dataset known to the backend.
type FolderMetadata struct {
	Name        string `json:"name"`
	NumFrames   int    `json:"num_frames"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Description string `json:"description"`
	UploadDate  string `json:"upload_date"`
}

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New returns a Client rooted at baseURL (for example http://localhost:8000/api).
// A nil hc gets a client with timeout.
func New(baseURL string, hc *http.Client, timeout time.Duration, logger *zap.Logger) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
		logger:  logging.OrNop(logger).Named("segclient"),
		tracer:  otel.Tracer("segclient"),
	}
}

// LoadModel asks the backend to load the model for folder.
func (c *Client) LoadModel(ctx context.Context, folder string) (LoadModelResponse, error) {
	var out LoadModelResponse
	err := c.do(ctx, "LoadModel", http.MethodPost, "/segmentation/load-model", nil,
		map[string]string{"folder": folder}, &out, attribute.String("dataset", folder))
	return out, err
}

// Click sends one click and returns the masks it changed.
func (c *Client) Click(ctx context.Context, req ClickRequest) (ClickResponse, error) {
	var out ClickResponse
	err := c.do(ctx, "Click", http.MethodPost, "/segmentation/click", nil, req, &out,
		attribute.String("dataset", req.Folder),
		attribute.Int("frame", req.FrameIndex),
		attribute.Int("object", req.ObjectID))
	return out, err
}

// FrameMasks fetches every mask the backend holds for one frame.
func (c *Client) FrameMasks(ctx context.Context, folder string, frame int) (FrameMasksResponse, error) {
	q := url.Values{"folder": {folder}, "frame_idx": {strconv.Itoa(frame)}}
	var out FrameMasksResponse
	err := c.do(ctx, "FrameMasks", http.MethodGet, "/segmentation/masks", q, nil, &out,
		attribute.String("dataset", folder), attribute.Int("frame", frame))
	return out, err
}

// PropagateMasks runs server-side propagation across totalFrames.
func (c *Client) PropagateMasks(ctx context.Context, folder string, totalFrames int) (PropagateResponse, error) {
	body := struct {
		Folder      string `json:"folder"`
		TotalFrames int    `json:"total_frames"`
	}{folder, totalFrames}
	var out PropagateResponse
	err := c.do(ctx, "PropagateMasks", http.MethodPost, "/segmentation/propagate-masks", nil, body, &out,
		attribute.String("dataset", folder), attribute.Int("total_frames", totalFrames))
	return out, err
}

// ListFolders returns the datasets the backend knows about.
func (c *Client) ListFolders(ctx context.Context) ([]FolderMetadata, error) {
	var out struct {
		Folders []FolderMetadata `json:"folders"`
	}
	if err := c.do(ctx, "ListFolders", http.MethodGet, "/folders/", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Folders, nil
}

// Folder returns the metadata for name, or false when the backend does not list it.
func (c *Client) Folder(ctx context.Context, name string) (FolderMetadata, bool, error) {
	folders, err := c.ListFolders(ctx)
	if err != nil {
		return FolderMetadata{}, false, err
	}
	for _, f := range folders {
		if f.Name == name {
			return f, true, nil
		}
	}
	return FolderMetadata{}, false, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, in, out any, attrs ...attribute.KeyValue) (err error) {
	ctx, span := c.tracer.Start(ctx, "segclient."+op, trace.WithAttributes(attrs...))
	start := time.Now()
	defer func() {
		metrics.BackendRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	reqID := uuid.NewString()
	req.Header.Set("X-Request-ID", reqID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("backend request failed", zap.String("op", op), zap.String("request_id", reqID), zap.Error(err))
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Warn("backend returned an error",
			zap.String("op", op), zap.String("request_id", reqID), zap.Int("status", resp.StatusCode))
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Body: string(msg)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	c.logger.Debug("backend request ok", zap.String("op", op), zap.String("request_id", reqID),
		zap.Duration("took", time.Since(start)))
	return nil
}
