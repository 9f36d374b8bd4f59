package segclient

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Export job states reported by the progress endpoint.
const (
	ExportRunning   = "running"
	ExportCompleted = "completed"
	ExportError     = "error"
)

// DefaultExportPollInterval is how often WaitExport polls when no interval is given.
const DefaultExportPollInterval = 500 * time.Millisecond

// ExportOptions are the YOLO export parameters.
type ExportOptions struct {
	MinArea  int  `json:"min_area"`
	Simplify bool `json:"simplify"`
}

// DefaultExportOptions matches the player's defaults.
func DefaultExportOptions() ExportOptions {
	return ExportOptions{MinArea: 10, Simplify: true}
}

// ExportProgress is one poll of an export job.
type ExportProgress struct {
	Status    string  `json:"status"`
	Progress  float64 `json:"progress"`
	Processed int     `json:"processed"`
	Total     int     `json:"total"`
	Error     string  `json:"error"`
}

// StartExport launches a YOLO export of folder and returns its job id.
func (c *Client) StartExport(ctx context.Context, folder string, opts ExportOptions) (string, error) {
	body := struct {
		Folder string `json:"folder"`
		ExportOptions
	}{folder, opts}
	var out struct {
		JobID string `json:"job_id"`
	}
	err := c.do(ctx, "StartExport", http.MethodPost, "/save/segmentations-yolo", nil, body, &out,
		attribute.String("dataset", folder))
	if err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", &TransportError{Op: "StartExport", Err: errors.New("response carried no job_id")}
	}
	return out.JobID, nil
}

// ExportProgress fetches the state of jobID once.
func (c *Client) ExportProgress(ctx context.Context, jobID string) (ExportProgress, error) {
	var out ExportProgress
	err := c.do(ctx, "ExportProgress", http.MethodGet, "/save/segmentations-yolo/progress",
		url.Values{"job_id": {jobID}}, nil, &out, attribute.String("job_id", jobID))
	return out, err
}

// ExportFailedError is returned when the backend reports the job as failed.
type ExportFailedError struct {
	JobID   string
	Message string
}

func (e *ExportFailedError) Error() string { return e.Message }

// ExportWaiter polls an export job until it settles.
type ExportWaiter struct {
	Client   *Client
	Interval time.Duration
	Clock    clock.Clock
	// OnProgress, if set, is called for every successful poll.
	OnProgress func(ExportProgress)
}

// Wait polls jobID until it completes or fails. Non-2xx poll responses are
// ignored and retried; network errors and ctx cancellation end the wait.
func (w *ExportWaiter) Wait(ctx context.Context, jobID string) (ExportProgress, error) {
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultExportPollInterval
	}
	clk := w.Clock
	if clk == nil {
		clk = clock.New()
	}
	ticker := clk.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ExportProgress{}, ctx.Err()
		case <-ticker.C:
		}

		p, err := w.Client.ExportProgress(ctx, jobID)
		if err != nil {
			var te *TransportError
			if errors.As(err, &te) && te.NonOK() {
				w.Client.logger.Debug("ignoring export poll failure", zap.String("job_id", jobID), zap.Int("status", te.StatusCode))
				continue
			}
			return ExportProgress{}, err
		}
		if w.OnProgress != nil {
			w.OnProgress(p)
		}

		switch p.Status {
		case ExportCompleted:
			return p, nil
		case ExportError:
			msg := p.Error
			if msg == "" {
				msg = "Export failed"
			}
			return p, &ExportFailedError{JobID: jobID, Message: msg}
		}
	}
}
