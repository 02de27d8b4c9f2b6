package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Verdict is the detection worker's answer for a single image
type Verdict struct {
	IsValid    bool     `json:"is_valid"`
	Confidence *float64 `json:"confidence,omitempty"`
	DetectedBy string   `json:"detected_by,omitempty"`
	BBox       []int    `json:"bbox,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Failure is a typed detection failure classified for retry purposes.
// Transient failures (connection errors, timeouts, HTTP 429 and 5xx) are
// retried by the ingest pipeline; permanent ones are not.
type Failure struct {
	Transient bool
	Reason    string
	Err       error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Reason, f.Err)
	}
	return f.Reason
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// IsTransient reports whether err is a detection failure worth retrying
func IsTransient(err error) bool {
	var f *Failure
	if errors.As(err, &f) {
		return f.Transient
	}
	return false
}

// ImageRef names one image to check: either raw bytes with a filename,
// or an absolute URL. Exactly one of the two forms is set.
type ImageRef struct {
	Name string
	Data []byte
	URL  string
}

// Client calls the external detection worker over HTTP
type Client struct {
	baseURL             string
	confidenceThreshold float64
	http                *http.Client
}

// NewClient creates a detector client with a per-request timeout
func NewClient(baseURL string, confidenceThreshold float64, timeout time.Duration) *Client {
	return &Client{
		baseURL:             baseURL,
		confidenceThreshold: confidenceThreshold,
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

// Detect submits one image to the worker and returns its verdict.
// Transport and HTTP errors come back as *Failure with a retry
// classification.
func (c *Client) Detect(ctx context.Context, ref ImageRef) (*Verdict, error) {
	var req *http.Request
	var err error

	if ref.URL != "" {
		req, err = c.urlRequest(ctx, ref.URL)
	} else {
		req, err = c.fileRequest(ctx, ref.Name, ref.Data)
	}
	if err != nil {
		return nil, &Failure{Transient: false, Reason: "failed to build request", Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Connection refused, DNS failure, timeout: all transient
		return nil, &Failure{Transient: true, Reason: "detector unreachable", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &Failure{
			Transient: true,
			Reason:    fmt.Sprintf("detector returned HTTP %d", resp.StatusCode),
		}
	default:
		return nil, &Failure{
			Transient: false,
			Reason:    fmt.Sprintf("detector returned HTTP %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Failure{Transient: true, Reason: "failed to read detector response", Err: err}
	}

	var verdict Verdict
	if err := json.Unmarshal(body, &verdict); err != nil {
		return nil, &Failure{Transient: false, Reason: "malformed detector response", Err: err}
	}
	return &verdict, nil
}

func (c *Client) urlRequest(ctx context.Context, imageURL string) (*http.Request, error) {
	form := url.Values{}
	form.Set("image_url", imageURL)
	form.Set("confidence_threshold", strconv.FormatFloat(c.confidenceThreshold, 'f', -1, 64))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/detect", bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

func (c *Client) fileRequest(ctx context.Context, name string, data []byte) (*http.Request, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := w.WriteField("confidence_threshold",
		strconv.FormatFloat(c.confidenceThreshold, 'f', -1, 64)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req, nil
}
