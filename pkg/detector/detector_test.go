package detector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectURLVerdict(t *testing.T) {
	var gotURL, gotThreshold string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotURL = r.FormValue("image_url")
		gotThreshold = r.FormValue("confidence_threshold")
		w.Write([]byte(`{"is_valid":true,"confidence":0.91,"detected_by":"yolo","bbox":[1,2,3,4]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0.35, 5*time.Second)
	verdict, err := c.Detect(context.Background(), ImageRef{URL: "https://cdn.example.com/a.png"})
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.example.com/a.png", gotURL)
	assert.Equal(t, "0.35", gotThreshold)
	assert.True(t, verdict.IsValid)
	require.NotNil(t, verdict.Confidence)
	assert.InDelta(t, 0.91, *verdict.Confidence, 1e-9)
	assert.Equal(t, "yolo", verdict.DetectedBy)
	assert.Equal(t, []int{1, 2, 3, 4}, verdict.BBox)
}

func TestDetectFileUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, header, err := r.FormFile("file")
		require.NoError(t, err)
		f.Close()
		assert.Equal(t, "logo.png", header.Filename)
		w.Write([]byte(`{"is_valid":false}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0.35, 5*time.Second)
	verdict, err := c.Detect(context.Background(), ImageRef{Name: "logo.png", Data: []byte("png-bytes")})
	require.NoError(t, err)
	assert.False(t, verdict.IsValid)
}

func TestDetectFailureClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantTransient bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, wantTransient: true},
		{name: "server error", status: http.StatusInternalServerError, wantTransient: true},
		{name: "bad gateway", status: http.StatusBadGateway, wantTransient: true},
		{name: "not found", status: http.StatusNotFound, wantTransient: false},
		{name: "bad request", status: http.StatusBadRequest, wantTransient: false},
		{name: "malformed body", status: http.StatusOK, body: "not json", wantTransient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, 0.35, 5*time.Second)
			_, err := c.Detect(context.Background(), ImageRef{URL: "https://x/y.png"})
			require.Error(t, err)
			assert.Equal(t, tt.wantTransient, IsTransient(err))
		})
	}
}

func TestDetectUnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient(srv.URL, 0.35, time.Second)
	_, err := c.Detect(context.Background(), ImageRef{URL: "https://x/y.png"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestIsTransientPlainError(t *testing.T) {
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(nil))
}
