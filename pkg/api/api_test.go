package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriflow/logocheck/pkg/config"
	"github.com/veriflow/logocheck/pkg/detector"
	"github.com/veriflow/logocheck/pkg/hub"
	"github.com/veriflow/logocheck/pkg/ingest"
	"github.com/veriflow/logocheck/pkg/maintenance"
	"github.com/veriflow/logocheck/pkg/session"
	"github.com/veriflow/logocheck/pkg/storage"
	"github.com/veriflow/logocheck/pkg/tracker"
	"github.com/veriflow/logocheck/pkg/types"
)

type fixture struct {
	srv     *httptest.Server
	tracker *tracker.Tracker
	store   storage.Store
}

func newFixture(t *testing.T, detectorHandler http.HandlerFunc) *fixture {
	t.Helper()

	detSrv := httptest.NewServer(detectorHandler)
	t.Cleanup(detSrv.Close)

	cfg := config.Default()
	cfg.StoreRoot = t.TempDir()
	cfg.DetectorURL = detSrv.URL
	cfg.AdminUsername = "admin"
	cfg.AdminPassword = "secret"
	cfg.RetryBaseDelay = 5 * time.Millisecond

	store, err := storage.NewFileStore(cfg.StoreRoot)
	require.NoError(t, err)
	index, err := storage.OpenIndex(cfg.StoreRoot)
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	progressHub := hub.New(cfg.StaleWindow)
	t.Cleanup(progressHub.Stop)

	trk := tracker.New(store, index, progressHub, nil)
	det := detector.NewClient(cfg.DetectorURL, cfg.ConfidenceThreshold, 2*time.Second)
	pipeline := ingest.New(trk, store, det, progressHub, ingest.Config{
		Workers:       2,
		Retry:         ingest.RetryPolicy{MaxAttempts: 2, BaseDelay: cfg.RetryBaseDelay, Multiplier: 2},
		ShutdownGrace: time.Second,
	})
	t.Cleanup(pipeline.Stop)

	sessions := session.NewManager(cfg.AdminUsername, cfg.AdminPassword, cfg.SessionDuration)
	maint := maintenance.NewScheduler(store, trk, sessions, maintenance.Config{
		TempSweepInterval:   time.Hour,
		TempAge:             cfg.TempAge,
		BatchExpiryInterval: time.Hour,
		BatchAge:            cfg.BatchAge,
		PendingAge:          cfg.PendingAge,
		SessionSweep:        time.Hour,
	})

	server := NewServer(cfg, trk, pipeline, progressHub, sessions, maint, store, index)
	srv := httptest.NewServer(server.routes())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, tracker: trk, store: store}
}

func validDetector() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"is_valid":true,"confidence":0.9,"detected_by":"yolo","bbox":[0,0,10,10]}`))
	}
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func startBatch(t *testing.T, f *fixture) string {
	t.Helper()
	resp, err := http.PostForm(f.srv.URL+"/api/start-batch", url.Values{"client_id": {"client-1"}})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body map[string]string
	decodeJSON(t, resp, &body)
	require.NotEmpty(t, body["batch_id"])
	return body["batch_id"]
}

func initBatch(t *testing.T, f *fixture, id string, total int) {
	t.Helper()
	resp := postJSON(t, f.srv.URL+"/api/init-batch", map[string]interface{}{
		"batch_id": id, "client_id": "client-1", "total": total,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func waitStatus(t *testing.T, f *fixture, id string, want types.BatchStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get(f.srv.URL + "/api/check-logo/batch/" + id + "/status")
		if err != nil {
			return false
		}
		var snap struct {
			Status types.BatchStatus `json:"status"`
		}
		decodeJSON(t, resp, &snap)
		return snap.Status == want
	}, 5*time.Second, 20*time.Millisecond, "batch never reached %s", want)
}

func TestBatchLifecycle(t *testing.T) {
	f := newFixture(t, validDetector())

	id := startBatch(t, f)
	initBatch(t, f, id, 2)

	resp := postJSON(t, f.srv.URL+"/api/check-logo/batch/", map[string]interface{}{
		"batch_id":    id,
		"client_id":   "client-1",
		"image_paths": []string{"https://a/1.png", "https://a/2.png"},
	})
	var accepted map[string]string
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	decodeJSON(t, resp, &accepted)
	assert.Equal(t, "processing", accepted["status"])

	waitStatus(t, f, id, types.BatchStatusCompleted)

	// Completion is idempotent and returns the results
	resp, err := http.Post(f.srv.URL+"/api/check-logo/batch/"+id+"/complete", "", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var completed struct {
		Results []types.Result `json:"results"`
	}
	decodeJSON(t, resp, &completed)
	require.Len(t, completed.Results, 2)

	// CSV export
	resp, err = http.Get(f.srv.URL + "/api/check-logo/batch/export-csv/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "batch_"+id+"_results.csv")

	csvData, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(csvData), "Image_Path_or_URL")
	assert.Contains(t, string(csvData), "https://a/1.png")
}

func TestEmptySubmissionCompletesImmediately(t *testing.T) {
	f := newFixture(t, validDetector())

	id := startBatch(t, f)
	initBatch(t, f, id, 0)

	resp := postJSON(t, f.srv.URL+"/api/check-logo/batch/", map[string]interface{}{
		"batch_id": id, "image_paths": []string{},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	waitStatus(t, f, id, types.BatchStatusCompleted)
}

func TestBatchStatusNotFound(t *testing.T) {
	f := newFixture(t, validDetector())

	resp, err := http.Get(f.srv.URL + "/api/check-logo/batch/nope/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmitToUnknownBatch(t *testing.T) {
	f := newFixture(t, validDetector())

	resp := postJSON(t, f.srv.URL+"/api/check-logo/batch/", map[string]interface{}{
		"batch_id": "nope", "image_paths": []string{"https://a/1.png"},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInitBatchConflict(t *testing.T) {
	f := newFixture(t, validDetector())

	id := startBatch(t, f)
	initBatch(t, f, id, 2)

	resp := postJSON(t, f.srv.URL+"/api/init-batch", map[string]interface{}{
		"batch_id": id, "total": 5,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCheckSingleRejectsUnsupportedType(t *testing.T) {
	f := newFixture(t, validDetector())

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("not an image"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	resp, err := http.Post(f.srv.URL+"/api/check-logo/single/", w.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCheckSingleURL(t *testing.T) {
	f := newFixture(t, validDetector())

	resp, err := http.PostForm(f.srv.URL+"/api/check-logo/single/",
		url.Values{"image_path": {"https://a/logo.png"}})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res types.Result
	decodeJSON(t, resp, &res)
	assert.Equal(t, types.ResultValid, res.IsValid)
}

func login(t *testing.T, f *fixture, username, password string) (token, csrf string, status int) {
	t.Helper()
	resp, err := http.PostForm(f.srv.URL+"/api/admin/login",
		url.Values{"username": {username}, "password": {password}})
	require.NoError(t, err)
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return "", "", resp.StatusCode
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	return body["token"], body["csrf"], resp.StatusCode
}

func authedRequest(t *testing.T, method, url, token, csrf string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("X-Auth-Token", token)
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestAdminSessionFlow(t *testing.T) {
	f := newFixture(t, validDetector())

	_, _, status := login(t, f, "admin", "wrong")
	assert.Equal(t, http.StatusUnauthorized, status)

	token, csrf, status := login(t, f, "admin", "secret")
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, token)
	require.NotEmpty(t, csrf)

	resp := authedRequest(t, http.MethodGet, f.srv.URL+"/api/admin/check-session", token, "")
	var who map[string]string
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeJSON(t, resp, &who)
	assert.Equal(t, "admin", who["username"])

	// Logout without the CSRF nonce is rejected and keeps the session
	resp = authedRequest(t, http.MethodPost, f.srv.URL+"/api/admin/logout", token, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = authedRequest(t, http.MethodGet, f.srv.URL+"/api/admin/check-session", token, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Proper logout revokes the token
	resp = authedRequest(t, http.MethodPost, f.srv.URL+"/api/admin/logout", token, csrf)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = authedRequest(t, http.MethodGet, f.srv.URL+"/api/admin/check-session", token, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminEndpointsRequireAuth(t *testing.T) {
	f := newFixture(t, validDetector())

	paths := []string{
		"/api/admin/check-session",
		"/api/admin/batch-history",
		"/api/admin/dashboard-stats",
	}
	for _, p := range paths {
		resp, err := http.Get(f.srv.URL + p)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, p)
	}
}

func TestAdminBatchHistory(t *testing.T) {
	f := newFixture(t, validDetector())

	id := startBatch(t, f)
	token, _, status := login(t, f, "admin", "secret")
	require.Equal(t, http.StatusOK, status)

	resp := authedRequest(t, http.MethodGet, f.srv.URL+"/api/admin/batch-history", token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summaries []types.BatchSummary
	decodeJSON(t, resp, &summaries)
	require.Len(t, summaries, 1)
	assert.Equal(t, id, summaries[0].ID)

	resp = authedRequest(t, http.MethodGet, f.srv.URL+"/api/admin/batch/"+id, token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var batch types.Batch
	decodeJSON(t, resp, &batch)
	assert.Equal(t, id, batch.ID)
}

func TestExportCSVRateLimit(t *testing.T) {
	f := newFixture(t, validDetector())

	// The export route allows a burst of 10 per IP
	var last *http.Response
	for i := 0; i < 11; i++ {
		resp, err := http.Get(f.srv.URL + "/api/check-logo/batch/export-csv/nope")
		require.NoError(t, err)
		if last != nil {
			last.Body.Close()
		}
		last = resp
	}

	require.Equal(t, http.StatusTooManyRequests, last.StatusCode)
	var body map[string]string
	decodeJSON(t, last, &body)
	assert.Equal(t, "Rate limit exceeded", body["detail"])
}

func TestManualCleanup(t *testing.T) {
	f := newFixture(t, validDetector())

	token, _, status := login(t, f, "admin", "secret")
	require.Equal(t, http.StatusOK, status)

	// Unauthenticated call is rejected
	resp, err := http.Post(f.srv.URL+"/maintenance/cleanup", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = authedRequest(t, http.MethodPost,
		fmt.Sprintf("%s/maintenance/cleanup?batch_age_hours=%d", f.srv.URL, 1), token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats maintenance.Stats
	decodeJSON(t, resp, &stats)
	assert.Zero(t, stats.BatchesCleaned)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, validDetector())

	resp, err := http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsExposed(t *testing.T) {
	f := newFixture(t, validDetector())

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "logocheck_"))
}
