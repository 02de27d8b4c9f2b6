// Package ingest accepts batch submissions, materializes durable pending
// work, and drives it through the detector with a bounded worker pool.
package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veriflow/logocheck/pkg/detector"
	"github.com/veriflow/logocheck/pkg/log"
	"github.com/veriflow/logocheck/pkg/metrics"
	"github.com/veriflow/logocheck/pkg/storage"
	"github.com/veriflow/logocheck/pkg/tracker"
	"github.com/veriflow/logocheck/pkg/types"
)

// imageExtensions are the admitted file types
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".bmp":  true,
}

// IsImageName reports whether a filename has an admitted image extension
func IsImageName(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

// RetryPolicy controls the retry loop around the detector boundary
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  int
}

// DefaultRetryPolicy is 3 attempts with 1s, 2s backoff between them
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   1 * time.Second,
	Multiplier:  2,
}

// Publisher receives pipeline events (retry_start); commit-ordered
// progress events come from the tracker
type Publisher interface {
	Publish(batchID string, event interface{})
}

type job struct {
	batchID string
	input   string
	key     tracker.PendingKey
}

// Pipeline fans batch items out to a bounded worker pool and feeds
// results into the tracker
type Pipeline struct {
	tracker  *tracker.Tracker
	store    storage.Store
	detector *detector.Client
	pub      Publisher
	retry    RetryPolicy
	grace    time.Duration

	jobs   chan job
	wg     sync.WaitGroup
	stopCh chan struct{}
	once   sync.Once
}

// Config holds pipeline configuration
type Config struct {
	Workers       int
	Retry         RetryPolicy
	ShutdownGrace time.Duration
	QueueDepth    int
}

// New creates a pipeline and starts its worker pool
func New(trk *tracker.Tracker, store storage.Store, det *detector.Client, pub Publisher, cfg Config) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = DefaultRetryPolicy
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 1024
	}

	p := &Pipeline{
		tracker:  trk,
		store:    store,
		detector: det,
		pub:      pub,
		retry:    cfg.Retry,
		grace:    cfg.ShutdownGrace,
		jobs:     make(chan job, cfg.QueueDepth),
		stopCh:   make(chan struct{}),
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Stop tells workers to stop pulling new items, lets in-flight ones
// finish within the grace window, then returns
func (p *Pipeline) Stop() {
	p.once.Do(func() { close(p.stopCh) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.grace):
		log.WithComponent("ingest").Warn().Msg("shutdown grace expired, abandoning in-flight items")
	}
}

// UploadFile is one multipart file in a batch submission
type UploadFile struct {
	Name string
	Data []byte
}

// SubmitFiles materializes uploaded files into the batch's pending
// directory and dispatches them. Non-image names are rejected.
func (p *Pipeline) SubmitFiles(batchID string, files []UploadFile) (int, error) {
	var entries []types.PendingFile
	for _, f := range files {
		if !IsImageName(f.Name) {
			return 0, fmt.Errorf("unsupported file type: %s", f.Name)
		}
		entry, err := p.materialize(batchID, f.Name, f.Data)
		if err != nil {
			return 0, err
		}
		entries = append(entries, entry)
	}
	return len(entries), p.dispatchFiles(batchID, entries)
}

// SubmitZip extracts a compressed archive and dispatches the admitted
// images. Unrecognized entries are skipped.
func (p *Pipeline) SubmitZip(batchID string, zipData []byte) (int, error) {
	r, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		return 0, fmt.Errorf("invalid zip archive: %w", err)
	}

	var entries []types.PendingFile
	for _, zf := range r.File {
		if zf.FileInfo().IsDir() || !IsImageName(zf.Name) {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return 0, fmt.Errorf("failed to open archive entry %s: %w", zf.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return 0, fmt.Errorf("failed to read archive entry %s: %w", zf.Name, err)
		}

		entry, err := p.materialize(batchID, filepath.Base(zf.Name), data)
		if err != nil {
			return 0, err
		}
		entries = append(entries, entry)
	}

	if len(entries) == 0 {
		return 0, fmt.Errorf("archive contains no supported images")
	}
	return len(entries), p.dispatchFiles(batchID, entries)
}

// materialize writes one image blob under a safe batch-local name
func (p *Pipeline) materialize(batchID, name string, data []byte) (types.PendingFile, error) {
	local := uuid.New().String() + "_" + storage.SafeName(name)
	n, err := p.store.WriteBlob(batchID, local, bytes.NewReader(data))
	if err != nil {
		return types.PendingFile{}, fmt.Errorf("failed to store upload: %w", err)
	}
	return types.PendingFile{
		LocalName:    local,
		OriginalName: name,
		Size:         n,
	}, nil
}

func (p *Pipeline) dispatchFiles(batchID string, entries []types.PendingFile) error {
	if err := p.tracker.EnqueueFiles(batchID, entries); err != nil {
		return err
	}
	for _, e := range entries {
		p.enqueue(job{
			batchID: batchID,
			input:   e.OriginalName,
			key:     tracker.PendingKey{Kind: tracker.PendingFileKind, Key: e.LocalName},
		})
	}
	return nil
}

// SubmitURLs appends URLs to the batch's pending ledger and dispatches
// them
func (p *Pipeline) SubmitURLs(batchID string, urls []string) (int, error) {
	entries, err := p.tracker.EnqueueURLs(batchID, urls)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		p.enqueue(job{
			batchID: batchID,
			input:   e.URL,
			key:     tracker.PendingKey{Kind: tracker.PendingURLKind, Key: e.Key},
		})
	}
	return len(entries), nil
}

// Resume re-enqueues a batch's remaining ledger entries. Used by
// startup recovery.
func (p *Pipeline) Resume(batchID string) (int, error) {
	fl, err := p.store.ReadFileLedger(batchID)
	if err != nil {
		return 0, err
	}
	ul, err := p.store.ReadURLLedger(batchID)
	if err != nil {
		return 0, err
	}

	for _, f := range fl.Files {
		p.enqueue(job{
			batchID: batchID,
			input:   f.OriginalName,
			key:     tracker.PendingKey{Kind: tracker.PendingFileKind, Key: f.LocalName},
		})
	}
	for _, u := range ul.URLs {
		p.enqueue(job{
			batchID: batchID,
			input:   u.URL,
			key:     tracker.PendingKey{Kind: tracker.PendingURLKind, Key: u.Key},
		})
	}
	return len(fl.Files) + len(ul.URLs), nil
}

// enqueue hands a job to the pool without blocking shutdown
func (p *Pipeline) enqueue(j job) {
	select {
	case p.jobs <- j:
	case <-p.stopCh:
	}
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case j := <-p.jobs:
			p.process(j)
		}
	}
}

// process runs one item through the detector and commits its result
func (p *Pipeline) process(j job) {
	ref, err := p.imageRef(j)
	if err != nil {
		// Manifest entry without a blob: record the fault, drain the key
		p.commit(j, types.Result{
			Input:   j.input,
			IsValid: types.ResultInvalid,
			Error:   err.Error(),
		})
		return
	}

	result := p.detectWithRetry(j, ref)
	p.commit(j, result)
}

func (p *Pipeline) imageRef(j job) (detector.ImageRef, error) {
	if j.key.Kind == tracker.PendingURLKind {
		return detector.ImageRef{URL: j.input}, nil
	}
	data, err := p.store.ReadBlob(j.batchID, j.key.Key)
	if err != nil {
		return detector.ImageRef{}, fmt.Errorf("pending file missing: %s", j.input)
	}
	return detector.ImageRef{Name: j.input, Data: data}, nil
}

// detectWithRetry applies the retry policy at the detector boundary:
// permanent failures surface immediately, transient ones back off
// exponentially until attempts are exhausted
func (p *Pipeline) detectWithRetry(j job, ref detector.ImageRef) types.Result {
	var lastErr error
	for attempt := 1; attempt <= p.retry.MaxAttempts; attempt++ {
		verdict, err := p.detector.Detect(context.Background(), ref)
		if err == nil {
			metrics.DetectorRequestsTotal.WithLabelValues("ok").Inc()
			return verdictResult(j.input, verdict)
		}
		lastErr = err

		if !detector.IsTransient(err) {
			metrics.DetectorRequestsTotal.WithLabelValues("permanent").Inc()
			return types.Result{
				Input:   j.input,
				IsValid: types.ResultInvalid,
				Error:   err.Error(),
			}
		}

		metrics.DetectorRequestsTotal.WithLabelValues("transient").Inc()
		if attempt == p.retry.MaxAttempts {
			break
		}

		if attempt == 1 && p.pub != nil {
			p.pub.Publish(j.batchID, types.RetryStartEvent{
				Event:      types.EventRetryStart,
				BatchID:    j.batchID,
				RetryTotal: p.retry.MaxAttempts - 1,
			})
		}
		metrics.DetectorRetries.Inc()

		delay := p.retry.BaseDelay
		for i := 1; i < attempt; i++ {
			delay *= time.Duration(p.retry.Multiplier)
		}
		select {
		case <-time.After(delay):
		case <-p.stopCh:
			// Leave the item in the ledger; recovery re-runs it
			log.WithBatchID(j.batchID).Debug().Str("input", j.input).Msg("retry abandoned on shutdown")
			return types.Result{}
		}
	}

	return types.Result{
		Input:   j.input,
		IsValid: types.ResultInvalid,
		Error:   lastErr.Error(),
	}
}

func (p *Pipeline) commit(j job, result types.Result) {
	if result.Input == "" {
		// Abandoned mid-retry on shutdown; nothing to commit
		return
	}
	if err := p.tracker.AppendResult(j.batchID, result, j.key); err != nil {
		// Item stays in its ledger; recovery picks it up
		log.WithBatchID(j.batchID).Error().Err(err).Str("input", j.input).Msg("result commit failed")
	}
}

// verdictResult maps a detector verdict onto a result record
func verdictResult(input string, v *detector.Verdict) types.Result {
	if v.Error != "" {
		return types.Result{Input: input, IsValid: types.ResultInvalid, Error: v.Error}
	}
	if !v.IsValid {
		return types.Result{Input: input, IsValid: types.ResultInvalid}
	}
	return types.Result{
		Input:      input,
		IsValid:    types.ResultValid,
		Confidence: v.Confidence,
		DetectedBy: v.DetectedBy,
		BBox:       v.BBox,
	}
}

// CheckSingle runs the single-image path: the upload is parked in the
// temp area, checked once through the retry loop, and the verdict is
// returned without any batch bookkeeping.
func (p *Pipeline) CheckSingle(ctx context.Context, name string, data []byte) types.Result {
	if _, err := p.store.SaveTemp(name, bytes.NewReader(data)); err != nil {
		log.WithComponent("ingest").Warn().Err(err).Msg("temp save failed")
	}

	verdict, err := p.detector.Detect(ctx, detector.ImageRef{Name: name, Data: data})
	if err != nil {
		metrics.DetectorRequestsTotal.WithLabelValues(classifyLabel(err)).Inc()
		return types.Result{
			Input:     name,
			IsValid:   types.ResultInvalid,
			Error:     err.Error(),
			Timestamp: time.Now().UTC(),
		}
	}

	metrics.DetectorRequestsTotal.WithLabelValues("ok").Inc()
	r := verdictResult(name, verdict)
	r.Timestamp = time.Now().UTC()
	return r
}

// CheckSingleURL runs the single-image path for a URL reference
func (p *Pipeline) CheckSingleURL(ctx context.Context, imageURL string) types.Result {
	verdict, err := p.detector.Detect(ctx, detector.ImageRef{URL: imageURL})
	if err != nil {
		metrics.DetectorRequestsTotal.WithLabelValues(classifyLabel(err)).Inc()
		return types.Result{
			Input:     imageURL,
			IsValid:   types.ResultInvalid,
			Error:     err.Error(),
			Timestamp: time.Now().UTC(),
		}
	}

	metrics.DetectorRequestsTotal.WithLabelValues("ok").Inc()
	r := verdictResult(imageURL, verdict)
	r.Timestamp = time.Now().UTC()
	return r
}

func classifyLabel(err error) string {
	if detector.IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
