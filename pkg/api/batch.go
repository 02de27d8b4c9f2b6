package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/veriflow/logocheck/pkg/export"
	"github.com/veriflow/logocheck/pkg/ingest"
	"github.com/veriflow/logocheck/pkg/log"
	"github.com/veriflow/logocheck/pkg/storage"
	"github.com/veriflow/logocheck/pkg/types"
)

// maxUploadBytes bounds a single submission body
const maxUploadBytes = 512 << 20

// handleStartBatch creates a batch shell: POST /api/start-batch
func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form body")
		return
	}

	id, err := s.tracker.Create(r.FormValue("client_id"), r.FormValue("email"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"batch_id": id})
}

type initBatchRequest struct {
	BatchID  string `json:"batch_id"`
	ClientID string `json:"client_id"`
	Total    int    `json:"total"`
}

// handleInitBatch declares the batch total: POST /api/init-batch
func (s *Server) handleInitBatch(w http.ResponseWriter, r *http.Request) {
	var req initBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed json body")
		return
	}
	if req.BatchID == "" || req.Total < 0 {
		writeError(w, http.StatusBadRequest, "batch_id and non-negative total required")
		return
	}

	if err := s.tracker.Init(req.BatchID, req.ClientID, req.Total); err != nil {
		writeMappedError(w, err)
		return
	}
	if req.ClientID != "" {
		s.hub.Bind(req.BatchID, req.ClientID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "initialized"})
}

// handleCheckSingle runs one image through detection synchronously:
// POST /api/check-logo/single/
func (s *Server) handleCheckSingle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeError(w, http.StatusBadRequest, "malformed multipart body")
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "missing file field")
			return
		}
		defer file.Close()

		if !ingest.IsImageName(header.Filename) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported file type: %s", header.Filename))
			return
		}
		data, err := io.ReadAll(file)
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read upload")
			return
		}

		writeJSON(w, http.StatusOK, s.pipeline.CheckSingle(r.Context(), header.Filename, data))
		return
	}

	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form body")
		return
	}
	imagePath := r.FormValue("image_path")
	if imagePath == "" {
		writeError(w, http.StatusBadRequest, "file upload or image_path required")
		return
	}
	writeJSON(w, http.StatusOK, s.pipeline.CheckSingleURL(r.Context(), imagePath))
}

type submitBatchRequest struct {
	BatchID    string   `json:"batch_id"`
	ClientID   string   `json:"client_id"`
	ImagePaths []string `json:"image_paths"`
}

// handleSubmitBatch accepts batch work in any of its three shapes:
// POST /api/check-logo/batch/
func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		s.submitBatchURLs(w, r)
		return
	}
	s.submitBatchFiles(w, r)
}

func (s *Server) submitBatchURLs(w http.ResponseWriter, r *http.Request) {
	var req submitBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed json body")
		return
	}
	if req.BatchID == "" {
		writeError(w, http.StatusBadRequest, "batch_id required")
		return
	}
	if req.ClientID != "" {
		s.hub.Bind(req.BatchID, req.ClientID)
	}

	if len(req.ImagePaths) == 0 {
		// Zero-item submission: the batch completes immediately
		s.completeEmptySubmission(w, req.BatchID)
		return
	}

	n, err := s.pipeline.SubmitURLs(req.BatchID, req.ImagePaths)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	s.accepted(w, req.BatchID, n)
}

func (s *Server) submitBatchFiles(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "malformed multipart body")
		return
	}

	batchID := r.FormValue("batch_id")
	if batchID == "" {
		writeError(w, http.StatusBadRequest, "batch_id required")
		return
	}
	if clientID := r.FormValue("client_id"); clientID != "" {
		s.hub.Bind(batchID, clientID)
	}

	// Archive path, used by clients above the large-submission threshold
	if zf, _, err := r.FormFile("zip_file"); err == nil {
		defer zf.Close()
		data, err := io.ReadAll(zf)
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read archive")
			return
		}
		n, err := s.pipeline.SubmitZip(batchID, data)
		if err != nil {
			s.submitError(w, err)
			return
		}
		s.accepted(w, batchID, n)
		return
	}

	uploads := r.MultipartForm.File["files[]"]
	if len(uploads) == 0 {
		uploads = r.MultipartForm.File["files"]
	}
	if len(uploads) == 0 {
		writeError(w, http.StatusBadRequest, "files[] or zip_file required")
		return
	}

	var files []ingest.UploadFile
	for _, fh := range uploads {
		f, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read upload")
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read upload")
			return
		}
		files = append(files, ingest.UploadFile{Name: fh.Filename, Data: data})
	}

	n, err := s.pipeline.SubmitFiles(batchID, files)
	if err != nil {
		s.submitError(w, err)
		return
	}
	s.accepted(w, batchID, n)
}

// submitError distinguishes bad submissions from unknown batches
func (s *Server) submitError(w http.ResponseWriter, err error) {
	if strings.Contains(err.Error(), "unsupported file type") ||
		strings.Contains(err.Error(), "invalid zip archive") ||
		strings.Contains(err.Error(), "no supported images") {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeMappedError(w, err)
}

func (s *Server) accepted(w http.ResponseWriter, batchID string, items int) {
	log.WithBatchID(batchID).Info().Int("items", items).Msg("batch submission accepted")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"batch_id": batchID,
		"status":   "processing",
	})
}

// completeEmptySubmission handles the N=0 boundary: nothing to process,
// the batch closes out right away
func (s *Server) completeEmptySubmission(w http.ResponseWriter, batchID string) {
	if _, err := s.pipeline.SubmitURLs(batchID, nil); err != nil {
		writeMappedError(w, err)
		return
	}
	if _, err := s.tracker.Complete(batchID); err != nil {
		writeMappedError(w, err)
		return
	}
	s.accepted(w, batchID, 0)
}

// handleBatchStatus polls progress: GET /api/check-logo/batch/{id}/status
func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.tracker.Status(mux.Vars(r)["id"])
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// handleBatchComplete finalizes a drained batch:
// POST /api/check-logo/batch/{id}/complete
func (s *Server) handleBatchComplete(w http.ResponseWriter, r *http.Request) {
	results, err := s.tracker.Complete(mux.Vars(r)["id"])
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]types.Result{"results": results})
}

// handleExportCSV streams the finalized CSV:
// GET /api/check-logo/batch/export-csv/{id}
func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	data, err := s.store.ReadCSV(id)
	if err == storage.ErrNotFound {
		// Regenerate from the document if the export is missing
		data, err = s.regenerateCSV(id)
	}
	if err != nil {
		writeMappedError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=batch_%s_results.csv", id))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) regenerateCSV(id string) ([]byte, error) {
	batch, err := s.tracker.Load(id)
	if err != nil {
		return nil, err
	}
	data, err := export.Results(batch.ID, batch.Results)
	if err != nil {
		return nil, err
	}
	if err := s.store.WriteCSV(id, data); err != nil {
		log.WithBatchID(id).Warn().Err(err).Msg("csv cache write failed")
	}
	return data, nil
}
