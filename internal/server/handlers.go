package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/joseph-ayodele/sanskrit-ocr/constants"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/async"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/chunk"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/common"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/entity"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/export"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/pipeline"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/repository"
)

const (
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	multipartMemory = 32 << 20
)

// OCRHandler serves uploads and job lookups.
type OCRHandler struct {
	orchestrator   *pipeline.Orchestrator
	queue          async.Queue
	repo           repository.JobRepository
	export         *export.Service
	archiver       async.Archiver
	splitter       *chunk.Splitter
	options        *optionsValidator
	uploadDir      string
	maxUploadBytes int64
	logger         *slog.Logger
}

// pageView is one page in an upload response.
type pageView struct {
	Index  int                  `json:"index"`
	Status constants.PageStatus `json:"status"`
	Text   *string              `json:"text,omitempty"`
	Error  *string              `json:"error,omitempty"`
}

type jobView struct {
	JobID  string              `json:"jobId"`
	Status constants.JobStatus `json:"status"`
	Error  *entity.JobError    `json:"error,omitempty"`
	Pages  []pageView          `json:"pages"`
}

type statusView struct {
	entity.Progress
	Status constants.JobStatus `json:"status"`
	Error  *entity.JobError    `json:"error,omitempty"`
	Pages  []pageView          `json:"results,omitempty"`
}

type acceptedView struct {
	JobID     string `json:"jobId"`
	StatusURL string `json:"statusUrl"`
}

func toJobView(job *entity.Job) jobView {
	return jobView{JobID: job.ID, Status: job.Status, Error: job.Error, Pages: toPageViews(job.Pages)}
}

func toPageViews(pages []entity.Page) []pageView {
	out := make([]pageView, len(pages))
	for i, p := range pages {
		out[i] = pageView{Index: p.Index, Status: p.Status, Text: p.Text, Error: p.Error}
	}
	return out
}

// upload is a validated multipart request saved to disk.
type upload struct {
	path    string
	name    string
	options pipeline.Options
}

// readUpload stores the "file" part in uploadDir and parses "options".
func (h *OCRHandler) readUpload(w http.ResponseWriter, r *http.Request) (*upload, error) {
	file, name, err := h.receiveFile(w, r)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	ext := constants.NormalizeExt(filepath.Ext(name))
	if _, ok := constants.AllowedExtensions[ext]; !ok {
		return nil, common.InputError(fmt.Sprintf("unsupported file type %q (allowed: pdf, png, jpg)", ext), nil)
	}

	opts, err := h.options.Parse(r.FormValue("options"))
	if err != nil {
		return nil, err
	}

	path, err := h.save(file, ext)
	if err != nil {
		return nil, err
	}
	return &upload{path: path, name: name, options: opts}, nil
}

// receiveFile parses the multipart form and opens its "file" part. The caller closes it.
func (h *OCRHandler) receiveFile(w http.ResponseWriter, r *http.Request) (multipart.File, string, error) {
	if h.maxUploadBytes > 0 {
		// leave room for the other form fields
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+1<<20)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return nil, "", common.InputError(fmt.Sprintf("upload exceeds %d bytes", h.maxUploadBytes), err)
		}
		return nil, "", common.InputError("invalid multipart form", err)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, "", common.InputError("missing file field", err)
	}
	return file, filepath.Base(header.Filename), nil
}

func (h *OCRHandler) save(file multipart.File, ext string) (string, error) {
	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		return "", common.ResourceError("create upload dir", err)
	}
	dst, err := os.CreateTemp(h.uploadDir, "upload-*."+ext)
	if err != nil {
		return "", common.ResourceError("create upload file", err)
	}
	if _, err := io.Copy(dst, file); err != nil {
		_ = dst.Close()
		_ = os.Remove(dst.Name())
		return "", common.ResourceError("store upload", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(dst.Name())
		return "", common.ResourceError("store upload", err)
	}
	return dst.Name(), nil
}

// RecognizeSync handles POST /api/ocr and answers with the terminal job.
func (h *OCRHandler) RecognizeSync(w http.ResponseWriter, r *http.Request) {
	up, err := h.readUpload(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer func() {
		if err := os.Remove(up.path); err != nil {
			h.logger.Warn("failed to remove upload", "path", up.path, "err", err)
		}
	}()

	req := pipeline.JobRequest{SourcePath: up.path, SourceName: up.name, Options: up.options}
	job := h.orchestrator.NewJob(req)
	if err := h.repo.Create(r.Context(), job); err != nil {
		writeError(w, err)
		return
	}
	req.ID = job.ID
	req.Observer = async.NewRecorder(h.repo, h.logger)

	result, runErr := h.orchestrator.RunJob(r.Context(), job, req)
	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.repo.Update(saveCtx, result); err != nil {
		h.logger.Error("failed to store job result", "job_id", result.ID, "err", err)
	}
	if runErr != nil {
		h.logger.Warn("ocr job did not succeed",
			"job_id", result.ID,
			"request_id", common.RequestIDFromContext(r.Context()),
			"status", result.Status,
			"err", runErr,
		)
	}
	if h.archiver != nil {
		if err := h.archiver.Archive(saveCtx, result); err != nil {
			h.logger.Error("failed to archive job", "job_id", result.ID, "err", err)
		}
	}
	writeJSON(w, http.StatusOK, toJobView(result))
}

// Submit handles POST /api/jobs and queues the job.
func (h *OCRHandler) Submit(w http.ResponseWriter, r *http.Request) {
	up, err := h.readUpload(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	job := h.orchestrator.NewJob(pipeline.JobRequest{SourcePath: up.path, SourceName: up.name})
	if err := h.repo.Create(r.Context(), job); err != nil {
		_ = os.Remove(up.path)
		writeError(w, err)
		return
	}
	if err := async.Submit(r.Context(), h.queue, h.repo, async.Job{Record: job, Options: up.options, RemoveSource: true}, h.logger); err != nil {
		_ = os.Remove(up.path)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedView{JobID: job.ID, StatusURL: "/api/status/" + job.ID})
}

// List handles GET /api/jobs?status=RUNNING&limit=20.
func (h *OCRHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := repository.ListFilter{Limit: 50}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, common.InputError("limit must be between 1 and 1000", nil))
			return
		}
		filter.Limit = n
	}
	for _, s := range r.URL.Query()["status"] {
		filter.Statuses = append(filter.Statuses, constants.JobStatus(strings.ToUpper(s)))
	}
	jobs, err := h.repo.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*entity.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// Get handles GET /api/jobs/{id}.
func (h *OCRHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Status handles GET /api/status/{id}: latest progress, plus results once terminal.
func (h *OCRHandler) Status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.repo.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	view := statusView{Status: job.Status, Error: job.Error}
	if p, err := h.repo.GetProgress(r.Context(), id); err == nil {
		view.Progress = *p
	} else {
		view.Progress = entity.Progress{JobID: id, Stage: pipeline.StageQueued}
	}
	if job.Status.IsTerminal() {
		view.Complete = true
		view.Pages = toPageViews(job.Pages)
	}
	writeJSON(w, http.StatusOK, view)
}

// ExportXLSX handles GET /api/jobs/{id}/export.xlsx.
func (h *OCRHandler) ExportXLSX(w http.ResponseWriter, r *http.Request) {
	job, ok := h.terminalJob(w, r)
	if !ok {
		return
	}
	b, err := h.export.JobXLSX(r.Context(), job.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", downloadName(job, ".xlsx")))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

// Text handles GET /api/jobs/{id}/text.
func (h *OCRHandler) Text(w http.ResponseWriter, r *http.Request) {
	job, ok := h.terminalJob(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", downloadName(job, ".txt")))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, export.JoinText(job))
}

func (h *OCRHandler) terminalJob(w http.ResponseWriter, r *http.Request) (*entity.Job, bool) {
	job, err := h.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if !job.Status.IsTerminal() {
		writeJSON(w, http.StatusConflict, errorResponse{Error: fmt.Sprintf("job is %s", job.Status), Kind: "NOT_READY"})
		return nil, false
	}
	return job, true
}

// splitView is the POST /api/split response.
type splitView struct {
	Success bool `json:"success"`
	*chunk.Result
}

// Split handles POST /api/split: the uploaded PDF is cut into chunks of whole
// pages that can be downloaded and submitted separately.
func (h *OCRHandler) Split(w http.ResponseWriter, r *http.Request) {
	file, name, err := h.receiveFile(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer file.Close()

	ext := constants.NormalizeExt(filepath.Ext(name))
	if ext != "pdf" {
		writeError(w, common.InputError("Only PDF files are supported for splitting", nil))
		return
	}
	path, err := h.save(file, ext)
	if err != nil {
		writeError(w, err)
		return
	}
	defer func() {
		if err := os.Remove(path); err != nil {
			h.logger.Warn("failed to remove upload", "path", path, "err", err)
		}
	}()

	res, err := h.splitter.Split(r.Context(), path, name)
	if err != nil {
		h.logger.Warn("split failed",
			"request_id", common.RequestIDFromContext(r.Context()),
			"source", name,
			"err", err,
		)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, splitView{Success: true, Result: res})
}

// Download handles GET /downloads/{id}/{name} for chunks written by Split.
func (h *OCRHandler) Download(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	path, err := h.splitter.Path(chi.URLParam(r, "id"), name)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeFile(w, r, path)
}

// Health handles GET /healthz.
func (h *OCRHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func downloadName(job *entity.Job, ext string) string {
	base := strings.TrimSuffix(job.SourceName, filepath.Ext(job.SourceName))
	if base == "" {
		base = job.ID
	}
	return base + ext
}
