package receipt

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/zombor/receipt-intake/internal/job"
)

const (
	maxUploadSize = int64(50 << 20) // 50MB
	xlsxMediaType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+OwnerHeader)
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// jsonError writes {"error": message}
func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// writeError maps service errors to status codes. Unknown errors are logged
// and reported without detail.
func writeError(w http.ResponseWriter, err error) {
	var dup *DuplicateError
	switch {
	case errors.As(err, &dup):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":       "This receipt is already in your catalog",
			"kind":        string(dup.Kind),
			"existing_id": dup.ExistingID,
		})
	case errors.Is(err, job.ErrForbidden):
		jsonError(w, "Forbidden", http.StatusForbidden)
	case errors.Is(err, job.ErrNotFound), errors.Is(err, ErrNotFound):
		jsonError(w, "Not found", http.StatusNotFound)
	case errors.Is(err, ErrJobNotCompleted):
		jsonError(w, "Job has not completed yet", http.StatusConflict)
	case errors.Is(err, ErrEmptyUpload), errors.Is(err, ErrUnsupportedType), errors.Is(err, job.ErrInvalidStatus):
		jsonError(w, err.Error(), http.StatusBadRequest)
	default:
		slog.Error("Request failed", "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
	}
}

// handleUpload stages an uploaded receipt image and queues a job for it
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, owner string) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonError(w, "File is too large. Maximum size is 50MB. Please compress or resize your image.", http.StatusRequestEntityTooLarge)
			return
		}
		slog.Error("Error parsing multipart form", "error", err)
		jsonError(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			jsonError(w, "No file was selected. Please choose a file to upload.", http.StatusBadRequest)
			return
		}
		jsonError(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		jsonError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return
	}

	view, err := s.service.Ingest(r.Context(), owner, header.Filename, data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, view)
}

// handleListJobs returns the owner's jobs, optionally filtered by ?status=
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request, owner string) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			jsonError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	views, err := s.service.ListJobs(r.Context(), owner, job.Status(r.URL.Query().Get("status")), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, owner string) {
	view, err := s.service.GetJob(r.Context(), r.PathValue("id"), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, owner string) {
	if err := s.service.CancelJob(r.Context(), r.PathValue("id"), owner); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRecordJob catalogs a completed job as a receipt
func (s *Server) handleRecordJob(w http.ResponseWriter, r *http.Request, owner string) {
	receipt, err := s.service.RecordJob(r.Context(), r.PathValue("id"), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// handleListReceipts returns the owner's receipts
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request, owner string) {
	receipts, err := s.service.ListReceipts(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipts)
}

// handleGetReceipt returns a single receipt
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request, owner string) {
	receipt, err := s.service.GetReceipt(r.Context(), r.PathValue("id"), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// handleGetReceiptFile returns the finalized image for a receipt
func (s *Server) handleGetReceiptFile(w http.ResponseWriter, r *http.Request, owner string) {
	data, contentType, err := s.service.GetReceiptFile(r.Context(), r.PathValue("id"), owner)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleDeleteReceipt deletes a receipt
func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request, owner string) {
	if err := s.service.DeleteReceipt(r.Context(), r.PathValue("id"), owner); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExportReceipts downloads the owner's receipts as an XLSX workbook
func (s *Server) handleExportReceipts(w http.ResponseWriter, r *http.Request, owner string) {
	var buf bytes.Buffer
	rows, err := s.service.ExportXLSX(r.Context(), owner, &buf)
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("Exported receipts", "owner_id", owner, "rows", rows)
	w.Header().Set("Content-Type", xlsxMediaType)
	w.Header().Set("Content-Disposition", `attachment; filename="receipts.xlsx"`)
	w.Write(buf.Bytes())
}
