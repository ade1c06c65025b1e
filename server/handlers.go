package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xhad/docflow/internal/models"
	"github.com/xhad/docflow/pkg/ingest"
	"github.com/xhad/docflow/pkg/jobs"
)

type uploadResponse struct {
	DocumentID    string `json:"documentId"`
	VersionID     string `json:"versionId"`
	VersionNumber int    `json:"versionNumber"`
	FileAssetID   string `json:"fileAssetId"`
	StoragePath   string `json:"storagePath"`
	ContentHash   string `json:"contentHash"`
	MimeType      string `json:"mimeType"`
	DocumentJobID string `json:"documentJobId,omitempty"`
	DrawingJobID  string `json:"drawingJobId,omitempty"`
}

type memberResponse struct {
	DocumentSetID string     `json:"documentSetId"`
	DocumentID    string     `json:"documentId"`
	Status        string     `json:"status"`
	Error         *string    `json:"error,omitempty"`
	Progress      int        `json:"progress"`
	ChunkCount    int        `json:"chunkCount"`
	SyncedAt      *time.Time `json:"syncedAt,omitempty"`
}

type fileAssetResponse struct {
	ID                string                    `json:"id"`
	ProjectID         string                    `json:"projectId"`
	OriginalName      string                    `json:"originalName"`
	MimeType          string                    `json:"mimeType"`
	SizeBytes         int64                     `json:"sizeBytes"`
	ContentHash       string                    `json:"contentHash"`
	StoragePath       string                    `json:"storagePath"`
	ExtractionStatus  *models.ExtractionStatus  `json:"drawingExtractionStatus,omitempty"`
	DrawingNumber     *string                   `json:"drawingNumber,omitempty"`
	DrawingName       *string                   `json:"drawingName,omitempty"`
	DrawingRevision   *string                   `json:"drawingRevision,omitempty"`
	Confidence        *float64                  `json:"drawingExtractionConfidence,omitempty"`
	Source            *string                   `json:"drawingExtractionSource,omitempty"`
	ExtractionError   *string                   `json:"drawingExtractionError,omitempty"`
	ExtractionDetails *models.ExtractionDetails `json:"drawingExtraction,omitempty"`
}

type chunkResponse struct {
	ID             string  `json:"id"`
	ParentChunkID  *string `json:"parentChunkId,omitempty"`
	Ordinal        int     `json:"ordinal"`
	HierarchyLevel int     `json:"hierarchyLevel"`
	HierarchyPath  string  `json:"hierarchyPath"`
	SectionTitle   string  `json:"sectionTitle,omitempty"`
	ClauseNumber   *string `json:"clauseNumber,omitempty"`
	Content        string  `json:"content"`
	TokenCount     int     `json:"tokenCount"`
}

type jobResponse struct {
	ID          string          `json:"id"`
	Queue       jobs.Queue      `json:"queue"`
	Type        string          `json:"type"`
	State       jobs.JobState   `json:"state"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	LastError   string          `json:"lastError,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	AvailableAt time.Time       `json:"availableAt"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
}

type searchRequest struct {
	ProjectID string `json:"projectId"`
	Query     string `json:"query"`
	Limit     int    `json:"limit"`
}

type searchHit struct {
	ChunkID       string  `json:"chunkId"`
	DocumentID    string  `json:"documentId"`
	Filename      string  `json:"filename"`
	SectionTitle  string  `json:"sectionTitle,omitempty"`
	ClauseNumber  *string `json:"clauseNumber,omitempty"`
	HierarchyPath string  `json:"hierarchyPath"`
	Content       string  `json:"content"`
	Distance      float64 `json:"distance"`
}

func toJobResponse(j *jobs.Job) jobResponse {
	return jobResponse{
		ID:          j.ID,
		Queue:       j.Queue,
		Type:        j.Type,
		State:       j.State,
		Attempt:     j.Attempt,
		MaxAttempts: j.MaxAttempts,
		LastError:   j.LastError,
		Payload:     json.RawMessage(j.Payload),
		AvailableAt: j.AvailableAt,
		FinishedAt:  j.FinishedAt,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.config.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("database unavailable: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUpload accepts a multipart form with a "file" part and optional
// documentSetId, category and uploadedBy fields.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := s.config.MaxUploadMB << 20
	if r.ContentLength > limit {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d MB", s.config.MaxUploadMB))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d MB", s.config.MaxUploadMB))
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart form: %v", err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file part")
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read upload: %v", err))
		return
	}

	uploadedBy := strings.TrimSpace(r.FormValue("uploadedBy"))
	if uploadedBy == "" {
		uploadedBy = extractActor(r)
	}

	res, err := s.config.Intake.Upload(r.Context(), ingest.UploadRequest{
		ProjectID:     chi.URLParam(r, "projectID"),
		DocumentSetID: r.FormValue("documentSetId"),
		Category:      r.FormValue("category"),
		Filename:      header.Filename,
		MimeType:      header.Header.Get("Content-Type"),
		UploadedBy:    uploadedBy,
		Content:       content,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, uploadResponse{
		DocumentID:    res.Document.ID,
		VersionID:     res.Version.ID,
		VersionNumber: res.Version.VersionNumber,
		FileAssetID:   res.FileAsset.ID,
		StoragePath:   res.FileAsset.StoragePath,
		ContentHash:   res.FileAsset.ContentHash,
		MimeType:      res.FileAsset.MimeType,
		DocumentJobID: res.DocumentJobID,
		DrawingJobID:  res.DrawingJobID,
	})
}

func (s *Server) handleGetMember(w http.ResponseWriter, r *http.Request) {
	m, err := s.config.Store.GetSetMember(r.Context(), chi.URLParam(r, "setID"), chi.URLParam(r, "documentID"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, memberResponse{
		DocumentSetID: m.DocumentSetID,
		DocumentID:    m.DocumentID,
		Status:        string(m.SyncStatus),
		Error:         m.SyncError,
		Progress:      m.Progress,
		ChunkCount:    m.ChunkCount,
		SyncedAt:      m.SyncedAt,
	})
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	job, err := s.config.Intake.Reprocess(r.Context(), chi.URLParam(r, "setID"), chi.URLParam(r, "documentID"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

func (s *Server) handleListChunks(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")
	if _, err := s.config.Store.GetDocument(r.Context(), documentID); err != nil {
		s.writeErr(w, r, err)
		return
	}
	chunks, err := s.config.Store.CurrentChunks(r.Context(), documentID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	out := make([]chunkResponse, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, chunkResponse{
			ID:             c.ID,
			ParentChunkID:  c.ParentChunkID,
			Ordinal:        c.Ordinal,
			HierarchyLevel: c.HierarchyLevel,
			HierarchyPath:  c.HierarchyPath,
			SectionTitle:   c.SectionTitle,
			ClauseNumber:   c.ClauseNumber,
			Content:        c.Content,
			TokenCount:     c.TokenCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunks": out, "total": len(out)})
}

func (s *Server) handleReembed(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
	}
	job, err := s.config.Intake.RequestReembed(r.Context(), chi.URLParam(r, "chunkID"), body.Content)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

func (s *Server) handleGetFileAsset(w http.ResponseWriter, r *http.Request) {
	fa, err := s.config.Store.GetFileAsset(r.Context(), chi.URLParam(r, "fileAssetID"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	resp := fileAssetResponse{
		ID:               fa.ID,
		ProjectID:        fa.ProjectID,
		OriginalName:     fa.OriginalName,
		MimeType:         fa.MimeType,
		SizeBytes:        fa.SizeBytes,
		ContentHash:      fa.ContentHash,
		StoragePath:      fa.StoragePath,
		ExtractionStatus: fa.DrawingExtractionStatus,
		DrawingNumber:    fa.DrawingNumber,
		DrawingName:      fa.DrawingName,
		DrawingRevision:  fa.DrawingRevision,
		Confidence:       fa.DrawingExtractionConfidence,
		Source:           fa.DrawingExtractionSource,
		ExtractionError:  fa.DrawingExtractionError,
	}
	if details := fa.DrawingExtraction.Data(); !details.ExtractedAt.IsZero() {
		resp.ExtractionDetails = &details
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	job, err := s.config.Intake.RequestExtraction(r.Context(), chi.URLParam(r, "fileAssetID"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.config.Index == nil || s.config.Embedder == nil {
		writeError(w, http.StatusServiceUnavailable, "vector search is not configured")
		return
	}
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	vector, err := s.config.Embedder.GenerateEmbedding(r.Context(), req.Query)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	results, err := s.config.Index.Search(r.Context(), req.ProjectID, vector, req.Limit)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	hits := make([]searchHit, 0, len(results))
	for _, res := range results {
		hits = append(hits, searchHit{
			ChunkID:       res.ChunkID,
			DocumentID:    res.DocumentID,
			Filename:      res.Filename,
			SectionTitle:  res.SectionTitle,
			ClauseNumber:  res.ClauseNumber,
			HierarchyPath: res.HierarchyPath,
			Content:       res.Content,
			Distance:      res.Distance,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}
