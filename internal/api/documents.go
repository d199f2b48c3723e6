package api

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	apperrors "docrag/internal/errors"
	"docrag/internal/models"
	"docrag/internal/pathindex"
)

const multipartMemory = 32 << 20

func documentID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.Validation("invalid document id %q", r.PathValue("id"))
	}
	return id, nil
}

// storageName is the on-disk name of an upload: the document id plus the original
// extension, .pdf when there is none.
func storageName(id int64, filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".pdf"
	}
	return fmt.Sprintf("%d%s", id, ext)
}

func (s *Server) parseMultipart(w http.ResponseWriter, r *http.Request) error {
	if s.cfg.Storage.MaxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Storage.MaxUploadSize)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return apperrors.Validation("Invalid multipart upload").WithCause(err)
	}
	return nil
}

// saveUpload writes an uploaded file below the upload directory
func (s *Server) saveUpload(fh *multipart.FileHeader, name string) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open upload: %w", err)
	}
	defer func() { _ = src.Close() }()

	if err := os.MkdirAll(s.cfg.Storage.UploadDir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}
	dest, err := filepath.Abs(filepath.Join(s.cfg.Storage.UploadDir, name))
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(s.cfg.Storage.UploadDir, name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to store file: %w", err)
	}
	return dest, nil
}

func uploadFilename(fh *multipart.FileHeader) (string, error) {
	name := filepath.Base(fh.Filename)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "", apperrors.Validation("uploaded file has no name")
	}
	return name, nil
}

func (s *Server) uploadDocuments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenant(r)

	dir, err := splitPath(r.URL.Query().Get("path"))
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}
	if err := s.parseMultipart(w, r); err != nil {
		s.errors.Handle(w, r, err)
		return
	}
	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		s.errors.Handle(w, r, apperrors.Validation("no files uploaded"))
		return
	}

	saved := make([]models.Document, 0, len(files))
	for _, fh := range files {
		name, err := uploadFilename(fh)
		if err != nil {
			s.errors.Handle(w, r, err)
			return
		}

		path := append(append([]string{}, dir...), name)
		doc, err := s.deps.Documents.CreateDocument(ctx, tenantID, name, path)
		if err != nil {
			s.errors.Handle(w, r, err)
			return
		}

		filePath, err := s.saveUpload(fh, storageName(doc.ID, name))
		if err != nil {
			_ = s.deps.Documents.DeleteDocument(ctx, doc.ID, tenantID)
			s.errors.Handle(w, r, apperrors.Internal(err))
			return
		}
		if err := s.deps.Documents.SetFilePath(ctx, doc.ID, filePath); err != nil {
			s.errors.Handle(w, r, err)
			return
		}
		doc.FilePath = filePath

		if err := s.deps.Ownership.GrantOwner(ctx, tenantID, doc.ID); err != nil {
			s.errors.Handle(w, r, apperrors.Backend("ownership service", err))
			return
		}
		saved = append(saved, *doc)
	}

	s.logger.Info().Str("tenant", tenantID).Int("files", len(saved)).Msg("uploaded documents")
	s.writer.Write(w, r, saved)
}

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	base, err := splitPath(r.URL.Query().Get("path"))
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}
	recursive := true
	if v := r.URL.Query().Get("recursive"); v != "" {
		recursive, err = strconv.ParseBool(v)
		if err != nil {
			s.errors.Handle(w, r, apperrors.Validation("recursive must be a boolean"))
			return
		}
	}

	docs, err := s.deps.Documents.ListDocuments(r.Context(), tenant(r))
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}

	nodes, err := pathindex.BuildTree(docs, base)
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}
	if !recursive {
		nodes = pathindex.DirectChildren(nodes)
	}
	s.writer.Write(w, r, models.NewDirectoryTreeResponse(base, nodes))
}

func (s *Server) replaceDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenant(r)

	id, err := documentID(r)
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}
	existing, err := s.deps.Documents.GetDocumentByID(ctx, id, tenantID)
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}
	if err := s.parseMultipart(w, r); err != nil {
		s.errors.Handle(w, r, err)
		return
	}
	files := r.MultipartForm.File["file"]
	if len(files) != 1 {
		s.errors.Handle(w, r, apperrors.Validation("exactly one file must be uploaded"))
		return
	}
	name, err := uploadFilename(files[0])
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}

	filePath, err := s.saveUpload(files[0], storageName(id, name))
	if err != nil {
		s.errors.Handle(w, r, apperrors.Internal(err))
		return
	}
	if existing.FilePath != "" && existing.FilePath != filePath {
		if err := os.Remove(existing.FilePath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Int64("document_id", id).Msg("failed to remove replaced file")
		}
	}

	if err := s.deps.Chunks.DeleteDocument(ctx, id); err != nil {
		s.errors.Handle(w, r, apperrors.Backend("chunk index", err))
		return
	}
	doc, err := s.deps.Documents.ReplaceFile(ctx, id, tenantID, name, filePath)
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}
	s.writer.Write(w, r, doc)
}

func (s *Server) deleteDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenant(r)

	id, err := documentID(r)
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}
	doc, err := s.deps.Documents.GetDocumentByID(ctx, id, tenantID)
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}

	if doc.FilePath != "" {
		if err := os.Remove(doc.FilePath); err != nil && !os.IsNotExist(err) {
			s.errors.Handle(w, r, apperrors.Internal(err))
			return
		}
	}
	if err := s.deps.Chunks.DeleteDocument(ctx, id); err != nil {
		s.errors.Handle(w, r, apperrors.Backend("chunk index", err))
		return
	}
	if err := s.deps.Documents.DeleteDocument(ctx, id, tenantID); err != nil {
		s.errors.Handle(w, r, err)
		return
	}
	if err := s.deps.Ownership.RevokeOwner(ctx, tenantID, id); err != nil {
		s.logger.Warn().Err(err).Int64("document_id", id).Msg("failed to revoke document ownership")
	}

	s.writer.Write(w, r, &models.DeleteResponse{Message: "Document deleted successfully"})
}

func (s *Server) moveDocument(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}
	dir, err := splitPath(r.URL.Query().Get("new_path"))
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}

	doc, err := s.deps.Documents.MoveDocument(r.Context(), id, tenant(r), dir)
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}
	s.writer.Write(w, r, doc)
}

func (s *Server) ingestDocuments(w http.ResponseWriter, r *http.Request) {
	var req models.IngestRequest
	if err := decodeJSON(r, &req); err != nil {
		s.errors.Handle(w, r, err)
		return
	}

	report, err := s.deps.Ingester.Ingest(r.Context(), tenant(r), req.DocumentIDs)
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}
	s.writer.Write(w, r, report)
}

func (s *Server) searchDocuments(w http.ResponseWriter, r *http.Request) {
	var req models.SearchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.errors.Handle(w, r, err)
		return
	}

	tenantID := tenant(r)
	if req.TenantID != "" && req.TenantID != tenantID {
		s.errors.Handle(w, r, apperrors.ErrTenantMismatch)
		return
	}

	q := req.ToQuery(tenantID)
	if req.ChunksPerDocument == nil && s.cfg.Search.DefaultChunksPerDocument > 0 {
		q.ChunksPerDocument = s.cfg.Search.DefaultChunksPerDocument
	}
	if req.MinScore == nil && s.cfg.Search.DefaultMinScore > 0 {
		q.MinScore = s.cfg.Search.DefaultMinScore
	}

	result, err := s.deps.Searcher.Search(r.Context(), q)
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}
	s.writer.Write(w, r, result)
}

func (s *Server) prefixSearch(w http.ResponseWriter, r *http.Request) {
	docs, err := s.deps.Documents.PrefixSearch(r.Context(), tenant(r), r.URL.Query().Get("query"), 0)
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}
	if docs == nil {
		docs = []models.Document{}
	}
	s.writer.Write(w, r, &models.PrefixSearchResponse{Documents: docs})
}
