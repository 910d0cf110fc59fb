package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"videoCaption/core"
	"videoCaption/storage"
)

// captionTimeout bounds a single upload end to end, decode included.
const captionTimeout = 5 * time.Minute

// UploadHandler accepts a multipart video, captions it synchronously and
// stores the record. Nothing is persisted when any stage fails.
func (s *Server) UploadHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid upload", "Could not parse multipart form: "+err.Error())
		return
	}
	file, header, err := r.FormFile("video")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing file", "A 'video' form file is required")
		return
	}
	defer file.Close()

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(header.Filename)), ".")
	if !s.extensionAllowed(ext) {
		writeError(w, http.StatusBadRequest, "Unsupported format",
			fmt.Sprintf("Extension %q is not allowed (allowed: %s)", ext, s.cfg.AllowedExtensions))
		return
	}

	videoID := core.NewID()
	relPath := filepath.Join("videos", videoID+"."+ext)
	absPath := filepath.Join(s.cfg.UploadDir, relPath)
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "Upload failed", err.Error())
		return
	}
	size, err := saveUpload(absPath, file)
	if err != nil {
		os.Remove(absPath)
		writeError(w, http.StatusInternalServerError, "Upload failed", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), captionTimeout)
	defer cancel()

	result, err := s.captioner.Describe(ctx, absPath)
	if err != nil {
		os.Remove(absPath)
		s.writeCaptionError(w, err)
		return
	}

	info, err := s.probe(ctx, absPath)
	if err != nil {
		os.Remove(absPath)
		s.writeCaptionError(w, err)
		return
	}

	title := r.FormValue("title")
	if title == "" {
		title = strings.TrimSuffix(header.Filename, filepath.Ext(header.Filename))
	}
	rec := &core.VideoRecord{
		ID:               videoID,
		UserID:           userID(r),
		Title:            title,
		Caption:          result.Caption,
		OriginalFilename: header.Filename,
		FilePath:         absPath,
		VideoURL:         "/uploads/" + filepath.ToSlash(relPath),
		Duration:         core.FormatDuration(info.Duration),
		FileSize:         size,
		Format:           info.Format,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.records.InsertVideo(ctx, rec); err != nil {
		os.Remove(absPath)
		writeError(w, http.StatusInternalServerError, "Store failed", err.Error())
		return
	}
	if len(result.Embedding) > 0 {
		if err := s.index.Upsert(ctx, videoID, result.Embedding); err != nil {
			s.log.Warn().Err(err).Str("video_id", videoID).Msg("embedding upsert failed")
		}
	}

	s.log.Info().
		Str("video_id", videoID).
		Str("provider", result.Provider).
		Bool("complete", result.Complete).
		Int64("size", size).
		Msg("video captioned")
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"video":    rec,
		"complete": result.Complete,
	})
}

func (s *Server) ListHandler(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 20)
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}

	videos, total, err := s.records.ListVideos(r.Context(), userID(r), page, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "List failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"videos": videos,
		"total":  total,
		"page":   page,
		"limit":  limit,
	})
}

func (s *Server) GetHandler(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.ownedVideo(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"video": rec})
}

func (s *Server) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.ownedVideo(w, r)
	if !ok {
		return
	}
	if err := s.records.DeleteVideo(r.Context(), rec.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "Delete failed", err.Error())
		return
	}
	if err := s.index.Delete(r.Context(), rec.ID); err != nil {
		s.log.Warn().Err(err).Str("video_id", rec.ID).Msg("embedding delete failed")
	}
	if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
		s.log.Warn().Err(err).Str("path", rec.FilePath).Msg("file removal failed")
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "Video deleted",
		"video_id": rec.ID,
	})
}

// ClearHistoryHandler deletes every video the requester owns, files and
// embeddings included. Irreversible.
func (s *Server) ClearHistoryHandler(w http.ResponseWriter, r *http.Request) {
	removed, err := s.records.DeleteAllVideos(r.Context(), userID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Clear failed", err.Error())
		return
	}
	for _, rec := range removed {
		if err := s.index.Delete(r.Context(), rec.ID); err != nil {
			s.log.Warn().Err(err).Str("video_id", rec.ID).Msg("embedding delete failed")
		}
		if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("path", rec.FilePath).Msg("file removal failed")
		}
	}
	s.log.Info().Int("count", len(removed)).Str("user_id", userID(r)).Msg("video history cleared")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":       "Video history cleared",
		"deleted_count": len(removed),
	})
}

// SimilarHandler returns videos whose caption embeddings are nearest to this
// one, the video itself excluded. Neighbors owned by other users are skipped,
// so the index is over-fetched to keep up to topK owned results.
func (s *Server) SimilarHandler(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.ownedVideo(w, r)
	if !ok {
		return
	}
	topK := queryInt(r, "limit", 5)
	if topK < 1 {
		topK = 1
	}
	if topK > 20 {
		topK = 20
	}

	vec, err := s.index.Get(r.Context(), rec.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, "No embedding", "Video has no stored embedding")
		return
	}
	neighbors, err := s.index.Search(r.Context(), vec, topK*10, rec.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Search failed", err.Error())
		return
	}

	similar := []map[string]interface{}{}
	for _, n := range neighbors {
		v, err := s.records.GetVideo(r.Context(), n.VideoID)
		if err != nil {
			continue
		}
		if v.UserID != userID(r) {
			continue
		}
		similar = append(similar, map[string]interface{}{
			"video": v,
			"score": n.Score,
		})
		if len(similar) == topK {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"video_id": rec.ID,
		"similar":  similar,
	})
}

// ownedVideo resolves the path ID to a record the requester owns. A video
// belonging to someone else reads as not found.
func (s *Server) ownedVideo(w http.ResponseWriter, r *http.Request) (*core.VideoRecord, bool) {
	id := r.PathValue("id")
	rec, err := s.records.GetVideo(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Video not found", id)
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, "Lookup failed", err.Error())
		return nil, false
	}
	if rec.UserID != userID(r) {
		writeError(w, http.StatusNotFound, "Video not found", id)
		return nil, false
	}
	return rec, true
}

func (s *Server) writeCaptionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrVideoNotFound):
		writeError(w, http.StatusNotFound, "Video not found", err.Error())
	case errors.Is(err, core.ErrDecode):
		writeError(w, http.StatusUnprocessableEntity, "Decode failed", err.Error())
	case errors.Is(err, core.ErrModelLoad):
		writeError(w, http.StatusServiceUnavailable, "Caption model unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "Caption failed", err.Error())
	}
}

func (s *Server) extensionAllowed(ext string) bool {
	for _, allowed := range s.cfg.AllowedExtensionList() {
		if ext == allowed {
			return true
		}
	}
	return false
}

func saveUpload(path string, src io.Reader) (int64, error) {
	dst, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create upload file: %w", err)
	}
	defer dst.Close()
	n, err := io.Copy(dst, src)
	if err != nil {
		return 0, fmt.Errorf("write upload file: %w", err)
	}
	return n, nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
