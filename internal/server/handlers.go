package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/hyperjump/lcdetect/internal/cli"
	"github.com/hyperjump/lcdetect/internal/config"
	"github.com/hyperjump/lcdetect/internal/index"
	"github.com/hyperjump/lcdetect/internal/models"
	"github.com/hyperjump/lcdetect/internal/storage"
)

// maxFeaturesBody bounds a feature upload.
const maxFeaturesBody = 64 << 20

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var f models.ImageFeatures
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFeaturesBody)).Decode(&f); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := f.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Debug("process request", zap.Uint32("image_id", f.ImageID), zap.Int("features", len(f.Descriptors)))
	res, err := s.session.ProcessFeatures(r.Context(), &f)
	if err != nil {
		s.respondProcessError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

type processFileRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleProcessFile(w http.ResponseWriter, r *http.Request) {
	var req processFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	s.logger.Debug("process file request", zap.String("path", req.Path))
	res, err := s.session.ProcessFile(r.Context(), req.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.respondError(w, http.StatusNotFound, "file not found")
			return
		}
		s.respondProcessError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) respondProcessError(w http.ResponseWriter, err error) {
	if errors.Is(err, index.ErrDuplicateImage) {
		s.respondError(w, http.StatusConflict, err.Error())
		return
	}
	s.logger.Error("process failed", zap.Error(err))
	s.respondError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleLoops(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.LoopFilter{RunID: q.Get("run_id")}
	if q.Get("current") == "true" {
		filter.RunID = s.session.RunID()
	}
	if v := q.Get("status"); v != "" {
		st, err := models.ParseStatus(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = &st
	}
	var err error
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	loops, total, err := s.session.Loops(r.Context(), filter)
	if err != nil {
		s.logger.Error("list loops failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if loops == nil {
		loops = []*models.LoopRecord{}
	}
	s.respondJSON(w, http.StatusOK, cli.LoopPage{Loops: loops, Total: total})
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid")
	}
	return n, nil
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.session.LastFrame())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.session.Status(r.Context())
	if err != nil {
		s.logger.Error("status failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := cli.StatusReport{Session: st}
	if s.watchConfig != nil {
		cfg := s.watchConfig
		resp.Config = &cli.StatusConfig{
			StorageType:  cfg.Storage.Type,
			DatabasePath: cfg.Storage.DatabasePath,
			Codec:        cfg.Storage.Codec,
			IndexType:    cfg.Index.Type,
			Delay:        cfg.Detector.Delay,
			MinScore:     cfg.Detector.MinScore,
			MinInliers:   cfg.Detector.MinInliers,
		}
		if diskBytes, err := storage.DiskUsageBytes(storage.DatabaseFiles(cfg.Storage.DatabasePath)...); err == nil {
			resp.DiskUsageBytes = &diskBytes
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWatchDirectoriesList(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	dirs := s.watch.Directories()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"directories": dirs})
}

type watchAddRequest struct {
	Path string `json:"path"`
	Sync *bool  `json:"sync,omitempty"`
}

func (s *Server) handleWatchDirectoriesAdd(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	var req watchAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, "directory not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !info.IsDir() {
		s.respondError(w, http.StatusBadRequest, "path is not a directory")
		return
	}
	syncExisting := true
	if req.Sync != nil {
		syncExisting = *req.Sync
	}
	s.logger.Debug("watch add directory request", zap.String("path", abs), zap.Bool("sync_existing", syncExisting))
	if err := s.watch.AddDirectory(abs, syncExisting); err != nil {
		s.logger.Error("watch add directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": abs, "status": "added"})
}

func (s *Server) handleWatchDirectoriesRemove(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		var body struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Path != "" {
			path = body.Path
		}
	}
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required (query or body)")
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	s.logger.Debug("watch remove directory request", zap.String("path", abs))
	if err := s.watch.RemoveDirectory(abs); err != nil {
		s.logger.Error("watch remove directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

func (s *Server) persistWatchDirectories() {
	if s.configPath == "" || s.watchConfig == nil {
		return
	}
	s.watchConfigMu.Lock()
	s.watchConfig.Watch.Directories = s.watch.Directories()
	err := config.Save(s.configPath, s.watchConfig)
	s.watchConfigMu.Unlock()
	if err != nil {
		s.logger.Warn("failed to persist watch config", zap.Error(err))
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
