package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/cordum/addonhub/core/addons"
	"github.com/cordum/addonhub/core/infra/logging"
)

const (
	uploadField    = "package"
	headerUserID   = "X-User-ID"
	headerChecksum = "X-Checksum"
	maxStatusBody  = 4 << 10
)

func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+multipartOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "multipart/form-data body required", http.StatusBadRequest)
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			http.Error(w, fmt.Sprintf("form field %q required", uploadField), http.StatusBadRequest)
			return
		}
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				http.Error(w, "upload too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "invalid multipart body", http.StatusBadRequest)
			return
		}
		if part.FormName() != uploadField || part.FileName() == "" {
			_ = part.Close()
			continue
		}

		up := addons.Upload{
			File:        part,
			Filename:    part.FileName(),
			ContentType: uploadContentType(part.Header.Get("Content-Type"), part.FileName()),
			Size:        declaredSize(r),
			UserID:      requestUserID(r),
			IP:          requestIP(r),
		}
		res, err := s.svc.Ingest(r.Context(), up)
		_ = part.Close()
		if err != nil {
			logging.Warn("api-gateway", "upload rejected", "filename", up.Filename, "kind", addons.KindOf(err), "error", err)
			writeError(w, r, err)
			return
		}
		status := http.StatusOK
		if res.Action == addons.ActionCreated {
			status = http.StatusCreated
		}
		writeJSON(w, status, res)
		return
	}
}

func (s *server) handleGetAddon(w http.ResponseWriter, r *http.Request) {
	id, ok := addonIDParam(w, r)
	if !ok {
		return
	}
	addon, err := s.svc.GetAddon(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, addon)
}

func (s *server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	id, ok := addonIDParam(w, r)
	if !ok {
		return
	}
	versions, err := s.svc.ListVersions(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"addon_id": id, "items": versions})
}

func (s *server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := addonIDParam(w, r)
	if !ok {
		return
	}
	dl, err := s.svc.ResolveDownload(r.Context(), addons.DownloadRequest{
		AddonID:   id,
		Version:   strings.TrimSpace(r.URL.Query().Get("version")),
		UserID:    requestUserID(r),
		IP:        requestIP(r),
		UserAgent: r.UserAgent(),
		Referer:   r.Referer(),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	f, err := os.Open(dl.AbsolutePath)
	if err != nil {
		logging.Error("api-gateway", "artifact missing", "addon_id", id, "version", dl.Version, "path", dl.Filepath, "error", err)
		http.Error(w, "artifact unavailable", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, "artifact unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.Filename}))
	w.Header().Set(headerChecksum, dl.Checksum)
	http.ServeContent(w, r, dl.Filename, info.ModTime(), f)
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	top := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("top")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "top must be a positive integer", http.StatusBadRequest)
			return
		}
		top = n
	}
	stats, err := s.svc.Stats(r.Context(), top)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type versionStatusRequest struct {
	Status string `json:"status"`
}

func (s *server) handleSetVersionStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := addonIDParam(w, r)
	if !ok {
		return
	}
	version := strings.TrimSpace(r.PathValue("version"))
	var req versionStatusRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxStatusBody)).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	status := addons.Status(strings.ToLower(strings.TrimSpace(req.Status)))
	if err := s.svc.SetVersionStatus(r.Context(), id, version, status); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"addon_id": id, "version": version, "status": status})
}

func (s *server) handleDeleteVersion(w http.ResponseWriter, r *http.Request) {
	id, ok := addonIDParam(w, r)
	if !ok {
		return
	}
	if err := s.svc.DeleteVersion(r.Context(), id, strings.TrimSpace(r.PathValue("version"))); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleDeleteAddon(w http.ResponseWriter, r *http.Request) {
	id, ok := addonIDParam(w, r)
	if !ok {
		return
	}
	if err := s.svc.DeleteAddon(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func addonIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(r.PathValue("id")), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid addon id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// requestUserID reads the id set by the upstream auth layer; anything
// unparseable is treated as anonymous.
func requestUserID(r *http.Request) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(headerUserID)), 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

func requestIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return requestHostname(r.RemoteAddr)
}

// declaredSize reads X-Upload-Size, the package length announced by clients
// that know it up front.
func declaredSize(r *http.Request) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get("X-Upload-Size")), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// uploadContentType falls back to the file extension when the client sent
// no specific type.
func uploadContentType(declared, filename string) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && !strings.HasPrefix(strings.ToLower(declared), "application/octet-stream") {
		return declared
	}
	name := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return "application/gzip"
	case path.Ext(name) == ".zip":
		return "application/zip"
	case path.Ext(name) == ".tar":
		return "application/x-tar"
	}
	return declared
}
