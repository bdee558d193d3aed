package server

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/uplinklabs/netmon/internal/config"
)

// ErrImportInvalid marks an uploaded archive missing required entries or
// failing validation; the running state is left untouched.
var ErrImportInvalid = errors.New("server: import archive invalid")

const (
	exportEntryDatabase = "database"
	exportEntryConfig   = "config.json"

	maxImportBytes = 256 << 20
)

// handleExport streams a ZIP holding a consistent database copy and the
// current config.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="netmon-export-%s.zip"`, s.cfg.Clock.Now().UTC().Format("20060102T150405Z")))

	zw := zip.NewWriter(w)

	dbEntry, err := zw.Create(exportEntryDatabase)
	if err == nil {
		err = s.cfg.History.BackupTo(r.Context(), dbEntry)
	}
	if err != nil {
		// Headers are gone; all we can do is log and cut the stream.
		s.log.Error("server: export database", "error", err)
		zw.Close()
		return
	}

	cfgEntry, err := zw.Create(exportEntryConfig)
	if err == nil {
		var raw []byte
		raw, err = json.MarshalIndent(s.cfg.ConfigStore.Load(), "", "  ")
		if err == nil {
			_, err = cfgEntry.Write(raw)
		}
	}
	if err != nil {
		s.log.Error("server: export config", "error", err)
	}

	if err := zw.Close(); err != nil {
		s.log.Error("server: finalize export", "error", err)
	}
}

// handleImport replaces the database and config from an uploaded ZIP. The
// prior state is backed up first, the scheduler is paused for the swap, and
// nothing is replaced unless the archive validates.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxImportBytes); err != nil {
		s.respondError(w, http.StatusBadRequest, "parse multipart: "+err.Error())
		return
	}
	file, _, err := importFile(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(io.LimitReader(file, maxImportBytes))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}

	dbRaw, snap, err := parseImportArchive(raw)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	backupDir, err := s.backupCurrentState(r)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "backup current state: "+err.Error())
		return
	}

	s.cfg.Scheduler.Pause()
	defer s.cfg.Scheduler.Resume()

	if err := s.cfg.History.Swap(dbRaw); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.Join(ErrImportInvalid, err).Error())
		return
	}
	if err := s.cfg.ConfigStore.Save(snap); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.cfg.Scheduler.Reconfigure(r.Context(), snap); err != nil {
		s.respondError(w, http.StatusInternalServerError, "reconfigure: "+err.Error())
		return
	}

	s.log.Info("server: import complete", "backup", backupDir)
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status": "imported",
		"backup": backupDir,
	})
}

func importFile(r *http.Request) (io.ReadCloser, string, error) {
	if f, hdr, err := r.FormFile("file"); err == nil {
		return f, hdr.Filename, nil
	}
	// Accept any single uploaded file regardless of the field name.
	for _, headers := range r.MultipartForm.File {
		for _, hdr := range headers {
			f, err := hdr.Open()
			if err != nil {
				return nil, "", fmt.Errorf("open upload: %w", err)
			}
			return f, hdr.Filename, nil
		}
	}
	return nil, "", fmt.Errorf("%w: no file uploaded", ErrImportInvalid)
}

// parseImportArchive extracts and validates both required entries without
// touching any running state.
func parseImportArchive(raw []byte) ([]byte, *config.Snapshot, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: not a zip archive: %v", ErrImportInvalid, err)
	}

	var dbRaw, cfgRaw []byte
	for _, f := range zr.File {
		name := filepath.Base(f.Name)
		if name != exportEntryDatabase && name != exportEntryConfig {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: open %s: %v", ErrImportInvalid, f.Name, err)
		}
		data, err := io.ReadAll(io.LimitReader(rc, maxImportBytes))
		rc.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: read %s: %v", ErrImportInvalid, f.Name, err)
		}
		if name == exportEntryDatabase {
			dbRaw = data
		} else {
			cfgRaw = data
		}
	}

	if dbRaw == nil || cfgRaw == nil {
		return nil, nil, fmt.Errorf("%w: archive must contain %q and %q", ErrImportInvalid, exportEntryDatabase, exportEntryConfig)
	}
	if !strings.HasPrefix(string(dbRaw[:min(len(dbRaw), 16)]), "SQLite format 3") {
		return nil, nil, fmt.Errorf("%w: database entry is not a sqlite file", ErrImportInvalid)
	}
	snap, err := config.Parse(cfgRaw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: config.json: %v", ErrImportInvalid, err)
	}
	return dbRaw, snap, nil
}

// backupCurrentState copies the live database and config into a timestamped
// directory before an import replaces them.
func (s *Server) backupCurrentState(r *http.Request) (string, error) {
	dir := filepath.Join(s.cfg.DataDir, fmt.Sprintf("backup-%d", s.cfg.Clock.Now().UnixMilli()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	dbFile, err := os.Create(filepath.Join(dir, exportEntryDatabase))
	if err != nil {
		return "", err
	}
	defer dbFile.Close()
	if err := s.cfg.History.BackupTo(r.Context(), dbFile); err != nil {
		return "", err
	}

	raw, err := json.MarshalIndent(s.cfg.ConfigStore.Load(), "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, exportEntryConfig), raw, 0o644); err != nil {
		return "", err
	}
	return dir, nil
}
