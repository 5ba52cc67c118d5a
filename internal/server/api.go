// Package server implements the public file server and the management API.
package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rsclarke/warden/internal/api"
	"github.com/rsclarke/warden/internal/auth"
	"github.com/rsclarke/warden/internal/backup"
	"github.com/rsclarke/warden/internal/blocklist"
	"github.com/rsclarke/warden/internal/config"
	"github.com/rsclarke/warden/internal/db"
	"github.com/rsclarke/warden/internal/guard"
	"github.com/rsclarke/warden/internal/logging"
	"github.com/rsclarke/warden/internal/metrics"
	"github.com/rsclarke/warden/internal/models"
	"github.com/rsclarke/warden/internal/quarantine"
	"github.com/rsclarke/warden/internal/reputation"
	"github.com/rsclarke/warden/internal/scan"
	"github.com/rsclarke/warden/internal/scheduler"
	"github.com/rsclarke/warden/internal/virustotal"
	"go.uber.org/zap"
)

// Guard is the set of operations the API exposes.
type Guard interface {
	TriggerScan(ctx context.Context) (*scan.Result, error)
	TriggerBackup(ctx context.Context, tier string) (*models.BackupSnapshot, error)
	ListBackups(ctx context.Context, tier string) ([]models.BackupSnapshot, error)
	ListAuditLog(ctx context.Context, limit int) ([]models.AuditEntry, error)
	ListQuarantined(ctx context.Context) ([]models.QuarantinedFile, error)
	DeleteQuarantined(ctx context.Context, id string) error
	RestoreQuarantined(ctx context.Context, id string) (*models.QuarantinedFile, error)
	LookupQuarantined(ctx context.Context, id string) (*virustotal.Report, error)
	ListBlocked() []models.BlockedIP
	IsBlocked(ip string) bool
	Block(ctx context.Context, ip string) (bool, error)
	Unblock(ctx context.Context, ip string) (bool, error)
	CheckReputation(ctx context.Context, ip string) (*reputation.Result, error)
	GetStats(ctx context.Context) (*guard.Stats, error)
	Limits() []models.RateLimitCounter
	Schedule() []scheduler.TaskState
	RunTask(ctx context.Context, name string) (bool, error)
	Config() config.Config
}

// APIServer serves the /v1 management API and /metrics.
type APIServer struct {
	DB      *sql.DB
	Guard   Guard
	Limiter *RateLimiter
	Logger  *zap.Logger
}

// AuthMiddleware validates the bearer API key on every request.
func (s *APIServer) AuthMiddleware(next http.Handler) http.Handler {
	lookup := func(prefix string) (*models.APIKey, error) {
		return db.GetAPIKeyByPrefix(s.DB, prefix)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		key, err := auth.Authenticate(lookup, bearer)
		if err != nil {
			if !errors.Is(err, auth.ErrUnauthorized) {
				s.logger().Error("api key lookup failed", zap.Error(err))
			}
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if err := db.TouchAPIKey(s.DB, key.ID, time.Now()); err != nil {
			s.logger().Warn("recording api key use failed", zap.String("key_prefix", key.KeyPrefix), zap.Error(err))
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the API handler: admission first, then the per-address
// request limiter, then authentication for /v1.
func (s *APIServer) Handler() http.Handler {
	v1 := http.NewServeMux()
	v1.HandleFunc("POST /v1/scan", s.handleScan)
	v1.HandleFunc("POST /v1/backups", s.handleCreateBackup)
	v1.HandleFunc("GET /v1/backups", s.handleListBackups)
	v1.HandleFunc("GET /v1/logs", s.handleListLogs)
	v1.HandleFunc("GET /v1/quarantine", s.handleListQuarantine)
	v1.HandleFunc("DELETE /v1/quarantine/{id}", s.handleDeleteQuarantined)
	v1.HandleFunc("POST /v1/quarantine/{id}/restore", s.handleRestoreQuarantined)
	v1.HandleFunc("POST /v1/quarantine/{id}/lookup", s.handleLookupQuarantined)
	v1.HandleFunc("GET /v1/blocked-ips", s.handleListBlocked)
	v1.HandleFunc("POST /v1/blocked-ips", s.handleBlock)
	v1.HandleFunc("DELETE /v1/blocked-ips/{ip}", s.handleUnblock)
	v1.HandleFunc("POST /v1/check-ip", s.handleCheckIP)
	v1.HandleFunc("GET /v1/stats", s.handleStats)
	v1.HandleFunc("GET /v1/limits", s.handleLimits)
	v1.HandleFunc("GET /v1/schedule", s.handleSchedule)
	v1.HandleFunc("POST /v1/schedule/{task}/run", s.handleRunTask)
	v1.HandleFunc("GET /v1/config", s.handleConfig)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("/v1/", s.AuthMiddleware(v1))

	var h http.Handler = mux
	if s.Limiter != nil {
		h = s.Limiter.Middleware(h)
	}
	return Admission(s.Guard, s.logger(), h)
}

func (s *APIServer) handleScan(w http.ResponseWriter, r *http.Request) {
	res, err := s.Guard.TriggerScan(scan.WithTrigger(r.Context(), "api"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.ScanResponse{
		ScanID:        res.ScanID,
		Directory:     res.Directory,
		Trigger:       res.Trigger,
		Infected:      res.Infected,
		InfectedCount: res.InfectedCount,
		Quarantined:   res.Quarantined,
		Failed:        res.Failed,
		StartedAt:     formatTime(res.StartedAt),
		FinishedAt:    formatTime(res.FinishedAt),
	})
}

func (s *APIServer) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	var req api.CreateBackupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Tier == "" {
		writeError(w, http.StatusBadRequest, "tier required")
		return
	}
	snap, err := s.Guard.TriggerBackup(r.Context(), req.Tier)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, backupInfo(*snap))
}

func (s *APIServer) handleListBackups(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.Guard.ListBackups(r.Context(), r.URL.Query().Get("tier"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	resp := api.ListBackupsResponse{Backups: make([]api.BackupInfo, 0, len(snaps))}
	for _, sn := range snaps {
		resp.Backups = append(resp.Backups, backupInfo(sn))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleListLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 10000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 10000")
			return
		}
		limit = n
	}
	entries, err := s.Guard.ListAuditLog(r.Context(), limit)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	resp := api.ListLogsResponse{Entries: make([]api.AuditEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, api.AuditEntry{
			ID:        e.ID,
			Timestamp: formatTime(e.Timestamp),
			EventType: e.EventType,
			Details:   json.RawMessage(e.Details),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleListQuarantine(w http.ResponseWriter, r *http.Request) {
	files, err := s.Guard.ListQuarantined(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	resp := api.ListQuarantineResponse{Files: make([]api.QuarantinedFile, 0, len(files))}
	for _, f := range files {
		resp.Files = append(resp.Files, api.QuarantinedFile{
			ID:            f.ID,
			OriginalPath:  f.OriginalPath,
			VirusName:     f.VirusName,
			SHA256:        f.SHA256,
			QuarantinedAt: formatTime(f.QuarantinedAt),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleDeleteQuarantined(w http.ResponseWriter, r *http.Request) {
	if err := s.Guard.DeleteQuarantined(r.Context(), r.PathValue("id")); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.DeleteResponse{Deleted: true})
}

func (s *APIServer) handleRestoreQuarantined(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Guard.RestoreQuarantined(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.RestoreResponse{ID: rec.ID, RestoredTo: rec.OriginalPath})
}

func (s *APIServer) handleLookupQuarantined(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	report, err := s.Guard.LookupQuarantined(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	resp := api.LookupResponse{ID: id}
	if report != nil {
		resp.SHA256 = report.SHA256
		resp.Report = &api.FileReport{
			Found:     report.Found,
			Positives: report.Positives,
			Total:     report.Total,
			ScanDate:  report.ScanDate,
			Permalink: report.Permalink,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleListBlocked(w http.ResponseWriter, r *http.Request) {
	blocked := s.Guard.ListBlocked()
	resp := api.ListBlockedResponse{Blocked: make([]api.BlockedIP, 0, len(blocked))}
	for _, b := range blocked {
		resp.Blocked = append(resp.Blocked, api.BlockedIP{
			IP:        b.Address,
			BlockedAt: formatTime(b.BlockedAt),
			Source:    b.Source,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req api.IPRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.IP == "" {
		writeError(w, http.StatusBadRequest, "ip required")
		return
	}
	changed, err := s.Guard.Block(r.Context(), req.IP)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.BlockResponse{IP: req.IP, Changed: changed})
}

func (s *APIServer) handleUnblock(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")
	changed, err := s.Guard.Unblock(r.Context(), ip)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.BlockResponse{IP: ip, Changed: changed})
}

func (s *APIServer) handleCheckIP(w http.ResponseWriter, r *http.Request) {
	var req api.IPRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.IP == "" {
		writeError(w, http.StatusBadRequest, "ip required")
		return
	}
	res, err := s.Guard.CheckReputation(r.Context(), req.IP)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	resp := api.CheckIPResponse{IP: req.IP, Blocked: s.Guard.IsBlocked(req.IP)}
	if res != nil {
		resp.Result = &api.ReputationResult{
			Score:        res.AbuseConfidenceScore,
			CountryCode:  res.CountryCode,
			Domain:       res.Domain,
			TotalReports: res.TotalReports,
			Listed:       res.Listed,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Guard.GetStats(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	resp := api.StatsResponse{
		TotalScans:    stats.TotalScans,
		TotalInfected: stats.TotalInfected,
		TotalBlocked:  stats.TotalBlocked,
	}
	if stats.LastScanTime != nil {
		v := formatTime(*stats.LastScanTime)
		resp.LastScanTime = &v
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleLimits(w http.ResponseWriter, _ *http.Request) {
	counters := s.Guard.Limits()
	resp := api.LimitsResponse{Limits: make([]api.Limit, 0, len(counters))}
	for _, c := range counters {
		resp.Limits = append(resp.Limits, api.Limit{
			Service:     c.Service,
			Count:       c.Count,
			Limit:       c.Limit,
			WindowStart: formatTime(c.WindowStart),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleSchedule(w http.ResponseWriter, _ *http.Request) {
	states := s.Guard.Schedule()
	resp := api.ScheduleResponse{Tasks: make([]api.Task, 0, len(states))}
	for _, st := range states {
		t := api.Task{
			Name:      st.Name,
			Interval:  st.Interval.String(),
			LastError: st.LastError,
			Running:   st.Running,
			Runs:      st.Runs,
		}
		if st.LastRun != nil {
			v := formatTime(*st.LastRun)
			t.LastRun = &v
		}
		if st.NextRun != nil {
			v := formatTime(*st.NextRun)
			t.NextRun = &v
		}
		resp.Tasks = append(resp.Tasks, t)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleRunTask(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("task")
	started, err := s.Guard.RunTask(r.Context(), name)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.RunTaskResponse{Task: name, Started: started})
}

func (s *APIServer) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Guard.Config())
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, blocklist.ErrInvalidIP),
		errors.Is(err, backup.ErrUnknownTier):
		return http.StatusBadRequest
	case errors.Is(err, quarantine.ErrNotFound),
		errors.Is(err, scheduler.ErrUnknownTask):
		return http.StatusNotFound
	case errors.Is(err, quarantine.ErrConflict),
		errors.Is(err, backup.ErrSnapshotBusy):
		return http.StatusConflict
	case errors.Is(err, scan.ErrScannerUnavailable),
		errors.Is(err, backup.ErrMirrorFailed):
		return http.StatusBadGateway
	case errors.Is(err, guard.ErrNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *APIServer) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger().Error("api request failed",
			logging.Method(r.Method), logging.Path(r.URL.Path), zap.Error(err))
		writeError(w, status, "internal error")
		return
	}
	s.logger().Debug("api request rejected",
		logging.Method(r.Method), logging.Path(r.URL.Path), zap.Int("status", status), zap.Error(err))
	writeError(w, status, err.Error())
}

func (s *APIServer) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// decodeBody reads a single JSON object of at most 64KB into v. An empty
// body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && err != io.EOF {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	if dec.Decode(&struct{}{}) != io.EOF {
		writeError(w, http.StatusBadRequest, "unexpected trailing data")
		return false
	}
	return true
}

func backupInfo(s models.BackupSnapshot) api.BackupInfo {
	return api.BackupInfo{
		ID:        s.ID,
		Tier:      s.Tier,
		CreatedAt: formatTime(s.CreatedAt),
		Path:      s.Path,
		BasePath:  s.BasePath,
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, api.ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
