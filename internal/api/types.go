// Package api defines the JSON bodies exchanged with the warden API server.
package api

import "encoding/json"

type ScanResponse struct {
	ScanID        string   `json:"scan_id"`
	Directory     string   `json:"directory"`
	Trigger       string   `json:"trigger"`
	Infected      bool     `json:"infected"`
	InfectedCount int      `json:"infected_count"`
	Quarantined   []string `json:"quarantined"`
	Failed        []string `json:"failed,omitempty"`
	StartedAt     string   `json:"started_at"`
	FinishedAt    string   `json:"finished_at"`
}

type CreateBackupRequest struct {
	Tier string `json:"tier"`
}

type BackupInfo struct {
	ID        string `json:"id"`
	Tier      string `json:"tier"`
	CreatedAt string `json:"created_at"`
	Path      string `json:"path"`
	BasePath  string `json:"base_path,omitempty"`
}

type ListBackupsResponse struct {
	Backups []BackupInfo `json:"backups"`
}

type AuditEntry struct {
	ID        int64           `json:"id"`
	Timestamp string          `json:"timestamp"`
	EventType string          `json:"event_type"`
	Details   json.RawMessage `json:"details"`
}

type ListLogsResponse struct {
	Entries []AuditEntry `json:"entries"`
}

type QuarantinedFile struct {
	ID            string `json:"id"`
	OriginalPath  string `json:"original_path"`
	VirusName     string `json:"virus_name"`
	SHA256        string `json:"sha256"`
	QuarantinedAt string `json:"quarantined_at"`
}

type ListQuarantineResponse struct {
	Files []QuarantinedFile `json:"files"`
}

type RestoreResponse struct {
	ID         string `json:"id"`
	RestoredTo string `json:"restored_to"`
}

type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

// FileReport is nil in LookupResponse when the quota was spent or the
// lookup failed.
type FileReport struct {
	Found     bool   `json:"found"`
	Positives int    `json:"positives"`
	Total     int    `json:"total"`
	ScanDate  string `json:"scan_date,omitempty"`
	Permalink string `json:"permalink,omitempty"`
}

type LookupResponse struct {
	ID     string      `json:"id"`
	SHA256 string      `json:"sha256"`
	Report *FileReport `json:"report"`
}

type IPRequest struct {
	IP string `json:"ip"`
}

type BlockResponse struct {
	IP      string `json:"ip"`
	Changed bool   `json:"changed"`
}

type BlockedIP struct {
	IP        string `json:"ip"`
	BlockedAt string `json:"blocked_at"`
	Source    string `json:"source"`
}

type ListBlockedResponse struct {
	Blocked []BlockedIP `json:"blocked"`
}

type ReputationResult struct {
	Score        int    `json:"abuse_confidence_score"`
	CountryCode  string `json:"country_code,omitempty"`
	Domain       string `json:"domain,omitempty"`
	TotalReports int    `json:"total_reports"`
	Listed       bool   `json:"listed,omitempty"`
}

// CheckIPResponse has a nil Result when no lookup was made or it failed.
type CheckIPResponse struct {
	IP      string            `json:"ip"`
	Result  *ReputationResult `json:"result"`
	Blocked bool              `json:"blocked"`
}

type StatsResponse struct {
	TotalScans    int     `json:"total_scans"`
	TotalInfected int     `json:"total_infected"`
	TotalBlocked  int     `json:"total_blocked"`
	LastScanTime  *string `json:"last_scan_time"`
}

type Limit struct {
	Service     string `json:"service"`
	Count       int    `json:"count"`
	Limit       int    `json:"limit"`
	WindowStart string `json:"window_start"`
}

type LimitsResponse struct {
	Limits []Limit `json:"limits"`
}

type Task struct {
	Name      string  `json:"name"`
	Interval  string  `json:"interval"`
	LastRun   *string `json:"last_run"`
	NextRun   *string `json:"next_run"`
	LastError string  `json:"last_error,omitempty"`
	Running   bool    `json:"running"`
	Runs      int     `json:"runs"`
}

type ScheduleResponse struct {
	Tasks []Task `json:"tasks"`
}

type RunTaskResponse struct {
	Task    string `json:"task"`
	Started bool   `json:"started"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
