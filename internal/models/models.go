package models

import (
	"time"
)

// Subject is the catalog copy of a liveness record.
type Subject struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	SubjectID   string    `gorm:"uniqueIndex;not null" json:"staff_id"`
	DisplayName string    `json:"name"`
	Division    string    `json:"division"`
	Status      string    `json:"status"`
	LastSeen    time.Time `json:"last_seen"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Artifact indexes one stored file. The bytes live in the artifact store.
type Artifact struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	SubjectID  string    `gorm:"uniqueIndex:idx_artifact_key;not null" json:"staff_id"`
	Kind       string    `gorm:"uniqueIndex:idx_artifact_key;index;not null" json:"kind"`
	CapturedAt string    `gorm:"uniqueIndex:idx_artifact_key;not null" json:"captured_at"`
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	ReceivedAt time.Time `json:"received_at"`
}

// SessionLog records one agent connection.
type SessionLog struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	SessionID      string     `gorm:"uniqueIndex;size:36;not null" json:"session_id"`
	SubjectID      string     `gorm:"index" json:"staff_id"`
	RemoteAddr     string     `json:"remote_addr"`
	ConnectedAt    time.Time  `gorm:"index" json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	OnlineSeconds  *int64     `json:"online_seconds,omitempty"`
	CloseReason    string     `json:"close_reason,omitempty"`
}

// StaffEntry is one subject in the staff list.
type StaffEntry struct {
	Name            string  `json:"name"`
	Division        string  `json:"division"`
	RecordingStatus string  `json:"recording_status"`
	Timestamp       string  `json:"timestamp"`
	ScreenshotPath  *string `json:"screenshot_path"`
	VideoPath       *string `json:"video_path"`
}

type StaffListResponse struct {
	StaffList []string              `json:"staffList"`
	StaffData map[string]StaffEntry `json:"staffData"`
}

type HistoryItem struct {
	Filename  string `json:"filename"`
	Path      string `json:"path"`
	Timestamp string `json:"timestamp"`
	Size      int64  `json:"size,omitempty"`
}

type HistoryResponse struct {
	StaffID        string        `json:"staffId"`
	History        []HistoryItem `json:"history"`
	AvailableDates []string      `json:"availableDates"`
}

type VideoHistoryResponse struct {
	StaffID        string        `json:"staffId"`
	Videos         []HistoryItem `json:"videos"`
	AvailableDates []string      `json:"availableDates"`
}

type StatsResponse struct {
	TotalUsers       int64 `json:"total_users"`
	TotalScreenshots int64 `json:"total_screenshots"`
	TotalVideos      int64 `json:"total_videos"`
	ActiveUsers      int64 `json:"active_users"`
}
