// Package catalog indexes subjects, artifacts and agent sessions in SQLite.
// The artifact bytes stay in the artifact store; the catalog backs stats,
// session auditing and restoring liveness records after a restart.
package catalog

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/artifact"
	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/liveness"
	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/models"
)

type Catalog struct {
	DB *gorm.DB
}

// Open connects to the SQLite database at dsn and migrates the schema.
func Open(dsn string) (*Catalog, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", dsn, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	// SQLite allows a single writer.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&models.Subject{}, &models.Artifact{}, &models.SessionLog{}); err != nil {
		return nil, fmt.Errorf("catalog: migrate: %w", err)
	}
	return &Catalog{DB: db}, nil
}

func (c *Catalog) Close() error {
	sqlDB, err := c.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Save upserts a liveness record. It implements liveness.Persister.
func (c *Catalog) Save(ctx context.Context, rec liveness.Record) error {
	row := models.Subject{
		SubjectID:   rec.SubjectID,
		DisplayName: rec.DisplayName,
		Division:    rec.Group,
		Status:      string(rec.Status),
		LastSeen:    rec.LastSeenAt,
	}
	err := c.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subject_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "division", "status", "last_seen", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("catalog: save subject %s: %w", rec.SubjectID, err)
	}
	return nil
}

// Load returns every known subject. It implements liveness.Persister.
func (c *Catalog) Load(ctx context.Context) ([]liveness.Record, error) {
	var rows []models.Subject
	if err := c.DB.WithContext(ctx).Order("subject_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("catalog: load subjects: %w", err)
	}
	recs := make([]liveness.Record, 0, len(rows))
	for _, r := range rows {
		recs = append(recs, liveness.Record{
			SubjectID:   r.SubjectID,
			DisplayName: r.DisplayName,
			Group:       r.Division,
			LastSeenAt:  r.LastSeen,
			Status:      liveness.Status(r.Status),
		})
	}
	return recs, nil
}

// ArtifactStored indexes an artifact. Re-delivery of the same key updates the
// existing row.
func (c *Catalog) ArtifactStored(ctx context.Context, ref artifact.Ref) error {
	row := models.Artifact{
		SubjectID:  ref.SubjectID,
		Kind:       string(ref.Kind),
		CapturedAt: ref.CapturedAt,
		Filename:   ref.Filename,
		Size:       ref.Size,
		ReceivedAt: time.Now(),
	}
	err := c.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subject_id"}, {Name: "kind"}, {Name: "captured_at"}},
		DoUpdates: clause.AssignmentColumns([]string{"filename", "size", "received_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("catalog: index artifact %s/%s: %w", ref.SubjectID, ref.Filename, err)
	}
	return nil
}

func (c *Catalog) SessionOpened(ctx context.Context, sessionID, subjectID, remoteAddr string, at time.Time) error {
	err := c.DB.WithContext(ctx).Create(&models.SessionLog{
		SessionID:   sessionID,
		SubjectID:   subjectID,
		RemoteAddr:  remoteAddr,
		ConnectedAt: at,
	}).Error
	if err != nil {
		return fmt.Errorf("catalog: open session %s: %w", sessionID, err)
	}
	return nil
}

func (c *Catalog) SessionClosed(ctx context.Context, sessionID string, at time.Time, reason string) error {
	var row models.SessionLog
	if err := c.DB.WithContext(ctx).Where("session_id = ?", sessionID).First(&row).Error; err != nil {
		return fmt.Errorf("catalog: close session %s: %w", sessionID, err)
	}
	online := int64(at.Sub(row.ConnectedAt).Seconds())
	err := c.DB.WithContext(ctx).Model(&row).Updates(map[string]any{
		"disconnected_at": at,
		"online_seconds":  online,
		"close_reason":    reason,
	}).Error
	if err != nil {
		return fmt.Errorf("catalog: close session %s: %w", sessionID, err)
	}
	return nil
}

// Sessions returns the most recent sessions of a subject, newest first.
func (c *Catalog) Sessions(ctx context.Context, subjectID string, limit int) ([]models.SessionLog, error) {
	var rows []models.SessionLog
	q := c.DB.WithContext(ctx).Where("subject_id = ?", subjectID).Order("connected_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("catalog: sessions of %s: %w", subjectID, err)
	}
	return rows, nil
}

type Stats struct {
	TotalSubjects    int64
	TotalScreenshots int64
	TotalVideos      int64
}

func (c *Catalog) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	db := c.DB.WithContext(ctx)
	if err := db.Model(&models.Subject{}).Count(&s.TotalSubjects).Error; err != nil {
		return Stats{}, fmt.Errorf("catalog: count subjects: %w", err)
	}
	if err := db.Model(&models.Artifact{}).Where("kind = ?", string(artifact.KindImage)).Count(&s.TotalScreenshots).Error; err != nil {
		return Stats{}, fmt.Errorf("catalog: count screenshots: %w", err)
	}
	if err := db.Model(&models.Artifact{}).Where("kind = ?", string(artifact.KindVideo)).Count(&s.TotalVideos).Error; err != nil {
		return Stats{}, fmt.Errorf("catalog: count videos: %w", err)
	}
	return s, nil
}
