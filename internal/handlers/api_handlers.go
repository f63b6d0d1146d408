package handlers

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/artifact"
	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/catalog"
	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/liveness"
	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/models"
)

const (
	defaultName     = "Unknown User"
	defaultDivision = "Unassigned"
)

var datePattern = regexp.MustCompile(`^\d{8}$`)

// StatsSource counts what the catalog has indexed.
type StatsSource interface {
	Stats(ctx context.Context) (catalog.Stats, error)
}

// MonitorHandler serves the read-only query API. Catalog may be nil, in which
// case stats are counted from the artifact store.
type MonitorHandler struct {
	Store    *artifact.Store
	Registry *liveness.Registry
	Catalog  StatsSource
	Log      zerolog.Logger
}

func NewMonitorHandler(store *artifact.Store, reg *liveness.Registry, cat StatsSource, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		Store:    store,
		Registry: reg,
		Catalog:  cat,
		Log:      log,
	}
}

func (h *MonitorHandler) GetStaffList(c *gin.Context) {
	resp := models.StaffListResponse{
		StaffList: []string{},
		StaffData: map[string]models.StaffEntry{},
	}

	for _, rec := range h.Registry.List() {
		resp.StaffList = append(resp.StaffList, rec.SubjectID)
		resp.StaffData[rec.SubjectID] = h.staffEntry(rec)
	}

	// Directories without a liveness record still hold artifacts.
	subjects, err := h.Store.Subjects()
	if err != nil {
		h.Log.Error().Err(err).Msg("list subjects")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list staff"})
		return
	}
	for _, id := range subjects {
		if _, ok := resp.StaffData[id]; ok {
			continue
		}
		resp.StaffList = append(resp.StaffList, id)
		resp.StaffData[id] = h.staffEntry(liveness.Record{
			SubjectID: id,
			Status:    liveness.StatusInactive,
		})
	}

	c.JSON(http.StatusOK, resp)
}

func (h *MonitorHandler) staffEntry(rec liveness.Record) models.StaffEntry {
	e := models.StaffEntry{
		Name:            rec.DisplayName,
		Division:        rec.Group,
		RecordingStatus: string(rec.Status),
	}
	if e.Name == "" {
		e.Name = defaultName
	}
	if e.Division == "" {
		e.Division = defaultDivision
	}
	if !rec.LastSeenAt.IsZero() {
		e.Timestamp = rec.LastSeenAt.Format(time.RFC3339)
	}

	if ref, ok, err := h.Store.Latest(rec.SubjectID, artifact.KindImage); err != nil {
		h.Log.Warn().Err(err).Str("subject", rec.SubjectID).Msg("latest screenshot")
	} else if ok {
		p := latestPath(ref)
		e.ScreenshotPath = &p
		if e.Timestamp == "" {
			e.Timestamp = capturedTimestamp(ref)
		}
	}
	if ref, ok, err := h.Store.Latest(rec.SubjectID, artifact.KindVideo); err != nil {
		h.Log.Warn().Err(err).Str("subject", rec.SubjectID).Msg("latest video")
	} else if ok {
		p := ref.URLPath()
		e.VideoPath = &p
	}
	return e
}

func (h *MonitorHandler) GetStaffHistory(c *gin.Context) {
	id, opts, ok := historyParams(c)
	if !ok {
		return
	}
	items, dates, ok := h.history(c, id, artifact.KindImage, opts)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, models.HistoryResponse{
		StaffID:        id,
		History:        items,
		AvailableDates: dates,
	})
}

func (h *MonitorHandler) GetStaffVideos(c *gin.Context) {
	id, opts, ok := historyParams(c)
	if !ok {
		return
	}
	items, dates, ok := h.history(c, id, artifact.KindVideo, opts)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, models.VideoHistoryResponse{
		StaffID:        id,
		Videos:         items,
		AvailableDates: dates,
	})
}

func (h *MonitorHandler) history(c *gin.Context, id string, kind artifact.Kind, opts artifact.ListOptions) ([]models.HistoryItem, []string, bool) {
	refs, err := h.Store.List(id, kind, opts)
	if err != nil {
		h.Log.Error().Err(err).Str("subject", id).Msg("list artifacts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read history"})
		return nil, nil, false
	}
	dates, err := h.Store.AvailableDates(id, kind)
	if err != nil {
		h.Log.Error().Err(err).Str("subject", id).Msg("list dates")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read history"})
		return nil, nil, false
	}

	items := make([]models.HistoryItem, 0, len(refs))
	for _, ref := range refs {
		items = append(items, models.HistoryItem{
			Filename:  ref.Filename,
			Path:      ref.URLPath(),
			Timestamp: capturedTimestamp(ref),
			Size:      ref.Size,
		})
	}
	if dates == nil {
		dates = []string{}
	}
	return items, dates, true
}

// historyParams validates the subject id and the date and limit query
// parameters, answering 400 itself when one is bad.
func historyParams(c *gin.Context) (string, artifact.ListOptions, bool) {
	id := c.Param("id")
	if err := artifact.ValidateName(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid staff id"})
		return "", artifact.ListOptions{}, false
	}

	var opts artifact.ListOptions
	if date := c.Query("date"); date != "" {
		if !datePattern.MatchString(date) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYYMMDD"})
			return "", artifact.ListOptions{}, false
		}
		opts.Date = date
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return "", artifact.ListOptions{}, false
		}
		opts.Limit = n
	}
	return id, opts, true
}

func (h *MonitorHandler) ServeScreenshot(c *gin.Context) {
	h.serveArtifact(c, artifact.KindImage)
}

func (h *MonitorHandler) ServeVideo(c *gin.Context) {
	h.serveArtifact(c, artifact.KindVideo)
}

func (h *MonitorHandler) serveArtifact(c *gin.Context, kind artifact.Kind) {
	id, file := c.Param("id"), c.Param("file")
	ref, err := h.Store.Resolve(id, kind, file)
	if err != nil {
		if errors.Is(err, artifact.ErrInvalidName) {
			c.String(http.StatusBadRequest, "Bad Request")
			return
		}
		c.String(http.StatusNotFound, "Not Found")
		return
	}
	data, err := h.Store.Get(ref)
	switch {
	case errors.Is(err, artifact.ErrNotFound):
		c.String(http.StatusNotFound, "Not Found")
		return
	case err != nil:
		h.Log.Error().Err(err).Str("subject", id).Str("file", file).Msg("read artifact")
		c.String(http.StatusInternalServerError, "Internal Server Error")
		return
	}

	c.Data(http.StatusOK, contentType(file), data)
}

// Video types are missing from some systems' mime tables.
var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
}

func contentType(file string) string {
	ext := strings.ToLower(filepath.Ext(file))
	if t, ok := videoTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

func (h *MonitorHandler) GetDashboardStats(c *gin.Context) {
	var resp models.StatsResponse
	if h.Catalog != nil {
		s, err := h.Catalog.Stats(c.Request.Context())
		if err != nil {
			h.Log.Error().Err(err).Msg("catalog stats")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load stats"})
			return
		}
		resp.TotalUsers = s.TotalSubjects
		resp.TotalScreenshots = s.TotalScreenshots
		resp.TotalVideos = s.TotalVideos
	} else if err := h.countStore(&resp); err != nil {
		h.Log.Error().Err(err).Msg("store stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load stats"})
		return
	}
	resp.ActiveUsers = int64(h.Registry.CountActive())

	c.JSON(http.StatusOK, resp)
}

func (h *MonitorHandler) countStore(resp *models.StatsResponse) error {
	subjects, err := h.Store.Subjects()
	if err != nil {
		return err
	}
	resp.TotalUsers = int64(len(subjects))
	for _, id := range subjects {
		images, err := h.Store.List(id, artifact.KindImage, artifact.ListOptions{})
		if err != nil {
			return err
		}
		videos, err := h.Store.List(id, artifact.KindVideo, artifact.ListOptions{})
		if err != nil {
			return err
		}
		resp.TotalScreenshots += int64(len(images))
		resp.TotalVideos += int64(len(videos))
	}
	return nil
}

func (h *MonitorHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// latestPath is the stable URL of a subject's latest.<ext> pointer.
func latestPath(ref artifact.Ref) string {
	return ref.Kind.URLPrefix() + "/" + ref.SubjectID + "/latest" + filepath.Ext(ref.Filename)
}

func capturedTimestamp(ref artifact.Ref) string {
	if t, ok := artifact.CapturedTime(ref.CapturedAt); ok {
		return t.Format(time.RFC3339)
	}
	return ref.CapturedAt
}
