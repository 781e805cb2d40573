package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"fiscalsync/internal/auth"
	"fiscalsync/internal/storage"
	"fiscalsync/internal/task"
)

// Credentials is the part of the session manager the API edits.
type Credentials interface {
	SetCredentials(ctx context.Context, username, password string) error
	Username() string
	State() auth.State
}

type directoryRequest struct {
	Path string          `json:"path" binding:"required"`
	Kind storage.JobKind `json:"kind" binding:"required"`
}

type credentialsRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type credentialsResponse struct {
	Username string     `json:"username"`
	State    auth.State `json:"state"`
}

type API struct {
	jobs  *task.Manager
	repo  storage.Repository
	creds Credentials
	// events serves the control and progress socket.
	events http.Handler
}

const defaultRunsLimit = 50

func NewAPI(jobs *task.Manager, repo storage.Repository, creds Credentials, events http.Handler) *API {
	return &API{jobs: jobs, repo: repo, creds: creds, events: events}
}

// RegisterRoutes registers API routes on the provided gin engine. Jobs are
// started and stopped through the socket only.
func (a *API) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", a.Healthz)
	router.GET("/ws", gin.WrapH(a.events))
	api := router.Group("/api/v1")
	{
		api.GET("/jobs", a.ListJobs)
		api.GET("/directories", a.ListDirectories)
		api.POST("/directories", a.AddDirectory)
		api.DELETE("/directories", a.RemoveDirectory)
		api.GET("/settings", a.GetSettings)
		api.PUT("/settings", a.PutSettings)
		api.GET("/credentials", a.GetCredentials)
		api.PUT("/credentials", a.PutCredentials)
		api.GET("/files", a.ListFiles)
		api.GET("/runs", a.ListRuns)
	}
}

func (a *API) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "busy": a.jobs.IsBusy()})
}

// ListJobs returns the live state of every job kind.
func (a *API) ListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, a.jobs.Snapshots())
}

func (a *API) ListDirectories(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	dirs, err := a.repo.ListDirectories(c.Request.Context(), kind)
	if err != nil {
		internalError(c, "list directories failed", err)
		return
	}
	c.JSON(http.StatusOK, dirs)
}

// AddDirectory tracks an existing local directory as a discovery root.
func (a *API) AddDirectory(c *gin.Context) {
	var req directoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("invalid directory request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if !req.Kind.Valid() || req.Kind == storage.KindProvider {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown kind"})
		return
	}
	path, err := filepath.Abs(req.Path)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid path"})
		return
	}
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		log.Warn().Str("path", path).Msg("directory does not exist")
		c.JSON(http.StatusBadRequest, gin.H{"error": "directory does not exist"})
		return
	}
	dir := storage.Directory{Path: path, Kind: req.Kind, CreatedAt: time.Now().UTC()}
	if err := a.repo.SaveDirectory(c.Request.Context(), dir); err != nil {
		internalError(c, "save directory failed", err)
		return
	}
	log.Info().Str("path", path).Str("kind", string(req.Kind)).Msg("directory tracked")
	c.JSON(http.StatusCreated, dir)
}

func (a *API) RemoveDirectory(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}
	err := a.repo.DeleteDirectory(c.Request.Context(), path)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "directory not found"})
		return
	}
	if err != nil {
		internalError(c, "delete directory failed", err)
		return
	}
	log.Info().Str("path", path).Msg("directory untracked")
	c.Status(http.StatusNoContent)
}

func (a *API) GetSettings(c *gin.Context) {
	s, err := a.repo.Settings(c.Request.Context())
	if err != nil {
		internalError(c, "load settings failed", err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (a *API) PutSettings(c *gin.Context) {
	var s storage.Settings
	if err := c.ShouldBindJSON(&s); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := a.repo.SaveSettings(c.Request.Context(), s); err != nil {
		internalError(c, "save settings failed", err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (a *API) GetCredentials(c *gin.Context) {
	c.JSON(http.StatusOK, credentialsResponse{Username: a.creds.Username(), State: a.creds.State()})
}

// PutCredentials replaces the stored credentials; the password is never echoed.
func (a *API) PutCredentials(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}
	if err := a.creds.SetCredentials(c.Request.Context(), req.Username, req.Password); err != nil {
		internalError(c, "save credentials failed", err)
		return
	}
	log.Info().Str("user", req.Username).Msg("credentials updated")
	c.JSON(http.StatusOK, credentialsResponse{Username: req.Username, State: a.creds.State()})
}

func (a *API) ListFiles(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	includeSent, _ := strconv.ParseBool(c.DefaultQuery("include_sent", "false"))
	items, err := a.repo.ListItems(c.Request.Context(), storage.ItemFilter{Kind: kind, IncludeSent: includeSent})
	if err != nil {
		internalError(c, "list files failed", err)
		return
	}
	c.JSON(http.StatusOK, items)
}

// ListRuns returns execution history, newest first.
func (a *API) ListRuns(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	limit := defaultRunsLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	runs, err := a.repo.ListRuns(c.Request.Context(), kind, limit)
	if err != nil {
		internalError(c, "list runs failed", err)
		return
	}
	c.JSON(http.StatusOK, runs)
}

// kindParam reads the optional kind filter, answering 400 when it is unknown.
func kindParam(c *gin.Context) (storage.JobKind, bool) {
	kind := storage.JobKind(c.Query("kind"))
	if kind != "" && !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown kind"})
		return "", false
	}
	return kind, true
}

func internalError(c *gin.Context, msg string, err error) {
	log.Error().Err(err).Str("path", c.Request.URL.Path).Msg(msg)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
