// Package progressserver is a reference implementation of the remote side:
// the authoritative progress store and a document source resolver over a
// local directory.
package progressserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/mmcdole/shelvd/internal/domain"
	"github.com/mmcdole/shelvd/internal/metrics"
)

// Store persists reading positions
type Store interface {
	Get(ctx context.Context, documentID int64) (*domain.ReadingPosition, error)
	Put(ctx context.Context, pos domain.ReadingPosition) error
}

// Config configures the server
type Config struct {
	Token        string   // Required bearer token; empty accepts any request
	AllowOrigins []string // Empty allows all origins
	// TrustedProxies lists the addresses or CIDRs whose X-Forwarded-Proto
	// is honored. Empty trusts no forwarding headers.
	TrustedProxies []string
}

// Server serves /progress and, with a library, /books and /files
type Server struct {
	store   Store
	library *Library
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	proxies []netip.Prefix
}

// Option configures a Server.
type Option func(*Server)

// WithLibrary serves documents from lib.
func WithLibrary(lib *Library) Option {
	return func(s *Server) {
		s.library = lib
	}
}

// WithNow replaces the clock used for updatedAt.
func WithNow(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// New creates a server over store
func New(store Store, cfg Config, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{store: store, cfg: cfg, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.proxies = parseProxies(cfg.TrustedProxies, logger)
	return s
}

func parseProxies(entries []string, logger *slog.Logger) []netip.Prefix {
	var out []netip.Prefix
	for _, e := range entries {
		if prefix, err := netip.ParsePrefix(e); err == nil {
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			logger.Warn("ignoring invalid trusted proxy", "entry", e)
			continue
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out
}

func (s *Server) trustedProxy(remoteIP string) bool {
	addr, err := netip.ParseAddr(remoteIP)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Handler returns the HTTP router
func (s *Server) Handler() http.Handler {
	r := gin.New()
	trusted := make([]string, len(s.proxies))
	for i, p := range s.proxies {
		trusted[i] = p.String()
	}
	if err := r.SetTrustedProxies(trusted); err != nil {
		s.logger.Warn("failed to set trusted proxies", "error", err)
	}
	r.Use(gin.Recovery(), s.requestLog(), errorHandler(s.logger))

	corsConfig := cors.Config{
		AllowMethods:  []string{"GET", "PATCH", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(s.cfg.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = s.cfg.AllowOrigins
	}
	r.Use(cors.New(corsConfig))

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	api := r.Group("/", s.auth())
	api.GET("/progress/:id", s.getProgress)
	api.PATCH("/progress/:id", s.updateProgress)
	if s.library != nil {
		api.GET("/books/:id", s.getBook)
		// Signed URLs carry their own authorization
		r.GET("/files/:name", s.getFile)
	}
	return r
}

// requestLog logs every request and counts it by method and status
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		metrics.ProgressRequests.WithLabelValues(c.Request.Method, strconv.Itoa(status)).Inc()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"client", c.ClientIP(),
			"elapsed", time.Since(start),
		)
	}
}

func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Token == "" {
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
			_ = c.Error(domain.ErrAuthFailed)
			c.Abort()
		}
	}
}

// UpdateRequest is the body of PATCH /progress/{id}
type UpdateRequest struct {
	PositionIndex  *int   `json:"positionIndex" binding:"required,min=0"`
	TotalPositions int    `json:"totalPositions" binding:"min=0"`
	NativeToken    string `json:"nativeToken" binding:"max=4096"`
}

func documentID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest(errors.New("document id must be a positive integer"))
	}
	return id, nil
}

func (s *Server) getProgress(c *gin.Context) {
	id, err := documentID(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	pos, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (s *Server) updateProgress(c *gin.Context) {
	id, err := documentID(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(badRequest(err))
		return
	}
	if req.TotalPositions > 0 && *req.PositionIndex >= req.TotalPositions {
		_ = c.Error(unprocessable("positionIndex must be below totalPositions"))
		return
	}

	pos := domain.ReadingPosition{
		DocumentID:     id,
		PositionIndex:  *req.PositionIndex,
		TotalPositions: req.TotalPositions,
		NativeToken:    req.NativeToken,
		UpdatedAt:      s.now().UTC(),
	}
	pos.IsComplete = pos.Complete()

	if err := s.store.Put(c.Request.Context(), pos); err != nil {
		_ = c.Error(err)
		return
	}
	s.logger.Info("saved position", "documentID", id, "index", pos.PositionIndex, "total", pos.TotalPositions)
	c.JSON(http.StatusOK, pos)
}

func (s *Server) getBook(c *gin.Context) {
	id, err := documentID(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	entry, err := s.library.lookup(id)
	if err != nil {
		_ = c.Error(err)
		return
	}

	base := s.baseURL(c)
	doc := entry.doc
	doc.BookURL = base + s.library.sign(entry.file)
	if entry.cover != "" {
		doc.CoverURL = base + s.library.sign(entry.cover)
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) getFile(c *gin.Context) {
	name := c.Param("name")
	if !s.library.verify(name, c.Query("expires"), c.Query("sig")) {
		_ = c.Error(&apiError{Status: http.StatusForbidden, Message: "signature invalid or expired"})
		return
	}
	path, ok := s.library.path(name)
	if !ok {
		_ = c.Error(domain.ErrNotFound)
		return
	}
	c.File(path)
}

// baseURL is the scheme and host the client reached us on. X-Forwarded-Proto
// counts only from a trusted proxy.
func (s *Server) baseURL(c *gin.Context) string {
	r := c.Request
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if s.trustedProxy(c.RemoteIP()) {
		switch fwd := strings.ToLower(r.Header.Get("X-Forwarded-Proto")); fwd {
		case "http", "https":
			scheme = fwd
		}
	}
	return scheme + "://" + r.Host
}
