package api

import (
	"context"
	"embed"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/adamscao/nodetrust/internal/api/handlers"
	"github.com/adamscao/nodetrust/internal/api/middleware"
	"github.com/adamscao/nodetrust/internal/auth"
	"github.com/adamscao/nodetrust/internal/certs"
	"github.com/adamscao/nodetrust/internal/csr"
	"github.com/adamscao/nodetrust/internal/metrics"
	"github.com/adamscao/nodetrust/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

//go:embed templates/*.html
var templateFS embed.FS

const shutdownTimeout = 10 * time.Second

// Deps are the collaborators the HTTP adapters translate requests onto
type Deps struct {
	Store   *certs.Store
	CSR     *csr.Manager
	Users   *users.Store
	Tokens  *auth.TokenManager
	Auditor csr.Auditor
	Metrics *metrics.Recorder
	Logger  *zap.Logger
	Debug   bool
	// TrustedProxies are the proxies allowed to set X-Forwarded-For
	TrustedProxies []string
}

// Server represents the HTTP server
type Server struct {
	router *gin.Engine
	logger *zap.Logger
}

// NewServer creates a new API server
func NewServer(deps Deps) (*Server, error) {
	if deps.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	router := gin.New()
	// Client addresses end up in CSR records and audit rows; only listed
	// proxies may override the peer address
	if err := router.SetTrustedProxies(deps.TrustedProxies); err != nil {
		return nil, errors.Wrap(err, "invalid trusted proxies")
	}
	router.SetHTMLTemplate(template.Must(template.ParseFS(templateFS, "templates/*.html")))

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(deps.Logger))

	// Create handlers
	caHandler := handlers.NewCAHandler(deps.Store)
	csrHandler := handlers.NewCSRHandler(deps.CSR, deps.Logger)
	authHandler := handlers.NewAuthHandler(deps.Tokens, deps.Auditor, deps.Metrics, deps.Logger)
	adminHandler := handlers.NewAdminHandler(deps.Users, deps.CSR, deps.Tokens, deps.Auditor, deps.Logger)

	requireAdmin := middleware.RequireGroup(deps.Tokens, handlers.AdminGroup)

	router.GET("/ca/certificate", caHandler.GetCACertificate)
	router.POST("/csr/request_new", csrHandler.RequestNew)
	router.Any("/authenticate", authHandler.Authenticate)

	admin := router.Group("/admin")
	{
		admin.GET("/setpassword", adminHandler.SetPasswordPage)
		admin.POST("/setpassword", adminHandler.SetPassword)
		admin.GET("/login.html", adminHandler.LoginPage)

		// Admin API (requires an access token of the admin group)
		adminAPI := admin.Group("/api")
		adminAPI.Use(requireAdmin)
		{
			adminAPI.GET("/csrs", adminHandler.ListCSRs)
			adminAPI.GET("/csrs/:identity", adminHandler.GetCSR)
			adminAPI.POST("/csrs/:identity/approve", adminHandler.ApproveCSR)
			adminAPI.POST("/csrs/:identity/deny", adminHandler.DenyCSR)
			adminAPI.DELETE("/csrs/:identity", adminHandler.DeleteCSR)
			adminAPI.GET("/csr/auto_allow", adminHandler.GetAutoAllow)
			adminAPI.PUT("/csr/auto_allow", adminHandler.SetAutoAllow)
			adminAPI.GET("/users", adminHandler.ListUsers)
			adminAPI.POST("/auth/revoke_all", adminHandler.RevokeAllTokens)
		}
	}

	// unknown admin API paths must not reveal anything to anonymous callers
	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/admin/api/") {
			requireAdmin(c)
			if c.IsAborted() {
				return
			}
			adminHandler.NotFound(c)
			return
		}
		c.JSON(http.StatusNotFound, handlers.ErrorResponse{Error: "not_found", Message: "not found"})
	})

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
		})
	})

	return &Server{
		router: router,
		logger: deps.Logger,
	}, nil
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Router returns the underlying Gin router
func (s *Server) Router() *gin.Engine {
	return s.router
}
