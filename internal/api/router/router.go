package router

import (
	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/certgen/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware(deps.AllowedOrigins))

	h := handler.NewHandler(deps)
	authRequired := AuthMiddleware(deps.Auth, deps.AuthCookie, deps.Logger)

	r.GET("/health", h.Health)

	if deps.ArtifactsDir != "" {
		r.Static("/artifacts", deps.ArtifactsDir)
	}

	uploads := r.Group("/uploads", authRequired)
	{
		// POST /uploads/upload-csv - Start a job and stream dispatch progress
		uploads.POST("/upload-csv", h.UploadCSV)

		// POST /uploads/upload-image - Store an image
		uploads.POST("/upload-image", h.UploadImage)

		// GET /uploads/upload-jobs - List the caller's jobs
		uploads.GET("/upload-jobs", h.ListUploadJobs)

		// GET /uploads/upload-jobs/:job_id - Job status and counters
		uploads.GET("/upload-jobs/:job_id", h.GetUploadJob)
	}

	templates := r.Group("/templates", authRequired)
	{
		templates.POST("/create-template", h.CreateTemplate)
		templates.GET("/my-templates", h.MyTemplates)
		templates.GET("/:template_id", h.GetTemplate)
	}

	certificates := r.Group("/certificates")
	{
		// GET /certificates/job/:job_id - Row outcomes of a job
		certificates.GET("/job/:job_id", authRequired, h.ListJobCertificates)

		// GET /certificates/slug/:slug - Public verification lookup
		certificates.GET("/slug/:slug", h.GetCertificateBySlug)
	}

	return r
}
