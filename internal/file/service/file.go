package service

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/filevault-backend/internal/file/biz"
	"github.com/lk2023060901/filevault-backend/internal/pkg/auth"
	apperrors "github.com/lk2023060901/filevault-backend/internal/pkg/errors"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/lk2023060901/filevault-backend/internal/pkg/ratelimit"
	"github.com/lk2023060901/filevault-backend/internal/pkg/response"
	"go.uber.org/zap"
)

// FileService 文件 HTTP 接口
type FileService struct {
	uc      *biz.FileUseCase
	limiter ratelimit.Limiter
	jwt     *auth.JWTManager
	logger  *logger.Logger
}

// NewFileService 创建文件服务，jwt 为空时只接受 UserId header
func NewFileService(uc *biz.FileUseCase, limiter ratelimit.Limiter, jwt *auth.JWTManager, log *logger.Logger) *FileService {
	return &FileService{
		uc:      uc,
		limiter: limiter,
		jwt:     jwt,
		logger:  log.Named("file"),
	}
}

// RegisterRoutes 注册路由
func (s *FileService) RegisterRoutes(r *gin.RouterGroup) {
	files := r.Group("/files",
		Identity(s.jwt, true, s.logger),
		RateLimit(s.limiter, s.logger),
	)
	{
		files.POST("", s.Upload)
		files.GET("", s.List)
		files.GET("/storage_stats", s.StorageStats)
		files.GET("/file_types", s.FileTypes)
		files.GET("/:id", s.Get)
		files.DELETE("/:id", s.Delete)
		files.GET("/:id/download", s.Download)
	}

	r.GET("/rate_limit", Identity(s.jwt, false, s.logger), s.RateLimitInfo)
}

// Upload 上传文件（multipart 字段 file）
func (s *FileService) Upload(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		response.HandleError(c, apperrors.New(apperrors.ErrFileMissingUpload))
		return
	}

	file, err := header.Open()
	if err != nil {
		response.HandleError(c, apperrors.Wrap(err, apperrors.ErrFileStorageFailed, "failed to open upload"))
		return
	}
	defer file.Close()

	rec, err := s.uc.Upload(c.Request.Context(), GetUserID(c), header.Filename, header.Header.Get("Content-Type"), file)
	if err != nil {
		s.logError(c, "upload failed", err)
		response.HandleError(c, err)
		return
	}

	response.Created(c, toFileResponse(rec))
}

// List 列出当前用户的文件
func (s *FileService) List(c *gin.Context) {
	var req ListFilesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.HandleError(c, apperrors.New(apperrors.ErrInvalidParams, err.Error()))
		return
	}

	filter := req.toFilter()
	records, total, err := s.uc.List(c.Request.Context(), GetUserID(c), filter)
	if err != nil {
		s.logError(c, "list failed", err)
		response.HandleError(c, err)
		return
	}

	results := make([]FileResponse, len(records))
	for i, rec := range records {
		results[i] = toFileResponse(rec)
	}
	response.Success(c, ListFilesResponse{
		Count:    total,
		Page:     filter.Page,
		PageSize: filter.PageSize,
		Results:  results,
	})
}

// Get 文件详情
func (s *FileService) Get(c *gin.Context) {
	rec, err := s.uc.Get(c.Request.Context(), c.Param("id"), GetUserID(c))
	if err != nil {
		response.HandleError(c, err)
		return
	}
	response.Success(c, toFileResponse(rec))
}

// Delete 删除文件
func (s *FileService) Delete(c *gin.Context) {
	id := c.Param("id")
	freed, err := s.uc.Delete(c.Request.Context(), id, GetUserID(c))
	if err != nil {
		s.logError(c, "delete failed", err)
		response.HandleError(c, err)
		return
	}
	response.Success(c, DeleteFileResponse{ID: id, FreedBytes: freed})
}

// Download 下载文件内容
func (s *FileService) Download(c *gin.Context) {
	rec, body, err := s.uc.Download(c.Request.Context(), c.Param("id"), GetUserID(c))
	if err != nil {
		s.logError(c, "download failed", err)
		response.HandleError(c, err)
		return
	}
	defer body.Close()

	c.DataFromReader(http.StatusOK, rec.LogicalSize, rec.ContentType, body, map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename*=UTF-8''%s", url.PathEscape(rec.OriginalFilename)),
	})
}

// StorageStats 存储统计
func (s *FileService) StorageStats(c *gin.Context) {
	usage, err := s.uc.GetUsage(c.Request.Context(), GetUserID(c))
	if err != nil {
		s.logError(c, "storage stats failed", err)
		response.HandleError(c, err)
		return
	}
	response.Success(c, toStorageStats(usage))
}

// FileTypes 当前用户的 MIME 类型列表
func (s *FileService) FileTypes(c *gin.Context) {
	types, err := s.uc.FileTypes(c.Request.Context(), GetUserID(c))
	if err != nil {
		response.HandleError(c, err)
		return
	}
	if types == nil {
		types = []string{}
	}
	response.Success(c, types)
}

// RateLimitInfo 查看当前窗口，不占用调用次数
func (s *FileService) RateLimitInfo(c *gin.Context) {
	decision, err := s.limiter.Info(c.Request.Context(), rateIdentity(c))
	if err != nil {
		response.HandleError(c, apperrors.Wrap(err, apperrors.ErrServiceUnavail, "rate limiter unavailable"))
		return
	}
	response.Success(c, toRateLimitInfo(decision))
}

func (s *FileService) logError(c *gin.Context, msg string, err error) {
	code := apperrors.ExtractCode(err)
	log := s.logger.WithContext(c.Request.Context())
	switch {
	case apperrors.IsServerError(code):
		log.Error(msg, zap.Error(err), zap.Int("code", code))
	case apperrors.IsAdmissionRejection(code):
		log.Info("request not admitted", zap.Int("code", code), zap.String("details", apperrors.GetDetails(err)))
	}
}
