package service

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lk2023060901/filevault-backend/internal/pkg/auth"
	apperrors "github.com/lk2023060901/filevault-backend/internal/pkg/errors"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/lk2023060901/filevault-backend/internal/pkg/ratelimit"
	"github.com/lk2023060901/filevault-backend/internal/pkg/response"
	"github.com/lk2023060901/filevault-backend/internal/pkg/validator"
)

const (
	// UserIDHeader 调用方身份
	UserIDHeader = "UserId"

	ctxUserID = "user_id"
)

// Identity resolves the caller from the UserId header or a Bearer token.
// When both are present they must name the same user. With required set,
// an anonymous request is rejected with 400.
func Identity(jwt *auth.JWTManager, required bool, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		headerID := strings.TrimSpace(c.GetHeader(UserIDHeader))

		var tokenID string
		if authHeader := c.GetHeader("Authorization"); authHeader != "" && jwt != nil {
			token, err := auth.ExtractTokenFromHeader(authHeader)
			if err != nil {
				response.AbortWithError(c, apperrors.New(apperrors.ErrUnauthorized, err.Error()), nil)
				return
			}
			claims, err := jwt.VerifyToken(token)
			if err != nil {
				log.Warn("invalid access token", zap.Error(err), zap.String("ip", c.ClientIP()))
				response.AbortWithError(c, apperrors.New(apperrors.ErrUnauthorized, "invalid or expired token"), nil)
				return
			}
			tokenID = claims.UserID
		}

		userID := headerID
		switch {
		case tokenID != "" && headerID != "" && tokenID != headerID:
			response.AbortWithError(c, apperrors.New(apperrors.ErrFileForbidden, "UserId header does not match token"), nil)
			return
		case tokenID != "":
			userID = tokenID
		}

		if err := validator.UserID(userID); err != nil {
			response.AbortWithError(c, apperrors.New(apperrors.ErrInvalidParams, err.Error()), nil)
			return
		}
		if userID == "" {
			if required {
				response.AbortWithError(c, apperrors.New(apperrors.ErrFileMissingIdentity), nil)
				return
			}
			c.Next()
			return
		}

		c.Set(ctxUserID, userID)
		c.Request = c.Request.WithContext(logger.WithUserID(c.Request.Context(), userID))
		c.Next()
	}
}

// GetUserID 从上下文获取用户 ID
func GetUserID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

// rateIdentity 已认证用户按用户 ID，否则按 IP
func rateIdentity(c *gin.Context) string {
	if id := GetUserID(c); id != "" {
		return "user:" + id
	}
	return "ip:" + validator.IPOrDefault(c.ClientIP(), "unknown")
}

// RateLimitInfo 与限流拒绝一起返回
type RateLimitInfo struct {
	RemainingCalls int   `json:"remaining_calls"`
	ResetTime      int64 `json:"reset_time"` // unix 秒，无记录时为 0
	Limit          int   `json:"limit"`
	Window         int   `json:"window"` // 秒
}

func toRateLimitInfo(d ratelimit.Decision) RateLimitInfo {
	info := RateLimitInfo{
		RemainingCalls: d.Remaining,
		Limit:          d.Limit,
		Window:         int(d.Window.Seconds()),
	}
	if !d.ResetAt.IsZero() {
		info.ResetTime = d.ResetAt.Unix()
	}
	return info
}

// RateLimit 滑动窗口限流中间件，需放在 Identity 之后
func RateLimit(limiter ratelimit.Limiter, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		identity := rateIdentity(c)

		decision, err := limiter.Allow(ctx, identity)
		if err != nil {
			// 限流器故障时降级放行
			log.WithContext(ctx).Error("rate limiter error", zap.Error(err), zap.String("identity", identity))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

		if !decision.Allowed {
			log.WithContext(ctx).Info("rate limit exceeded", zap.String("identity", identity))
			response.AbortWithError(c, apperrors.New(apperrors.ErrFileRateLimited), gin.H{
				"request_id":      logger.GetRequestID(ctx),
				"rate_limit_info": toRateLimitInfo(decision),
			})
			return
		}
		c.Next()
	}
}
