package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	apperrors "github.com/lk2023060901/filevault-backend/internal/pkg/errors"
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`              // 业务错误码（0表示成功）
	Message string      `json:"message,omitempty"` // 提示信息
	Data    interface{} `json:"data"`              // 实际数据（可能为空对象 {}）
}

// Success 成功响应（200）
func Success(c *gin.Context, data interface{}) {
	if data == nil {
		data = struct{}{}
	}
	c.JSON(http.StatusOK, Response{
		Code: apperrors.Success,
		Data: data,
	})
}

// Created 创建资源成功（201）
func Created(c *gin.Context, data interface{}) {
	if data == nil {
		data = struct{}{}
	}
	c.JSON(http.StatusCreated, Response{
		Code: apperrors.Success,
		Data: data,
	})
}

// HandleError 统一错误处理（使用AppError）
func HandleError(c *gin.Context, err error) {
	HandleErrorWithData(c, err, nil)
}

// HandleErrorWithData 统一错误处理，并附带额外数据（例如限流信息）
func HandleErrorWithData(c *gin.Context, err error, data interface{}) {
	if err == nil {
		return
	}
	if data == nil {
		data = struct{}{}
	}

	code := apperrors.ExtractCode(err)
	httpStatus := apperrors.GetHTTPStatus(code)
	details := apperrors.GetDetails(err)
	if !apperrors.IsClientError(code) {
		// 服务端错误只返回显式设置的 details，不暴露底层错误
		details = ""
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			details = appErr.Details
		}
	}
	message := apperrors.FormatError(code, details)

	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
		Data:    data,
	})
}

// AbortWithError 中间件中使用：写出错误并终止后续处理
func AbortWithError(c *gin.Context, err error, data interface{}) {
	HandleErrorWithData(c, err, data)
	c.Abort()
}
