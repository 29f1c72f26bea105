package errors

import (
	"fmt"
	"net/http"
)

// Code represents an error code with HTTP status and message
type Code struct {
	Code    int    // Business error code
	Status  int    // HTTP status code
	Message string // Error message
}

// Error codes for different modules
const (
	// Success
	Success = 0

	// Common errors (1000-1999)
	ErrInternalServer = 1000
	ErrInvalidParams  = 1001
	ErrUnauthorized   = 1003
	ErrServiceUnavail = 1008

	// File errors (6000-6999)
	ErrFileNotFound        = 6000
	ErrFileForbidden       = 6001
	ErrFileRateLimited     = 6002
	ErrFileQuotaExceeded   = 6003
	ErrFileStorageFailed   = 6004
	ErrFileTooLarge        = 6005
	ErrFileMissingIdentity = 6006
	ErrFileMissingUpload   = 6007
)

// codeMap maps error codes to their details
var codeMap = map[int]Code{
	Success: {Success, http.StatusOK, "Success"},

	// Common errors
	ErrInternalServer: {ErrInternalServer, http.StatusInternalServerError, "Internal server error"},
	ErrInvalidParams:  {ErrInvalidParams, http.StatusBadRequest, "Invalid parameters"},
	ErrUnauthorized:   {ErrUnauthorized, http.StatusUnauthorized, "Unauthorized"},
	ErrServiceUnavail: {ErrServiceUnavail, http.StatusServiceUnavailable, "Service unavailable"},

	// File errors. 配额超限与限流同属准入拒绝，统一返回 429
	ErrFileNotFound:        {ErrFileNotFound, http.StatusNotFound, "File not found"},
	ErrFileForbidden:       {ErrFileForbidden, http.StatusForbidden, "Access to file denied"},
	ErrFileRateLimited:     {ErrFileRateLimited, http.StatusTooManyRequests, "Call Limit Reached"},
	ErrFileQuotaExceeded:   {ErrFileQuotaExceeded, http.StatusTooManyRequests, "Storage Quota Exceeded"},
	ErrFileStorageFailed:   {ErrFileStorageFailed, http.StatusInternalServerError, "Storage operation failed"},
	ErrFileTooLarge:        {ErrFileTooLarge, http.StatusRequestEntityTooLarge, "File size exceeds limit"},
	ErrFileMissingIdentity: {ErrFileMissingIdentity, http.StatusBadRequest, "UserId header is required"},
	ErrFileMissingUpload:   {ErrFileMissingUpload, http.StatusBadRequest, "No file provided"},
}

// GetCode returns the Code for a given error code
func GetCode(code int) Code {
	if c, ok := codeMap[code]; ok {
		return c
	}
	return codeMap[ErrInternalServer]
}

// GetHTTPStatus returns HTTP status for a given error code
func GetHTTPStatus(code int) int {
	return GetCode(code).Status
}

// GetMessage returns the message for a given error code
func GetMessage(code int) string {
	return GetCode(code).Message
}

// IsClientError checks if the code represents a client error (4xx)
func IsClientError(code int) bool {
	status := GetHTTPStatus(code)
	return status >= 400 && status < 500
}

// IsServerError checks if the code represents a server error (5xx)
func IsServerError(code int) bool {
	return GetHTTPStatus(code) >= 500
}

// IsAdmissionRejection reports whether the code is a rate or quota rejection.
func IsAdmissionRejection(code int) bool {
	return code == ErrFileRateLimited || code == ErrFileQuotaExceeded
}

// FormatError formats an error message with code
func FormatError(code int, details ...string) string {
	msg := GetMessage(code)
	if len(details) > 0 && details[0] != "" {
		return fmt.Sprintf("%s: %s", msg, details[0])
	}
	return msg
}
