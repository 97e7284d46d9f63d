package utils

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"presenca/internal/shared/errors"
)

// APIResponse represents a standard API response structure
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// ErrorInfo represents error information in API response
type ErrorInfo struct {
	Type    string      `json:"type"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// SuccessResponse sends a successful response with custom status code
func SuccessResponse(c *gin.Context, statusCode int, message string, data interface{}) {
	c.JSON(statusCode, APIResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}

// OKResponse sends a 200 response with data.
func OKResponse(c *gin.Context, data interface{}) {
	SuccessResponse(c, http.StatusOK, "", data)
}

// ErrorResponse sends an error response, mapping *AppError codes when present
// and falling back to 500 otherwise.
func ErrorResponse(c *gin.Context, err error) {
	if appErr, ok := errors.AsAppError(err); ok {
		c.JSON(appErr.Code, APIResponse{
			Success: false,
			Error: &ErrorInfo{
				Type:    string(appErr.Type),
				Message: appErr.Message,
				Details: appErr.Details,
			},
		})
		return
	}

	c.JSON(http.StatusInternalServerError, APIResponse{
		Success: false,
		Error: &ErrorInfo{
			Type:    string(errors.ErrorTypeInternal),
			Message: err.Error(),
		},
	})
}

// ErrorResponseWithStatus sends an error response with an explicit status and payload.
func ErrorResponseWithStatus(c *gin.Context, statusCode int, errType, message string, details interface{}) {
	c.JSON(statusCode, APIResponse{
		Success: false,
		Error: &ErrorInfo{
			Type:    errType,
			Message: message,
			Details: details,
		},
	})
}
