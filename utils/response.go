package utils

import (
	"github.com/gin-gonic/gin"
)

// JSONResponse sends a structured JSON response. A nil data is left out of
// the envelope.
func JSONResponse(c *gin.Context, status int, data any, message string) {
	body := gin.H{
		"status":  status,
		"message": message,
	}
	if data != nil {
		body["data"] = data
	}
	c.JSON(status, body)
}

// JSONError sends a structured error response and stops the handler chain
func JSONError(c *gin.Context, status int, err error, message string) {
	detail := message
	if err != nil {
		detail = err.Error()
	}
	c.AbortWithStatusJSON(status, gin.H{
		"status":  status,
		"message": message,
		"error":   detail,
	})
}
