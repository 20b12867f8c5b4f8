package helpers

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SanitizeString strips newlines so user-supplied values cannot forge log
// lines.
func SanitizeString(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\n", ""), "\r", "")
}

func HandleInternalServerError(c *gin.Context, err error) {
	if c == nil {
		panic("HandleInternalServerError: c is nil")
	}
	if err == nil {
		err = errors.New("unknown error")
	}

	erx := SanitizeString(err.Error())
	zap.S().Errorw(
		"Internal server error",
		"error", erx,
	)

	c.JSON(
		http.StatusInternalServerError,
		gin.H{
			"error":       erx,
			"status":      http.StatusInternalServerError,
			"message":     "The server had an internal error.",
			"stack-trace": string(debug.Stack()),
		})
}

func HandleCollectionFailure(c *gin.Context, err error) {
	if c == nil {
		panic("HandleCollectionFailure: c is nil")
	}

	erx := SanitizeString(err.Error())
	zap.S().Errorw(
		"Collection failed",
		"error", erx,
	)

	c.JSON(
		http.StatusBadGateway,
		gin.H{
			"error":   erx,
			"status":  http.StatusBadGateway,
			"message": "Data collection for the requested device failed.",
		})
}

func HandleTypeNotFound(c *gin.Context, t any) {
	if c == nil {
		panic("HandleTypeNotFound: c is nil")
	}

	zap.S().Errorw(
		"Type not found",
		"type", t,
	)
	route := c.FullPath()

	c.JSON(
		http.StatusNotFound,
		gin.H{
			"error":       fmt.Sprintf("Type %s not found", t),
			"status":      http.StatusNotFound,
			"message":     fmt.Sprintf("The requested type %s was not found.", t),
			"stack-trace": string(debug.Stack()),
			"route":       route,
		})
}

func HandleInvalidInputError(c *gin.Context, err error) {
	if c == nil {
		panic("HandleInvalidInputError: c is nil")
	}
	if err == nil {
		err = errors.New("unknown error")
	}
	erx := SanitizeString(err.Error())
	zap.S().Errorw(
		"Invalid input error",
		"error", erx,
	)

	c.JSON(
		http.StatusBadRequest,
		gin.H{
			"error":       erx,
			"status":      http.StatusBadRequest,
			"message":     "You have provided a wrong input. Please check your parameters.",
			"stack-trace": string(debug.Stack()),
		})
}
