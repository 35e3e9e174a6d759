package api

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/osiriscare/agent-deployer/internal/deployerr"
)

type badRequest struct{ err error }

func (b badRequest) Error() string { return b.err.Error() }
func (b badRequest) Unwrap() error { return b.err }

func logRequests(gc *gin.Context) {
	start := time.Now()
	gc.Next()
	if gc.FullPath() == "/events" {
		return
	}
	log.Printf("[api] %s %s %d %s", gc.Request.Method, gc.Request.URL.Path, gc.Writer.Status(), time.Since(start).Round(time.Millisecond))
}

// errorHandler renders the last handler error as JSON.
func errorHandler(gc *gin.Context) {
	gc.Next()
	if len(gc.Errors) == 0 {
		return
	}
	err := gc.Errors.Last().Err

	var br badRequest
	if errors.As(err, &br) {
		gc.JSON(http.StatusBadRequest, gin.H{"error": br.Error()})
		return
	}

	var de *deployerr.Error
	if !errors.As(err, &de) {
		gc.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	gc.JSON(statusFor(de.Kind), gin.H{"error": de})
}

func statusFor(k deployerr.Kind) int {
	switch k {
	case deployerr.Busy:
		return http.StatusConflict
	case deployerr.InvalidConfig:
		return http.StatusBadRequest
	case deployerr.Cancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
