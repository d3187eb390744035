package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aura-webinar/livesession/pkg/apperr"
)

// Body is the standard API response envelope. Code carries the error kind for classified failures.
type Body struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// OK sends a 200 JSON response with data.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Body{Success: true, Data: data})
}

// Created sends a 201 JSON response with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Body{Success: true, Data: data})
}

// NoContent sends 204.
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// BadRequest sends 400 with error message.
func BadRequest(c *gin.Context, err string) { fail(c, http.StatusBadRequest, err, apperr.KindValidation) }

// Unauthorized sends 401.
func Unauthorized(c *gin.Context, err string) { fail(c, http.StatusUnauthorized, err, "") }

// Forbidden sends 403.
func Forbidden(c *gin.Context, err string) { fail(c, http.StatusForbidden, err, apperr.KindForbidden) }

// NotFound sends 404.
func NotFound(c *gin.Context, err string) { fail(c, http.StatusNotFound, err, apperr.KindNotFound) }

// Conflict sends 409.
func Conflict(c *gin.Context, err string) { fail(c, http.StatusConflict, err, apperr.KindConflict) }

// ServiceUnavailable sends 503.
func ServiceUnavailable(c *gin.Context, err string) {
	fail(c, http.StatusServiceUnavailable, err, apperr.KindTransientStore)
}

// Internal sends 500.
func Internal(c *gin.Context, err string) {
	fail(c, http.StatusInternalServerError, err, apperr.KindInternal)
}

// Error maps a classified application error to its HTTP status.
func Error(c *gin.Context, err error) {
	msg := apperr.Message(err)
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		BadRequest(c, msg)
	case apperr.KindNotFound:
		NotFound(c, msg)
	case apperr.KindConflict:
		Conflict(c, msg)
	case apperr.KindForbidden:
		Forbidden(c, msg)
	case apperr.KindTransientStore:
		ServiceUnavailable(c, msg)
	default:
		Internal(c, msg)
	}
}

func fail(c *gin.Context, status int, msg string, kind apperr.Kind) {
	c.JSON(status, Body{Success: false, Error: msg, Code: string(kind)})
}
