package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/textops-io/textops/internal/platform/apierr"
)

// ProblemDetails is the RFC 7807 error body returned by every non-2xx
// response.
type ProblemDetails struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func RespondProblem(c *gin.Context, status int, title, detail string) {
	c.JSON(status, ProblemDetails{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// RespondError maps an apierr.Error to its problem details; anything else
// becomes a 500 with the fallback detail.
func RespondError(c *gin.Context, err error, fallbackDetail string) {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		detail := ""
		if apiErr.Err != nil {
			detail = apiErr.Err.Error()
		}
		RespondProblem(c, apiErr.Status, apiErr.Code, detail)
		return
	}
	RespondProblem(c, http.StatusInternalServerError, "Internal error", fallbackDetail)
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
