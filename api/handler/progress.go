package handler

import (
	"math"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/screener/engine"
)

// ProgressResponse is the response for GET /api/v1/progress.
type ProgressResponse struct {
	engine.Progress
	Percent float64 `json:"percent"`
}

// Progress returns a handler for GET /api/v1/progress.
func Progress(progress ProgressSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := progress.Progress()
		c.JSON(http.StatusOK, ProgressResponse{
			Progress: p,
			Percent:  math.Round(p.Percent()*10) / 10,
		})
	}
}
