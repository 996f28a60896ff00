package api

import (
	"errors"
	"net/http"

	"marketwire/storage"

	"github.com/gin-gonic/gin"
)

// RegisterArticleRoutes registers article-related routes.
func RegisterArticleRoutes(r *gin.Engine, s *server) {
	r.GET("/api/articles/:id", s.handleGetArticle)
}

// handleGetArticle returns a stored article.
func (s *server) handleGetArticle(c *gin.Context) {
	a, err := s.store.GetArticle(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "article not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, a)
}
