package api

import (
	"context"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/chanspect/chanspect/pkg/llm"
	"github.com/chanspect/chanspect/pkg/models"
)

// listExpertsHandler handles GET /api/v1/experts.
func (s *Server) listExpertsHandler(c *echo.Context) error {
	experts, err := s.store.ListExperts(c.Request().Context())
	if err != nil {
		return mapStoreError(err)
	}
	if experts == nil {
		experts = []models.ExpertWithStats{}
	}
	return c.JSON(http.StatusOK, experts)
}

// getPostHandler handles GET /api/v1/posts/:post_id. The expert_id query
// parameter is mandatory; a post from another expert's corpus is a 404.
// With translate=true and an English query, the post is rendered in English
// through the LLM gateway.
func (s *Server) getPostHandler(c *echo.Context) error {
	postID, err := strconv.ParseInt(c.Param("post_id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid post_id")
	}
	expertID := c.QueryParam("expert_id")
	if expertID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "expert_id is required")
	}

	post, err := s.store.PostWithComments(c.Request().Context(), postID, expertID)
	if err != nil {
		return mapStoreError(err)
	}

	translate := c.QueryParam("translate") == "true"
	query := c.QueryParam("query")
	if translate && s.llmClient != nil && llm.DetectLanguage(query) == models.LanguageEnglish {
		if translated, err := s.translatePost(c.Request().Context(), post); err != nil {
			s.logger.Warn("Post translation failed", "post_id", postID, "error", err)
		} else {
			post.Translated = translated
		}
	}

	return c.JSON(http.StatusOK, post)
}

func (s *Server) translatePost(ctx context.Context, post *models.PostWithComments) (string, error) {
	res, err := s.llmClient.Complete(ctx, s.cfg.Models.Analysis,
		"Translate the following Telegram post to English. Preserve markdown formatting "+
			"and keep technical terms accurate. Output only the translation.",
		post.MessageText,
		llm.Options{Temperature: 0.2})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}
