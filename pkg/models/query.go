package models

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// QueryRequest is the POST /api/v1/query body. Boolean pointers distinguish
// "absent" from "false" so defaults can be applied during validation.
type QueryRequest struct {
	Query                string   `json:"query" validate:"required,min=3,max=1000"`
	ExpertFilter         []string `json:"expert_filter,omitempty" validate:"omitempty,dive,min=1"`
	IncludeCommentGroups bool     `json:"include_comment_groups"`
	IncludeReddit        *bool    `json:"include_reddit,omitempty"`
	UseRecentOnly        bool     `json:"use_recent_only"`
	StreamProgress       *bool    `json:"stream_progress,omitempty"`
	MaxPosts             int      `json:"max_posts,omitempty" validate:"omitempty,min=1,max=1000"`
}

// Validate checks field constraints and applies defaults
// (include_reddit=true, stream_progress=true).
func (r *QueryRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			e := errs[0]
			return &ValidationError{Field: e.Field(), Message: fmt.Sprintf("failed on %q constraint", e.Tag())}
		}
		return err
	}
	if r.IncludeReddit == nil {
		v := true
		r.IncludeReddit = &v
	}
	if r.StreamProgress == nil {
		v := true
		r.StreamProgress = &v
	}
	return nil
}

// ValidationError is a user-facing input validation failure (maps to 4xx).
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}
