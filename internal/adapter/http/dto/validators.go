package dto

import (
	"regexp"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// MaxSessionIDLength bounds session identifiers accepted at the edge.
const MaxSessionIDLength = 64

var safeStringRe = regexp.MustCompile(`^[a-zA-Z0-9_\-\.]+$`)

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("safe_id", validateSafeID)
	}
}

// validateSafeID allows alphanumeric, underscore, dash, and dot.
func validateSafeID(fl validator.FieldLevel) bool {
	return IsSafeID(fl.Field().String())
}

// IsSafeID reports whether s uses only the identifier charset.
func IsSafeID(s string) bool {
	return safeStringRe.MatchString(s)
}

// ValidSessionID reports whether s can name a session in a URL path.
func ValidSessionID(s string) bool {
	return len(s) <= MaxSessionIDLength && IsSafeID(s)
}
