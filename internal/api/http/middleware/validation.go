// Package middleware holds the HTTP-layer request plumbing: body size
// limits (adapted unchanged from the teacher's) and a go-playground/validator
// based struct validator replacing the teacher's kin-openapi/oapi-codegen
// schema validator, since this API has no OpenAPI document to validate
// against.
package middleware

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/rezkam/jobqueue/internal/api/http/response"
)

// Validate is a process-wide validator instance, mirroring the
// single-shared-instance idiom go-playground/validator recommends (it
// caches struct field metadata internally and is safe for concurrent
// use).
var Validate = validator.New(validator.WithRequiredStructEnabled())

// FieldErrors translates a validator.ValidationErrors into the
// response package's wire shape, one ErrorField per failed tag.
func FieldErrors(err error) []response.ErrorField {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []response.ErrorField{{Field: "body", Issue: err.Error()}}
	}
	out := make([]response.ErrorField, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, response.ErrorField{
			Field: fe.Namespace(),
			Issue: fmt.Sprintf("failed '%s' validation", fe.Tag()),
		})
	}
	return out
}
