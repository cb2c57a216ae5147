package shared

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// validate is shared by all request validation; validator.New is expensive
// enough to build once.
var validate = validator.New()

// DecodeJSON decodes the request body into v. Request bodies here are small
// JSON documents (payload references, not payloads), decoded in one pass.
func DecodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// ValidateRequest checks v against its validate tags. A type carrying its
// own Validate method takes precedence over the tags.
func ValidateRequest(v any) error {
	if custom, ok := v.(interface{ Validate() error }); ok {
		return custom.Validate()
	}
	return validate.Struct(v)
}
