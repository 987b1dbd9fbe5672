package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/example/driver-dispatch/internal/apperr"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" {
			return f.Name
		}
		return tag
	})
	return v
}

// decodeJSON decodes and validates a request body. An empty body is allowed
// when allowEmpty is set and leaves dest untouched.
func decodeJSON(r *http.Request, dest any, allowEmpty bool) error {
	defer func() { _, _ = io.Copy(io.Discard, r.Body) }()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			return apperr.Wrap(apperr.CodeValidation, err, "invalid request body")
		}
	}
	if err := validate.Struct(dest); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Wrap(apperr.CodeValidation, err, "validation failed")
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s %s", fe.Field(), validationMessage(fe)))
	}
	return apperr.New(apperr.CodeValidation, "validation failed: "+strings.Join(parts, "; "))
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "latitude", "longitude":
		return "must be a valid " + fe.Tag()
	}
	return "is invalid"
}

type errorBody struct {
	Code      apperr.Code `json:"code"`
	Message   string      `json:"message"`
	RequestID string      `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	typed := apperr.As(err)
	if typed == nil {
		typed = apperr.Wrap(apperr.CodeInternal, err, "unexpected error")
	}
	meta := apperr.MetadataFor(typed.Code())
	if !meta.Expected {
		s.logger.ErrorContext(r.Context(), "request failed", "code", typed.Code(), "error", err)
	}
	msg := typed.Message()
	if typed.Code() == apperr.CodeInternal || typed.Code() == apperr.CodeStoreUnavailable {
		msg = http.StatusText(meta.HTTPStatus)
	}
	writeJSON(w, meta.HTTPStatus, map[string]errorBody{"error": {
		Code:      typed.Code(),
		Message:   msg,
		RequestID: requestIDFromContext(r.Context()),
	}})
}
