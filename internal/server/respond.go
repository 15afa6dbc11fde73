package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/suspectuso/ton-trivia/internal/trivia"
)

var validate = newValidator()

// newValidator reports fields by their json names
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

var statusByKind = map[trivia.Kind]int{
	trivia.KindInvalidInput:        http.StatusBadRequest,
	trivia.KindUnauthorized:        http.StatusUnauthorized,
	trivia.KindForbidden:           http.StatusForbidden,
	trivia.KindNotFound:            http.StatusNotFound,
	trivia.KindAlreadyExists:       http.StatusConflict,
	trivia.KindAlreadyClosed:       http.StatusConflict,
	trivia.KindExpired:             http.StatusGone,
	trivia.KindTooEarly:            http.StatusTooEarly,
	trivia.KindRateLimited:         http.StatusTooManyRequests,
	trivia.KindInternal:            http.StatusInternalServerError,
	trivia.KindNotImplemented:      http.StatusNotImplemented,
	trivia.KindPayoutFailed:        http.StatusBadGateway,
	trivia.KindUpstreamUnavailable: http.StatusServiceUnavailable,
}

func statusFor(kind trivia.Kind) int {
	if code, ok := statusByKind[kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// writeError answers with the stable kind only; detail stays in the logs
func writeError(w http.ResponseWriter, err error) {
	kind := trivia.KindOf(err)
	writeJSON(w, statusFor(kind), errorResponse{Error: string(kind)})
}

// decode reads a JSON body into dst and validates it. An empty body is
// accepted when allowEmpty is set.
func decode(r *http.Request, dst any, allowEmpty bool) (map[string]string, error) {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			return nil, fmt.Errorf("decode body: %w", err)
		}
	}

	if err := validate.Struct(dst); err != nil {
		return validationFields(err), err
	}
	return nil, nil
}

func validationFields(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}

	fields := make(map[string]string, len(verrs))
	for _, e := range verrs {
		name := e.Field()
		switch e.Tag() {
		case "required":
			fields[name] = "required"
		case "max", "lte":
			fields[name] = "must be at most " + e.Param()
		case "min", "gte":
			fields[name] = "must be at least " + e.Param()
		default:
			fields[name] = "invalid"
		}
	}
	return fields
}
