package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/safar/go-sql-marketplace/internal/apperr"
	"github.com/safar/go-sql-marketplace/internal/database"
	"github.com/safar/go-sql-marketplace/internal/logger"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type dataEnvelope struct {
	Data any `json:"data"`
}

// detailedError attaches response details to an error without changing its kind.
type detailedError struct {
	err     error
	details any
}

func (e *detailedError) Error() string { return e.err.Error() }

func (e *detailedError) Unwrap() error { return e.err }

func withDetails(err error, details any) error {
	return &detailedError{err: err, details: details}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	defer func() {
		_, _ = io.Copy(io.Discard, r.Body)
	}()

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "invalid request body")
	}
	if err := validate.Struct(dest); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperr.Wrap(apperr.KindValidation, err, "validation failed")
	}

	details := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		details[fieldPath(fe)] = validationMessage(fe)
	}
	return withDetails(apperr.ErrValidation, details)
}

// fieldPath drops the root struct name: "shipping.city", not "checkoutRequest.shipping.city".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte", "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "lte", "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "email":
		return "must be a valid email"
	case "oneof":
		return fmt.Sprintf("must be one of %s", fe.Param())
	case "datetime":
		return fmt.Sprintf("must be a date formatted %s", fe.Param())
	}
	return "is invalid"
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, dataEnvelope{Data: data})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

// respondError maps err to its HTTP status and a JSON error envelope.
// Internal errors keep their message out of the response.
func respondError(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}

	if errors.Is(err, database.ErrOptimisticLockFailed) {
		writeJSON(w, http.StatusConflict, errorEnvelope{Error: errorBody{
			Code:    "VERSION_CONFLICT",
			Message: "the resource was modified concurrently; reload and retry",
		}})
		return
	}

	kind := apperr.KindOf(err)
	meta := apperr.MetadataFor(kind)

	body := errorBody{Code: string(kind), Message: meta.PublicMessage}
	if meta.ShowMessage {
		body.Message = publicMessage(err, meta.PublicMessage)
	}

	var detailed *detailedError
	if errors.As(err, &detailed) {
		body.Details = detailed.details
	}
	var stockErr *apperr.StockError
	if errors.As(err, &stockErr) {
		details := map[string]any{"product_id": stockErr.ProductID, "requested": stockErr.Requested}
		if stockErr.Available >= 0 {
			details["available"] = stockErr.Available
		}
		body.Details = details
	}

	if logg != nil {
		logCtx := logg.WithFields(ctx, map[string]any{
			"error_code": body.Code,
			"status":     meta.HTTPStatus,
		})
		if meta.HTTPStatus >= http.StatusInternalServerError {
			logg.Error(logCtx, "request failed", err)
		} else {
			logg.Warn(logg.WithField(logCtx, "error", err.Error()), "request rejected")
		}
	}

	writeJSON(w, meta.HTTPStatus, errorEnvelope{Error: body})
}

func publicMessage(err error, fallback string) string {
	var stockErr *apperr.StockError
	if errors.As(err, &stockErr) {
		return stockErr.Error()
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.Message() != "" {
		return appErr.Message()
	}
	return fallback
}
