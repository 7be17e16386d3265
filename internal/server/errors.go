package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	aggregationdomain "github.com/smallbiznis/costflow/internal/aggregation/domain"
	costrecorddomain "github.com/smallbiznis/costflow/internal/costrecord/domain"
	credentialdomain "github.com/smallbiznis/costflow/internal/credential/domain"
	exchangedomain "github.com/smallbiznis/costflow/internal/exchangerate/domain"
	hierarchydomain "github.com/smallbiznis/costflow/internal/hierarchy/domain"
	pipelinedomain "github.com/smallbiznis/costflow/internal/pipeline/domain"
	providerdomain "github.com/smallbiznis/costflow/internal/provider/domain"
	quotadomain "github.com/smallbiznis/costflow/internal/quota/domain"
	tenantdomain "github.com/smallbiznis/costflow/internal/tenant/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
	Quota   *quotaPayload     `json:"quota,omitempty"`
}

type quotaPayload struct {
	Reason  string `json:"reason"`
	Limit   int    `json:"limit"`
	Current int    `json:"current"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrMissingTenant      = errors.New("missing_tenant")
	ErrInternal           = errors.New("internal_error")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

// validationSentinels are domain errors reported as 400 with the sentinel text as code.
var validationSentinels = []error{
	ErrInvalidRequest,
	ErrMissingTenant,
	pipelinedomain.ErrInvalidTenant,
	pipelinedomain.ErrInvalidDomain,
	providerdomain.ErrInvalidDateRange,
	providerdomain.ErrUnknownProvider,
	providerdomain.ErrInvalidProvider,
	quotadomain.ErrInvalidTenant,
	quotadomain.ErrUnknownProvider,
	aggregationdomain.ErrInvalidTenant,
	aggregationdomain.ErrInvalidRange,
	costrecorddomain.ErrUnknownDimension,
	hierarchydomain.ErrInvalidEntityID,
	hierarchydomain.ErrInvalidName,
	hierarchydomain.ErrInvalidLevel,
	hierarchydomain.ErrInvalidTenant,
	hierarchydomain.ErrParentInactive,
	credentialdomain.ErrInvalidTenant,
	credentialdomain.ErrInvalidProvider,
	exchangedomain.ErrInvalidCurrency,
	exchangedomain.ErrInvalidRate,
	exchangedomain.ErrInvalidEffectiveDate,
	exchangedomain.ErrSameCurrency,
	tenantdomain.ErrInvalidTenant,
	tenantdomain.ErrInvalidTimezone,
	tenantdomain.ErrUnknownPlan,
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		if status == http.StatusTooManyRequests {
			c.Header("Retry-After", "60")
		}
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  fromFieldErrors(fieldErrs),
		}
	}

	if code, ok := validationErrorCode(err); ok {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: "invalid value",
				},
			},
		}
	}

	if rej, ok := quotadomain.AsRejection(err); ok {
		return http.StatusTooManyRequests, errorPayload{
			Type:    "quota_exceeded",
			Message: "quota exceeded",
			Quota: &quotaPayload{
				Reason:  string(rej.Reason),
				Limit:   rej.Limit,
				Current: rej.Current,
			},
		}
	}

	switch {
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, pipelinedomain.ErrRunFinished),
		errors.Is(err, pipelinedomain.ErrProviderNotEnabled),
		errors.Is(err, hierarchydomain.ErrEntityExists),
		errors.Is(err, hierarchydomain.ErrCycle),
		errors.Is(err, exchangedomain.ErrRateExists):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictMessage(err),
		}
	case errors.Is(err, aggregationdomain.ErrMissingRate):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "exchange_rate_missing",
			Message: err.Error(),
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, pipelinedomain.ErrRunnerStopped),
		errors.Is(err, credentialdomain.ErrKeyNotConfigured):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds error_type and error_code into request logs.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	if payload.Quota != nil {
		code = payload.Quota.Reason
	}
	if status >= http.StatusInternalServerError {
		return "server", code
	}
	return "client", code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func fromFieldErrors(errs validator.ValidationErrors) []ValidationError {
	out := make([]ValidationError, 0, len(errs))
	for _, fe := range errs {
		out = append(out, ValidationError{
			Field:   fe.Field(),
			Code:    fe.Tag(),
			Message: fieldErrorMessage(fe),
		})
	}
	return out
}

func fieldErrorMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "len":
		return "must be exactly " + fe.Param() + " characters"
	case "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "datetime":
		return "must be a date formatted " + fe.Param()
	default:
		return "invalid value"
	}
}

func validationErrorCode(err error) (string, bool) {
	for _, sentinel := range validationSentinels {
		if errors.Is(err, sentinel) {
			return sentinel.Error(), true
		}
	}
	return "", false
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	switch code {
	case ErrMissingTenant.Error():
		return "tenant"
	case costrecorddomain.ErrUnknownDimension.Error():
		return "group_by"
	}
	return ""
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, pipelinedomain.ErrRunNotFound),
		errors.Is(err, hierarchydomain.ErrNotFound),
		errors.Is(err, credentialdomain.ErrCredentialNotFound),
		errors.Is(err, exchangedomain.ErrRateNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func conflictMessage(err error) string {
	switch {
	case errors.Is(err, pipelinedomain.ErrRunFinished):
		return "run already finished"
	case errors.Is(err, pipelinedomain.ErrProviderNotEnabled):
		return "provider not enabled for tenant"
	case errors.Is(err, hierarchydomain.ErrCycle):
		return "move would create a cycle"
	default:
		return "conflict"
	}
}
