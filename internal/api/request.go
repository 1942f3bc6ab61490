package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/JakeFAU/sitecloner/internal/clone"
)

const (
	maxBodyBytes     = 1 << 20
	defaultListLimit = 50
	maxListLimit     = 500
)

var validate = newValidator()

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

type submitJobRequest struct {
	URL          string `json:"url" validate:"required,url"`
	MaxPages     int    `json:"max_pages" validate:"gte=0"`
	MaxDepth     int    `json:"max_depth" validate:"gte=0"`
	ExportFormat string `json:"export_format"`
	Verify       bool   `json:"verify"`
}

type stopJobRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type verificationCheck struct {
	Name    string `json:"name" validate:"required"`
	Passed  bool   `json:"passed"`
	Details string `json:"details"`
}

type verificationRequest struct {
	Passed  bool                `json:"passed"`
	Score   int                 `json:"score" validate:"gte=0,lte=100"`
	Summary string              `json:"summary" validate:"required"`
	Checks  []verificationCheck `json:"checks" validate:"dive"`
}

func (v verificationRequest) report() clone.VerificationReport {
	checks := make([]clone.VerificationCheck, 0, len(v.Checks))
	for _, c := range v.Checks {
		checks = append(checks, clone.VerificationCheck(c))
	}
	return clone.VerificationReport{Passed: v.Passed, Score: v.Score, Summary: v.Summary, Checks: checks}
}

type openAccountRequest struct {
	PlanTier string `json:"plan_tier" validate:"required"`
}

type creditRequest struct {
	Amount      clone.Credits `json:"amount" validate:"gt=0"`
	Source      string        `json:"source" validate:"required,oneof=purchase refund adjustment"`
	Reference   string        `json:"reference" validate:"max=200"`
	Description string        `json:"description" validate:"max=500"`
}

type registerNodeRequest struct {
	Host    string `json:"host" validate:"required,hostname_rfc1123|ip"`
	Port    int    `json:"port" validate:"required,gte=1,lte=65535"`
	Country string `json:"country" validate:"omitempty,len=2"`
}

type usageRequest struct {
	RequestsServed   int64 `json:"requests_served" validate:"gte=0"`
	BytesTransferred int64 `json:"bytes_transferred" validate:"gte=0"`
	Success          bool  `json:"success"`
}

type heartbeatRequest struct {
	// Online defaults to true so an empty body is a plain heartbeat.
	Online *bool `json:"online"`
}

type siteRequest struct {
	URL                 string `json:"url" validate:"required,url"`
	SyncEnabled         bool   `json:"sync_enabled"`
	SyncIntervalMinutes int    `json:"sync_interval_minutes" validate:"gte=0"`
	FailoverEnabled     bool   `json:"failover_enabled"`
}

type probeRequest struct {
	Status         string     `json:"status" validate:"required,oneof=online degraded offline"`
	ResponseTimeMs int        `json:"response_time_ms" validate:"gte=0"`
	At             *time.Time `json:"at"`
}

// decode reads a JSON body into dst and validates it. An empty body is
// accepted when allowEmpty is set.
func decode(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			return &clone.ValidationError{Field: "body", Reason: "invalid JSON: " + err.Error()}
		}
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &clone.ValidationError{Field: fieldPath(fe), Reason: describe(fe)}
		}
		return &clone.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

// fieldPath drops the struct name from the namespace, e.g.
// "verificationRequest.checks[0].name" becomes "checks[0].name".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return fe.Field()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "url":
		return "must be a URL"
	case "oneof":
		return "must be one of " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "len":
		return "must be " + fe.Param() + " characters"
	default:
		return fmt.Sprintf("failed %q", fe.Tag())
	}
}

func parseLimitOffset(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			return 0, 0, &clone.ValidationError{Field: "limit", Reason: "must be a positive integer"}
		}
		limit = min(val, maxListLimit)
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val < 0 {
			return 0, 0, &clone.ValidationError{Field: "offset", Reason: "must not be negative"}
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatuses(r *http.Request) ([]clone.JobStatus, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("status"))
	if raw == "" {
		return nil, nil
	}
	var out []clone.JobStatus
	for part := range strings.SplitSeq(raw, ",") {
		status := clone.JobStatus(strings.ToLower(strings.TrimSpace(part)))
		if !status.Valid() {
			return nil, &clone.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", part)}
		}
		out = append(out, status)
	}
	return out, nil
}
