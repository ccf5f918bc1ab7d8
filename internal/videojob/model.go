// Package videojob defines the declarative request shape accepted by the
// orchestrator (spec.md §3) and the admission-time validation invariants
// (spec.md §6), grounded on the teacher's handlers/upload.go request-struct
// + json-schema-then-unmarshal discipline.
package videojob

import (
	"fmt"
	"regexp"

	"github.com/livepeer/video-compositor-api/internal/apierrors"
)

type OutputFormat string

const (
	FormatMP4 OutputFormat = "mp4"
	FormatMOV OutputFormat = "mov"
	FormatAVI OutputFormat = "avi"
)

func (f OutputFormat) Valid() bool {
	switch f {
	case FormatMP4, FormatMOV, FormatAVI:
		return true
	default:
		return false
	}
}

type ElementType string

const (
	ElementVideo ElementType = "video"
	ElementImage ElementType = "image"
)

func (t ElementType) Valid() bool {
	return t == ElementVideo || t == ElementImage
}

type FitMode string

const (
	FitAuto    FitMode = "auto"
	FitContain FitMode = "contain"
	FitCover   FitMode = "cover"
	FitFill    FitMode = "fill"
)

func (m FitMode) Valid() bool {
	switch m {
	case FitAuto, FitContain, FitCover, FitFill, "":
		return true
	default:
		return false
	}
}

// Priority mirrors the priority levels JobAnalysis can derive, but may also
// be supplied directly by the caller as a hint.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var percentPattern = regexp.MustCompile(`^\d+(\.\d+)?%$`)

// VideoElement is one positioned media element on a numbered track.
type VideoElement struct {
	ID         string      `json:"id"`
	Type       ElementType `json:"type"`
	Source     string      `json:"source"`
	Track      int         `json:"track"`
	X          string      `json:"x"`
	Y          string      `json:"y"`
	Width      string      `json:"width"`
	Height     string      `json:"height"`
	FitMode    FitMode     `json:"fit_mode"`
	StartTime  *float64    `json:"start_time,omitempty"`
	Duration   *float64    `json:"duration,omitempty"`
}

// Defaults fills in the percentage-string defaults spec.md §3 requires:
// x/y default to "0%", width/height default to "100%".
func (e *VideoElement) Defaults() {
	if e.X == "" {
		e.X = "0%"
	}
	if e.Y == "" {
		e.Y = "0%"
	}
	if e.Width == "" {
		e.Width = "100%"
	}
	if e.Height == "" {
		e.Height = "100%"
	}
	if e.FitMode == "" {
		e.FitMode = FitAuto
	}
}

// Request is the top-level declarative composition request (VideoJobRequest
// in spec.md §3).
type Request struct {
	ID          string         `json:"id"`
	OutputFormat OutputFormat  `json:"output_format"`
	Width       int            `json:"width"`
	Height      int            `json:"height"`
	Elements    []VideoElement `json:"elements"`
	Priority    Priority       `json:"priority,omitempty"`
	CallbackURL string         `json:"callback_url,omitempty"`
}

const (
	MinDimension = 16
	MaxDimension = 7680
	MinElements  = 1
	MaxElements  = 10
)

// Validate enforces the admission invariants of spec.md §6/§3. It also
// applies VideoElement.Defaults() in place so callers see the normalized
// request afterwards.
func Validate(r *Request) error {
	if !r.OutputFormat.Valid() {
		return apierrors.New(apierrors.Validation, fmt.Sprintf("unsupported output_format %q", r.OutputFormat))
	}
	if r.Width < MinDimension || r.Width > MaxDimension {
		return apierrors.New(apierrors.Validation, fmt.Sprintf("width %d out of range [%d, %d]", r.Width, MinDimension, MaxDimension))
	}
	if r.Height < MinDimension || r.Height > MaxDimension {
		return apierrors.New(apierrors.Validation, fmt.Sprintf("height %d out of range [%d, %d]", r.Height, MinDimension, MaxDimension))
	}
	if len(r.Elements) < MinElements || len(r.Elements) > MaxElements {
		return apierrors.New(apierrors.Validation, fmt.Sprintf("elements count %d out of range [%d, %d]", len(r.Elements), MinElements, MaxElements))
	}

	seen := make(map[string]struct{}, len(r.Elements))
	for i := range r.Elements {
		el := &r.Elements[i]
		el.Defaults()
		if el.ID == "" {
			return apierrors.New(apierrors.Validation, fmt.Sprintf("element %d missing id", i))
		}
		if _, dup := seen[el.ID]; dup {
			return apierrors.New(apierrors.Validation, fmt.Sprintf("duplicate element id %q", el.ID))
		}
		seen[el.ID] = struct{}{}
		if !el.Type.Valid() {
			return apierrors.New(apierrors.Validation, fmt.Sprintf("element %q has unsupported type %q", el.ID, el.Type))
		}
		if el.Source == "" {
			return apierrors.New(apierrors.Validation, fmt.Sprintf("element %q missing source", el.ID))
		}
		if !el.FitMode.Valid() {
			return apierrors.New(apierrors.Validation, fmt.Sprintf("element %q has unsupported fit_mode %q", el.ID, el.FitMode))
		}
		for _, pct := range []string{el.X, el.Y, el.Width, el.Height} {
			if !percentPattern.MatchString(pct) {
				return apierrors.New(apierrors.Validation, fmt.Sprintf("element %q has malformed percentage %q", el.ID, pct))
			}
		}
	}
	return nil
}

// HasVideoElement reports whether any element is of type "video".
func (r *Request) HasVideoElement() bool {
	for _, e := range r.Elements {
		if e.Type == ElementVideo {
			return true
		}
	}
	return false
}

// TrackCount returns the number of distinct tracks used by the request's elements.
func (r *Request) TrackCount() int {
	tracks := make(map[int]struct{}, len(r.Elements))
	for _, e := range r.Elements {
		tracks[e.Track] = struct{}{}
	}
	return len(tracks)
}

// HasTransformations reports whether any element uses a non-default fit mode
// or percentage placement, used by the complexity estimator.
func (r *Request) HasTransformations() bool {
	for _, e := range r.Elements {
		if e.FitMode != FitAuto && e.FitMode != "" {
			return true
		}
		if e.X != "0%" || e.Y != "0%" || e.Width != "100%" || e.Height != "100%" {
			return true
		}
	}
	return false
}

func (r *Request) Pixels() int {
	return r.Width * r.Height
}
