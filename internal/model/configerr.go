package model

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

// ConfigErrorDetail is one schema violation of a config file.
type ConfigErrorDetail struct {
	Path    string // service.timeout_unit
	Code    string // unknown_field | type_mismatch | conflicting_values | validation_error
	Message string
	Pos     ConfigErrorPosition
}

func (c ConfigErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type ConfigErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

var (
	reNotAllowed  = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reMismatch    = regexp.MustCompile(`(?i)mismatched types`)
	reConflict    = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`)
	reExpectedGot = regexp.MustCompile(`(?i)expected .* got .*`)
)

// ConfigErrDetails turns a schema error returned by LoadConfig into one
// detail per violation. Other errors yield nil.
func ConfigErrDetails(err error) []ConfigErrorDetail {
	var cerr cueerrors.Error
	if !errors.As(err, &cerr) {
		return nil
	}
	seen := make(map[string]struct{})
	var out []ConfigErrorDetail
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		path := normalizePath(e.Path())
		pos := position(e)

		key := fmt.Sprintf("%s:%d:%d:%s", pos.Filename, pos.Line, pos.Column, path)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		code, msg := classify(raw, path)
		out = append(out, ConfigErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     pos,
		})
	}
	return out
}

func position(err cueerrors.Error) ConfigErrorPosition {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" {
			continue
		}
		return ConfigErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
	}
	return ConfigErrorPosition{}
}

// normalizePath drops the leading #Config definition.
func normalizePath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func classify(raw, path string) (code, msg string) {
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", fmt.Sprintf("field %s is not allowed", last(path))
	case reMismatch.MatchString(raw), reExpectedGot.MatchString(raw):
		return "type_mismatch", fmt.Sprintf("field %s has wrong type", last(path))
	case reConflict.MatchString(raw):
		return "conflicting_values", fmt.Sprintf("conflicting values for %s", last(path))
	default:
		return "validation_error", raw
	}
}

func last(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i+1:]
	}
	return p
}
