package filter

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
)

var ErrConflictingModes = errors.New("include and exclude filters are mutually exclusive")

// Options captures the filtering configuration. Patterns use RE2 syntax and
// are matched against the raw header block or the raw body.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// DefaultOptions keeps messages that mention a receipt or invoice in the
// subject or body.
func DefaultOptions() Options {
	return Options{
		IncludeHeader: []string{`(?im)^subject:.*\b(receipt|invoice)`},
		IncludeBody:   []string{`(?i)\b(receipt|invoice)`},
	}
}

func (o Options) Empty() bool {
	return len(o.IncludeHeader)+len(o.IncludeBody)+len(o.ExcludeHeader)+len(o.ExcludeBody) == 0
}

// Stats counts filter decisions.
type Stats struct {
	Allowed  int64
	Rejected int64
}

type Filter struct {
	includeMode    bool
	excludeMode    bool
	includeHeader  []*regexp.Regexp
	includeBody    []*regexp.Regexp
	excludeHeader  []*regexp.Regexp
	excludeBody    []*regexp.Regexp
	needHeaderText bool
	needBodyText   bool

	allowed  atomic.Int64
	rejected atomic.Int64
}

func New(opts Options) (*Filter, error) {
	includeHeader, err := compilePatterns(opts.IncludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile include-header pattern: %w", err)
	}
	includeBody, err := compilePatterns(opts.IncludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile include-body pattern: %w", err)
	}
	excludeHeader, err := compilePatterns(opts.ExcludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-header pattern: %w", err)
	}
	excludeBody, err := compilePatterns(opts.ExcludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-body pattern: %w", err)
	}

	includeActive := len(includeHeader) > 0 || len(includeBody) > 0
	excludeActive := len(excludeHeader) > 0 || len(excludeBody) > 0
	if includeActive && excludeActive {
		return nil, ErrConflictingModes
	}

	return &Filter{
		includeMode:    includeActive,
		excludeMode:    excludeActive,
		includeHeader:  includeHeader,
		includeBody:    includeBody,
		excludeHeader:  excludeHeader,
		excludeBody:    excludeBody,
		needHeaderText: len(includeHeader) > 0 || len(excludeHeader) > 0,
		needBodyText:   len(includeBody) > 0 || len(excludeBody) > 0,
	}, nil
}

// Allows reports whether a message with this header block and body is a
// candidate expense email.
func (f *Filter) Allows(header, body []byte) bool {
	ok := f.allows(header, body)
	if ok {
		f.allowed.Add(1)
	} else {
		f.rejected.Add(1)
	}
	return ok
}

// AllowsRaw splits a full RFC 5322 message and applies Allows.
func (f *Filter) AllowsRaw(raw []byte) bool {
	header, body := SplitRawMessage(raw)
	return f.Allows(header, body)
}

func (f *Filter) Stats() Stats {
	return Stats{Allowed: f.allowed.Load(), Rejected: f.rejected.Load()}
}

func (f *Filter) allows(header, body []byte) bool {
	var headerText, bodyText string
	if f.needHeaderText {
		headerText = string(header)
	}
	if f.needBodyText {
		bodyText = string(body)
	}

	if f.includeMode {
		return matchAny(f.includeHeader, headerText) || matchAny(f.includeBody, bodyText)
	}
	if f.excludeMode {
		return !matchAny(f.excludeHeader, headerText) && !matchAny(f.excludeBody, bodyText)
	}
	return true
}

// SplitRawMessage splits a raw email message into header and body parts.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}

	return raw, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
