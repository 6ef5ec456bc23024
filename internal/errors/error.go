package errors

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Category represents the type of error.
type Category string

const (
	CategoryCompile Category = "compile"
	CategoryRuntime Category = "runtime"
	CategoryConfig  Category = "config"
	CategoryCLI     Category = "cli"
)

// Location represents a source code location.
type Location struct {
	File   string
	Line   int
	Column int
}

// String returns the location as a formatted string.
func (l *Location) String() string {
	if l == nil {
		return ""
	}
	if l.Column > 0 {
		return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
	}
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// HotserveError is a structured error with a registered code, optional source
// location, and a fix suggestion.
type HotserveError struct {
	// Code is a unique error identifier (e.g., "E301").
	Code string

	// Category is the error type (compile, runtime, config).
	Category Category

	// Message is a short description of the error.
	Message string

	// Detail is a longer explanation, often the tool output that caused it.
	Detail string

	// Location is the source code location where the error occurred.
	Location *Location

	// Context contains surrounding source code lines.
	Context []string

	// Suggestion is a hint on how to fix the error.
	Suggestion string

	// Wrapped is the underlying error, if any.
	Wrapped error
}

// Error implements the error interface.
func (e *HotserveError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *HotserveError) Unwrap() error {
	return e.Wrapped
}

// WithLocation adds source location to the error.
func (e *HotserveError) WithLocation(file string, line, column int) *HotserveError {
	e.Location = &Location{File: file, Line: line, Column: column}
	e.Context = readContextLines(file, line, 5)
	return e
}

// WithLocationFromError extracts location from a "file:line:column: message" error.
func (e *HotserveError) WithLocationFromError(err error) *HotserveError {
	if err == nil {
		return e
	}
	parts := strings.SplitN(err.Error(), ":", 4)
	if len(parts) >= 3 {
		var line, col int
		fmt.Sscanf(parts[1], "%d", &line)
		fmt.Sscanf(parts[2], "%d", &col)
		if line > 0 {
			e.Location = &Location{File: parts[0], Line: line, Column: col}
			e.Context = readContextLines(parts[0], line, 5)
		}
	}
	return e
}

// WithSuggestion adds a fix suggestion to the error.
func (e *HotserveError) WithSuggestion(s string) *HotserveError {
	e.Suggestion = s
	return e
}

// WithDetail adds a detailed explanation to the error.
func (e *HotserveError) WithDetail(d string) *HotserveError {
	e.Detail = d
	return e
}

// Wrap wraps another error.
func (e *HotserveError) Wrap(err error) *HotserveError {
	e.Wrapped = err
	return e
}

// readContextLines reads lines around the specified line number from a file.
func readContextLines(filename string, targetLine, contextSize int) []string {
	file, err := os.Open(filename)
	if err != nil {
		return nil
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	lineNum := 0
	startLine := targetLine - contextSize/2
	endLine := targetLine + contextSize/2

	for scanner.Scan() {
		lineNum++
		if lineNum >= startLine && lineNum <= endLine {
			lines = append(lines, scanner.Text())
		}
		if lineNum > endLine {
			break
		}
	}

	return lines
}

// New creates a HotserveError from a registered error code.
func New(code string) *HotserveError {
	template, ok := registry[code]
	if !ok {
		return &HotserveError{
			Code:    code,
			Message: "Unknown error",
		}
	}
	return &HotserveError{
		Code:     code,
		Category: template.Category,
		Message:  template.Message,
		Detail:   template.Detail,
	}
}

// Newf creates a new HotserveError with a formatted message (no code).
func Newf(category Category, format string, args ...any) *HotserveError {
	return &HotserveError{
		Category: category,
		Message:  fmt.Sprintf(format, args...),
	}
}

// FromError wraps a standard error in a HotserveError.
// An error that already carries a code is returned unchanged.
func FromError(err error, code string) *HotserveError {
	if err == nil {
		return nil
	}
	var he *HotserveError
	if errors.As(err, &he) {
		return he
	}
	return New(code).Wrap(err)
}

// HasCode reports whether err, or any error it wraps, carries code.
func HasCode(err error, code string) bool {
	var he *HotserveError
	for err != nil {
		if !errors.As(err, &he) {
			return false
		}
		if he.Code == code {
			return true
		}
		err = he.Wrapped
	}
	return false
}
