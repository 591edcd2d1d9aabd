package contract

import (
	"fmt"
	"strings"
)

// Failure is one schema violation at a JSON path such as $.lines[2].amount.
type Failure struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (f Failure) String() string {
	return f.Path + ": " + f.Message
}

// ValidationError lists every violation found in one value.
type ValidationError struct {
	Failures []Failure `json:"failures"`
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Failures) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.String()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

type failures []Failure

func (f *failures) add(path, format string, args ...any) {
	*f = append(*f, Failure{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (f failures) err() error {
	if len(f) == 0 {
		return nil
	}
	return &ValidationError{Failures: f}
}
