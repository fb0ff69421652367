package errors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Kind classifies a failure of a stage or apply cycle
type Kind int

const (
	KindUnknown Kind = iota
	// KindPolicy is a configuration or transport policy violation such as a plain HTTP endpoint
	KindPolicy
	// KindNetwork covers fetch and download failures; the cycle is retried on the next tick
	KindNetwork
	// KindVerification is a rejected artifact: hash, signature or certificate mismatch
	KindVerification
	// KindUnsupportedPackage is a verified package that the engine cannot apply in place
	KindUnsupportedPackage
	// KindApply is a failure while replacing live files; a rollback has been attempted
	KindApply
	// KindCancelled means the cycle observed context cancellation
	KindCancelled
	// KindIO is a local filesystem failure outside the copy loop
	KindIO
	// KindConfig is an invalid or unusable configuration value
	KindConfig
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindPolicy:             "policy",
	KindNetwork:            "network",
	KindVerification:       "verification",
	KindUnsupportedPackage: "unsupported-package",
	KindApply:              "apply",
	KindCancelled:          "cancelled",
	KindIO:                 "io",
	KindConfig:             "config",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error implements error so that errors.Is(err, KindVerification) works
func (k Kind) Error() string {
	return k.String()
}

// Error is a failure tagged with its Kind and the operation that produced it
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New wraps err with a kind and an operation name
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds an Error from a formatted message
func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the Kind of this error
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, KindCancelled for
// bare context errors and KindUnknown otherwise
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if isContextErr(err) {
		return KindCancelled
	}
	return KindUnknown
}

func formatError(es []error) string {
	if len(es) == 1 {
		return fmt.Sprintf("1 error occurred:\n\t* %s", es[0])
	}

	points := make([]string, len(es))
	for i, err := range es {
		points[i] = fmt.Sprintf("* %s", err)
	}

	return fmt.Sprintf(
		"%d errors occurred:\n\t%s",
		len(es), strings.Join(points, "\n\t"))
}

// FormatErrorOrNil returns nil for an empty multierror, otherwise the error with a stable format
func FormatErrorOrNil(err *multierror.Error) error {
	if err != nil {
		err.ErrorFormat = formatError
	}
	return err.ErrorOrNil()
}

// IsFailure reports whether err ends a cycle in failure. Cancellation is not a failure.
func IsFailure(err error) bool {
	return err != nil && KindOf(err) != KindCancelled
}
