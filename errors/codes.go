package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

// Code is the stable numeric classification handed to API callers.
type Code int

const (
	CodeUnknown Code = 1000 + iota
	CodeOptimisticLockConflict
	CodeValidation
	CodeHandlerExecution
	CodeFatalStore
	CodeNotFound
	CodeExecutionEnded
)

// Text codes carried by the typed errors below.
const (
	TextCodeUnknown                = "UNKNOWN"
	TextCodeOptimisticLockConflict = "OPTIMISTIC_LOCK_CONFLICT"
	TextCodeValidation             = "VALIDATION_FAILED"
	TextCodeHandlerExecution       = "HANDLER_EXECUTION_FAILED"
	TextCodeFatalStore             = "FATAL_STORE_ERROR"
	TextCodeNotFound               = "ENTITY_NOT_FOUND"
	TextCodeExecutionEnded         = "EXECUTION_ENDED"
)

var (
	ErrOptimisticLockConflict = apperrors.New("optimistic lock conflict", apperrors.CategoryConflict).
					WithTextCode(TextCodeOptimisticLockConflict)
	ErrValidation = apperrors.New("validation failed", apperrors.CategoryValidation).
			WithTextCode(TextCodeValidation)
	ErrHandlerExecution = apperrors.New("job handler failed", apperrors.CategoryHandler).
				WithTextCode(TextCodeHandlerExecution)
	ErrFatalStore = apperrors.New("store unavailable", apperrors.CategoryExternal).
			WithTextCode(TextCodeFatalStore)
	ErrEntityNotFound = apperrors.New("entity not found", apperrors.CategoryBadInput).
				WithTextCode(TextCodeNotFound)
	ErrExecutionEnded = apperrors.New("execution has ended", apperrors.CategoryBadInput).
				WithTextCode(TextCodeExecutionEnded)
)

func (c Code) String() string {
	switch c {
	case CodeOptimisticLockConflict:
		return TextCodeOptimisticLockConflict
	case CodeValidation:
		return TextCodeValidation
	case CodeHandlerExecution:
		return TextCodeHandlerExecution
	case CodeFatalStore:
		return TextCodeFatalStore
	case CodeNotFound:
		return TextCodeNotFound
	case CodeExecutionEnded:
		return TextCodeExecutionEnded
	case 0:
		return ""
	default:
		return TextCodeUnknown
	}
}

func codeForText(text string) Code {
	switch text {
	case TextCodeOptimisticLockConflict:
		return CodeOptimisticLockConflict
	case TextCodeValidation:
		return CodeValidation
	case TextCodeHandlerExecution:
		return CodeHandlerExecution
	case TextCodeFatalStore:
		return CodeFatalStore
	case TextCodeNotFound:
		return CodeNotFound
	case TextCodeExecutionEnded:
		return CodeExecutionEnded
	default:
		return CodeUnknown
	}
}

func clone(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// OptimisticLockConflict reports that a versioned write found a different
// revision than the one the command read.
func OptimisticLockConflict(kind, id string, expectedRevision int) error {
	return clone(ErrOptimisticLockConflict,
		fmt.Sprintf("%s %s was updated by another transaction (expected revision %d)", kind, id, expectedRevision),
		nil,
		map[string]any{"entity_kind": kind, "entity_id": id, "expected_revision": expectedRevision})
}

// Validation reports bad command input. Never retried.
func Validation(format string, args ...any) error {
	return clone(ErrValidation, fmt.Sprintf(format, args...), nil, nil)
}

// NotFound reports a missing entity referenced by a command.
func NotFound(kind, id string) error {
	return clone(ErrEntityNotFound, fmt.Sprintf("%s %s not found", kind, id), nil,
		map[string]any{"entity_kind": kind, "entity_id": id})
}

// ExecutionEnded reports a mutation attempted on an ended execution.
func ExecutionEnded(id string) error {
	return clone(ErrExecutionEnded, fmt.Sprintf("execution %s has ended", id), nil,
		map[string]any{"execution_id": id})
}

// HandlerExecution wraps a job handler failure.
func HandlerExecution(jobID, jobType string, cause error) error {
	msg := fmt.Sprintf("job %s (%s) failed", jobID, jobType)
	if cause != nil {
		msg += ": " + cause.Error()
	}
	return clone(ErrHandlerExecution, msg, cause, map[string]any{"job_id": jobID, "job_type": jobType})
}

// FatalStore wraps an infrastructure failure of the entity store.
func FatalStore(op string, cause error) error {
	msg := op
	if cause != nil {
		msg += ": " + cause.Error()
	}
	return clone(ErrFatalStore, msg, cause, map[string]any{"operation": op})
}

// CodedError is the tag attached by the exception-code interceptor. It keeps
// the original error reachable through Unwrap.
type CodedError struct {
	code Code
	err  error
}

// WithCode tags err with code. A nil err stays nil.
func WithCode(err error, code Code) error {
	if err == nil {
		return nil
	}
	return &CodedError{code: code, err: err}
}

func (e *CodedError) Error() string { return e.err.Error() }
func (e *CodedError) Unwrap() error { return e.err }

// Code returns the attached code.
func (e *CodedError) Code() Code { return e.code }

// TextCodeOf returns the text code of the outermost typed error in err's chain.
func TextCodeOf(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// CodeOf classifies err. It returns 0 for nil and CodeUnknown for errors
// outside the taxonomy.
func CodeOf(err error) Code {
	if err == nil {
		return 0
	}
	var coded *CodedError
	if stderrors.As(err, &coded) {
		return coded.code
	}
	if text := TextCodeOf(err); text != "" {
		return codeForText(text)
	}
	return CodeUnknown
}

// ClassifyCode is CodeOf without the CodedError shortcut, used when the tag
// itself is computed.
func ClassifyCode(err error) Code {
	if text := TextCodeOf(err); text != "" {
		return codeForText(text)
	}
	return CodeUnknown
}

func IsOptimisticLockConflict(err error) bool {
	return err != nil && TextCodeOf(err) == TextCodeOptimisticLockConflict
}

// IsValidation includes not-found and ended-execution errors, which are
// validation failures of the command input.
func IsValidation(err error) bool {
	switch TextCodeOf(err) {
	case TextCodeValidation, TextCodeNotFound, TextCodeExecutionEnded:
		return true
	}
	return false
}

func IsHandlerExecution(err error) bool {
	return err != nil && TextCodeOf(err) == TextCodeHandlerExecution
}

func IsFatalStore(err error) bool {
	return err != nil && TextCodeOf(err) == TextCodeFatalStore
}
