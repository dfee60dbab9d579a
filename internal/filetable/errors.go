package filetable

import (
	"github.com/objectfs/filetable/pkg/errors"
)

const component = "filetable"

// Sentinel errors. Returned errors are decorated copies that match these
// through errors.Is.
var (
	ErrResourceLimitExceeded = errors.NewError(errors.ErrCodeResourceLimitExceeded, "file-max limit reached").WithComponent(component)
	ErrOutOfMemory           = errors.NewError(errors.ErrCodeOutOfMemory, "file pool exhausted").WithComponent(component)
	ErrValidationDenied      = errors.NewError(errors.ErrCodeValidationDenied, "security hook denied the file").WithComponent(component)
	ErrTeardownStepFailed    = errors.NewError(errors.ErrCodeTeardownStepFailed, "release callback failed").WithComponent(component)
	ErrInvalidArgument       = errors.NewError(errors.ErrCodeInvalidArgument, "invalid argument").WithComponent(component)
	ErrTableClosed           = errors.NewError(errors.ErrCodeTableClosed, "file table is closed").WithComponent(component)
	ErrNotSupported          = errors.NewError(errors.ErrCodeNotSupported, "operation not supported by file").WithComponent(component)
	ErrWriteRevoked          = errors.NewError(errors.ErrCodeReadOnly, "write access was dropped").WithComponent(component)
)

func newError(sentinel *errors.Error, op string) *errors.Error {
	return sentinel.Clone().WithOperation(op)
}
