package core

import (
	"fmt"

	"github.com/google/uuid"
)

// NewDebugName returns a unique name for a native object of the given kind.
func NewDebugName(kind string) string {
	return fmt.Sprintf("%s-%s", kind, uuid.NewString())
}
