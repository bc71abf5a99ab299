package models

import (
	"errors"
	"fmt"
)

// Error kinds shared across packages. Handlers translate them to HTTP
// statuses with errors.Is; nothing below is ever swallowed on the way up.
var (
	// ErrSyncRunning rejects a sync trigger while another pass is live.
	ErrSyncRunning = errors.New("a sync is already running")

	// ErrMTONotFound means no source document knows the tracking number.
	ErrMTONotFound = errors.New("mto not found in any source document")

	// ErrUnroutedMaterial means a material code matched no routing rule.
	// Unmatched codes are reported, never defaulted: a wrong default
	// would query the wrong document type.
	ErrUnroutedMaterial = errors.New("material code matches no routing rule")
)

// ClassificationError reports the material code that failed routing.
type ClassificationError struct {
	MaterialCode string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("cannot classify material %q: %v", e.MaterialCode, ErrUnroutedMaterial)
}

func (e *ClassificationError) Unwrap() error {
	return ErrUnroutedMaterial
}
