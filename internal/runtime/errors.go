package runtime

import "errors"

// Error sentinels for the non-fatal conditions enumerated in spec §7. Most
// are logged and discarded rather than returned to the caller, since
// submitAction is documented as synchronous-but-fire-and-forget on the
// broadcast side; they are exported so tests (and a future error channel)
// can assert on specific failure kinds.
var (
	// ErrUnknownAction: submitAction(name) where name is not in the
	// definition's action table.
	ErrUnknownAction = errors.New("runtime: unknown action")

	// ErrInvalidInput: input failed actionDef.Input validation.
	ErrInvalidInput = errors.New("runtime: invalid action input")

	// ErrReservedStateKey: author's Setup returned state using the "__lobby"
	// key directly. Construction fails outright.
	ErrReservedStateKey = errors.New("runtime: \"__lobby\" is a reserved state key")

	// ErrActionApplyPanicked: actionDef.Apply panicked; state was rolled
	// back to the pre-apply snapshot and the panic was not re-raised.
	ErrActionApplyPanicked = errors.New("runtime: action apply panicked")

	// ErrDestroyed: an operation was attempted after Destroy().
	ErrDestroyed = errors.New("runtime: runtime has been destroyed")
)
