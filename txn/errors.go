package txn

import (
	"errors"
	"fmt"
)

// Validation failure codes surfaced in ValidationResult.Errors.
const (
	CodeFileChanged = "FILE_CHANGED"
	CodeExpired     = "TRANSACTION_EXPIRED"
)

// ErrNotFound is returned for an unknown transaction ID.
var ErrNotFound = errors.New("txn: transaction not found")

// InvalidStatusError reports an operation attempted out of lifecycle order.
type InvalidStatusError struct {
	TransactionID string
	Op            string
	Status        Status
	Want          []Status
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("txn: %s on %s: status is %q, want one of %v",
		e.Op, e.TransactionID, e.Status, e.Want)
}
