package mempool

import (
	"errors"
	"fmt"

	"github.com/echenim/Bedrock/finality/internal/types"
)

// MaxTxIDLength bounds transaction identifiers.
const MaxTxIDLength = 256

var (
	ErrEmptyTxID         = errors.New("mempool: empty transaction id")
	ErrTxIDTooLong       = errors.New("mempool: transaction id too long")
	ErrTxTooLarge        = errors.New("mempool: transaction too large")
	ErrDuplicateTx       = errors.New("mempool: duplicate transaction")
	ErrRecentlyCommitted = errors.New("mempool: transaction recently committed")
	ErrMempoolFull       = errors.New("mempool: full")
)

// TxSize returns the encoded size of tx, the unit MaxTxBytes and Reap's byte
// budget are measured in.
func TxSize(tx *types.Transaction) int {
	return len(tx.Marshal())
}

// ValidateTx performs the checks that need no pool state. Payload and
// signature are opaque and are not inspected.
func ValidateTx(tx *types.Transaction, maxTxBytes int) error {
	if tx.ID == "" {
		return ErrEmptyTxID
	}
	if len(tx.ID) > MaxTxIDLength {
		return fmt.Errorf("%w: %d > %d", ErrTxIDTooLong, len(tx.ID), MaxTxIDLength)
	}
	if size := TxSize(tx); maxTxBytes > 0 && size > maxTxBytes {
		return fmt.Errorf("%w: %d > %d", ErrTxTooLarge, size, maxTxBytes)
	}
	return nil
}
