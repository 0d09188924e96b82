package memory

import (
	"errors"
	"fmt"

	"coin_ledger/internal/domain"
)

var errReadOnly = errors.New("memory store: write in read-only transaction")

func errDuplicate(what string) error {
	return fmt.Errorf("memory store: duplicate %s: %w", what, domain.ErrInvalidRequest)
}
