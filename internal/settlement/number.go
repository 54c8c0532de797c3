package settlement

import (
	"fmt"
	"strings"
	"time"

	"goldpos/backend/internal/domain"
)

// FormatNumber renders a branch-scoped transaction number such as
// SAL-MAIN-20240601-000042. seq comes from the store's per branch and type
// counter inside the same commit that inserts the transaction.
func FormatNumber(txType domain.TransactionType, branchID string, at time.Time, seq int64) string {
	return fmt.Sprintf("%s-%s-%s-%06d", txType.NumberPrefix(), branchCode(branchID), at.Format("20060102"), seq)
}

func branchCode(branchID string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(branchID) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "BR"
	}
	return b.String()
}
