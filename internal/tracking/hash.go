package tracking

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/dvloznov/msp-reconciler/internal/domain"
)

// ContentHash returns the SHA-256 of the sorted "field:value" tokens of
// every non-null field, so column order does not matter.
func ContentHash(row domain.Row) string {
	tokens := make([]string, 0, len(row))
	for field, v := range row {
		s, ok := domain.FormatValue(v)
		if !ok {
			continue
		}
		tokens = append(tokens, field+":"+s)
	}
	sort.Strings(tokens)
	sum := sha256.Sum256([]byte(strings.Join(tokens, "|")))
	return hex.EncodeToString(sum[:])
}
