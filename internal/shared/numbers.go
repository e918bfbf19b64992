package shared

import (
	"fmt"
	"time"
)

// NewDocumentNumber generates a unique document number with the given prefix.
func NewDocumentNumber(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}
