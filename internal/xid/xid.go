// Package xid generates prefixed opaque identifiers, e.g. inv_6fa1d2....
package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a fresh id carrying the given type prefix.
func New(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + raw
}
