package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a collision-resistant identifier, optionally namespaced
// with a short prefix ("iss", "rpt").
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
