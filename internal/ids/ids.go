package ids

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a 32-char hex id.
func New() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewSession returns a canonical uuid used for sessions minted by the server.
func NewSession() string {
	return uuid.NewString()
}
