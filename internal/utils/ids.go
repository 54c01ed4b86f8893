package utils

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// IDs generates checkout and order identifiers.
type IDs struct{}

// NewCheckoutID returns a random UUID string.
func (IDs) NewCheckoutID() string { return uuid.NewString() }

// NewOrderID returns a 12 character gateway order number: four digits
// followed by eight lowercase hex characters.  The gateway requires the
// leading digits and caps the length at twelve.
func (IDs) NewOrderID() string {
	u := uuid.New()
	prefix := binary.BigEndian.Uint16(u[0:2]) % 10000
	return fmt.Sprintf("%04d%s", prefix, hex.EncodeToString(u[2:6]))
}
