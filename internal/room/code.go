package room

import (
	"crypto/rand"
	"math/big"
	"strconv"

	"github.com/DoyleJ11/fireworks-backend/pkg/types"
)

const (
	codeMin         = 1000
	codeMax         = 9999
	maxCodeAttempts = 100
)

// CodeSource draws one candidate room code in [1000, 9999].
type CodeSource func() (int, error)

// RandomCode samples uniformly from [1000, 9999].
func RandomCode() (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeMax-codeMin+1))
	if err != nil {
		return 0, err
	}
	return codeMin + int(n.Int64()), nil
}

// ValidCode reports whether code is exactly four ASCII digits.
func ValidCode(code string) bool { return types.ValidRoomCode(code) }

func formatCode(n int) string { return strconv.Itoa(n) }
