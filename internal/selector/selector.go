// Package selector maps a seed string onto a reproducible index.
//
// The digest is SHA-256 over the UTF-8 bytes of the seed read as a big-endian
// unsigned integer, so any implementation in any language can recompute a
// past selection from the published seed.
package selector

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
)

// ErrNoSelection is returned when there is nothing to pick from.
var ErrNoSelection = errors.New("no selection")

// Pick returns sha256(seed) mod count.
func Pick(seed string, count int) (int, error) {
	if count <= 0 {
		return 0, ErrNoSelection
	}

	sum := sha256.Sum256([]byte(seed))
	n := new(big.Int).SetBytes(sum[:])
	n.Mod(n, big.NewInt(int64(count)))

	return int(n.Int64()), nil
}

// Seed joins the selection inputs into a seed string:
// secret|roundID|postID|id1,id2,... with ids expected in sorted order.
func Seed(secret, roundID, postID string, sortedIDs []string) string {
	return strings.Join([]string{secret, roundID, postID, strings.Join(sortedIDs, ",")}, "|")
}

// Commitment stands in for the secret in the seed that gets stored and
// published. Once the secret is rotated and revealed, anyone can check it
// against the commitment and recompute past selections.
func Commitment(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
