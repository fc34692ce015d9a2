package helper

import (
	"crypto/sha1"
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewSubscriptionID returns a fresh subscription id.
func NewSubscriptionID() string {
	return ulid.Make().String()
}

// NewRandomSeed returns a seed for a top-level method call.
func NewRandomSeed() string {
	return uuid.NewString()
}

// DeriveSeed returns the seed of a call made from inside another call. The
// same parent seed and name always yield the same seed so that client and
// server simulations generate the same ids.
func DeriveSeed(parent, name string) string {
	sum := sha1.Sum([]byte(parent + "/rpc/" + name))
	return hex.EncodeToString(sum[:])[:20]
}
