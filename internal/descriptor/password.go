package descriptor

import (
	"crypto/rand"
	"math/big"
)

const passwordChars = "abcdefghijklmnopqrstuvwxyz" +
	"ABCDEFGHIJKLMNOPQRSTUVWXYZ" +
	"0123456789" +
	"!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

// GeneratePassword returns a random password of the given length drawn
// from letters, digits and ASCII punctuation. Used for per-build VNC
// credentials.
func GeneratePassword(length int) string {
	max := big.NewInt(int64(len(passwordChars)))
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		buf[i] = passwordChars[n.Int64()]
	}
	return string(buf)
}
