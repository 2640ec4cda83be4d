package codec

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

// generateValue resolves a generate tag to a value. Supported tags:
// unix_timestamp, sequence (the codec's own monotonic counter), and
// random_bytes:N.
func (c *Codec) generateValue(tag string) any {
	switch {
	case tag == "unix_timestamp":
		return uint64(time.Now().Unix())
	case tag == "sequence":
		return c.nextSequence()
	case strings.HasPrefix(tag, "random_bytes:"):
		n, err := strconv.Atoi(strings.TrimPrefix(tag, "random_bytes:"))
		if err != nil || n <= 0 {
			return []byte{}
		}
		buf := make([]byte, n)
		for i := range buf {
			buf[i] = byte(rand.IntN(256))
		}
		return buf
	default:
		return nil
	}
}

func (c *Codec) nextSequence() uint64 {
	return c.sequence.Add(1)
}
