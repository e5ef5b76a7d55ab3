package common

import (
	"encoding/hex"
	"hash"
	"io"

	"golang.org/x/crypto/blake2b"
)

// Digest accumulates a BLAKE2b-256 sum of the bytes of a transfer, so both
// ends can log a comparable fingerprint of what went over the wire.
type Digest struct {
	hash hash.Hash
	n    int64
}

func NewDigest() *Digest {
	h, err := blake2b.New256(nil)
	if err != nil {
		// Only reachable with an oversized key.
		panic(err)
	}
	return &Digest{hash: h}
}

func (d *Digest) Write(p []byte) (int, error) {
	d.n += int64(len(p))
	return d.hash.Write(p)
}

func (d *Digest) Len() int64 {
	return d.n
}

func (d *Digest) String() string {
	return hex.EncodeToString(d.hash.Sum(nil))
}

// Sum256 returns the hex digest of b, matching what a Digest reports.
func Sum256(b []byte) string {
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// TeeWriter returns a writer that feeds w and the digest.
func (d *Digest) TeeWriter(w io.Writer) io.Writer {
	return io.MultiWriter(w, d)
}
