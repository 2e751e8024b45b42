// Package idgen generates short, sortable session identifiers for log
// correlation.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"lukechampine.com/blake3"
)

// IDLen is the length of every generated id.
const IDLen = 16

var (
	node     [2]byte
	sequence atomic.Uint32
	encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)
)

func init() {
	// Hostname keeps ids from two processes on one log stream apart.
	hostname, _ := os.Hostname()
	var salt [8]byte
	_, _ = rand.Read(salt[:])
	sum := blake3.Sum256(append([]byte(hostname), salt[:]...))
	copy(node[:], sum[:])
}

// New returns a 10-byte id encoded as 16 lowercase base32 characters:
// 4 bytes of unix seconds, 2 of node, 2 of sequence and 2 random.
func New() string {
	return newAt(time.Now())
}

func newAt(now time.Time) string {
	var id [10]byte
	binary.BigEndian.PutUint32(id[0:4], uint32(now.Unix()))
	copy(id[4:6], node[:])
	binary.BigEndian.PutUint16(id[6:8], uint16(sequence.Add(1)))
	if _, err := rand.Read(id[8:10]); err != nil {
		binary.BigEndian.PutUint16(id[8:10], uint16(now.UnixNano()))
	}
	return encoding.EncodeToString(id[:])
}

// Valid reports whether s looks like an id from New.
func Valid(s string) bool {
	if len(s) != IDLen {
		return false
	}
	return strings.Trim(s, "abcdefghijklmnopqrstuvwxyz234567") == ""
}
