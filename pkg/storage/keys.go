package storage

import (
	"encoding/binary"

	"github.com/aretw0/strata/pkg/core"
)

// Key layout inside the engine:
//
//	d!<id>\x00<version>   document version (JSON)
//	h!<id>                head pointer (JSON)
//	c!<seq>               change entry (JSON)
//	m!seq                 last assigned seq
//	m!cursor!<dir>!<url>  replication cursor
//
// Integers are 8-byte big endian so byte order matches numeric order.
// Ids never contain NUL, which keeps the version suffix unambiguous.
var (
	prefixDoc    = []byte("d!")
	prefixHead   = []byte("h!")
	prefixChange = []byte("c!")
	keySeq       = []byte("m!seq")
	prefixCursor = []byte("m!cursor!")
)

func u64(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}

func join(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func docKey(id string, version uint64) []byte {
	return join(prefixDoc, []byte(id), []byte{0}, u64(version))
}

// docRange bounds every version of id.
func docRange(id string) (lower, upper []byte) {
	return join(prefixDoc, []byte(id), []byte{0}), join(prefixDoc, []byte(id), []byte{1})
}

func headKey(id string) []byte {
	return join(prefixHead, []byte(id))
}

func changeKey(seq uint64) []byte {
	return join(prefixChange, u64(seq))
}

func cursorKey(dir core.Direction, remote string) []byte {
	return join(prefixCursor, []byte(dir), []byte("!"), []byte(remote))
}

// prefixEnd is the smallest key greater than every key starting with p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func idFromHeadKey(k []byte) string {
	return string(k[len(prefixHead):])
}
