package artifact

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Position is a binary log coordinate. The high 32 bits hold the binlog
// file sequence number and the low 32 bits the byte offset within that file,
// so positions compare correctly across file rotations.
//
// NewPosition(seq, 0) means "the start of file seq". Captured segments end
// at the start of the next file, which keeps consecutive segments contiguous.
type Position uint64

// NewPosition packs a file sequence number and offset.
func NewPosition(seq, offset uint32) Position {
	return Position(uint64(seq)<<32 | uint64(offset))
}

// Seq returns the binlog file sequence number.
func (p Position) Seq() uint32 { return uint32(p >> 32) }

// Offset returns the byte offset within the binlog file.
func (p Position) Offset() uint32 { return uint32(p) }

// IsZero reports whether p is unset.
func (p Position) IsZero() bool { return p == 0 }

func (p Position) String() string {
	if p.Seq() == 0 {
		return strconv.FormatUint(uint64(p), 10)
	}
	return fmt.Sprintf("%06d:%d", p.Seq(), p.Offset())
}

// ParsePosition accepts "mysql-bin.000003:154", "000003:154" or a raw integer.
func ParsePosition(s string) (Position, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty position")
	}
	file, off, found := strings.Cut(s, ":")
	if !found {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse position %q: %w", s, err)
		}
		return Position(n), nil
	}
	seq, err := SeqFromFile(file)
	if err != nil {
		return 0, err
	}
	o, err := strconv.ParseUint(off, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse offset in %q: %w", s, err)
	}
	return NewPosition(seq, uint32(o)), nil
}

// SeqFromFile extracts the numeric suffix of a binlog file name such as
// "mysql-bin.000042" or "000042".
func SeqFromFile(name string) (uint32, error) {
	base := filepath.Base(name)
	if i := strings.LastIndexByte(base, '.'); i >= 0 {
		base = base[i+1:]
	}
	n, err := strconv.ParseUint(base, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("binlog file %q has no numeric suffix", name)
	}
	return uint32(n), nil
}
