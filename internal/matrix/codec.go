package matrix

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"github.com/Harshitk-cp/markovtune/internal/domain"
)

// Encoded layout, all integers uvarint:
//
//	magic "MKV1"
//	nSources, then per source (sorted): len, bytes, nTargets,
//	then per target (sorted): len, bytes, float64 bits little-endian
//
// Sorting makes the bytes a pure function of the counts, so the digest can
// serve as the snapshot reference and a decode restores identical bits.
var codecMagic = []byte("MKV1")

var ErrCorruptSnapshot = errors.New("corrupt snapshot encoding")

func Encode(s *Snapshot) []byte {
	buf := make([]byte, 0, 64+s.transitions*24)
	buf = append(buf, codecMagic...)
	sources := s.Sources()
	buf = binary.AppendUvarint(buf, uint64(len(sources)))
	for _, src := range sources {
		buf = appendString(buf, string(src))
		r := s.rows[src]
		targets := sortedStates(r.targets)
		buf = binary.AppendUvarint(buf, uint64(len(targets)))
		for _, dst := range targets {
			buf = appendString(buf, string(dst))
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(r.targets[dst]))
		}
	}
	return buf
}

func Decode(data []byte) (*Snapshot, error) {
	if len(data) < len(codecMagic) || string(data[:len(codecMagic)]) != string(codecMagic) {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptSnapshot)
	}
	d := decoder{buf: data[len(codecMagic):]}

	nSources := d.uvarint()
	s := &Snapshot{rows: make(map[domain.State]*row, boundedCap(nSources))}
	for i := uint64(0); i < nSources && d.err == nil; i++ {
		src := domain.State(d.str())
		nTargets := d.uvarint()
		targets := make(map[domain.State]float64, boundedCap(nTargets))
		for j := uint64(0); j < nTargets && d.err == nil; j++ {
			dst := domain.State(d.str())
			c := math.Float64frombits(d.uint64())
			if d.err == nil && (!finite(c) || c <= 0) {
				d.err = fmt.Errorf("%w: count %g for %s->%s", ErrCorruptSnapshot, c, src, dst)
			}
			targets[dst] = c
		}
		if d.err == nil && len(targets) == 0 {
			d.err = fmt.Errorf("%w: source %s has no targets", ErrCorruptSnapshot, src)
		}
		if d.err == nil {
			s.rows[src] = freeze(targets)
			s.transitions += len(targets)
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	if len(d.buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptSnapshot, len(d.buf))
	}
	return s, nil
}

// Digest is the hex sha256 of the encoded snapshot.
func Digest(encoded []byte) string {
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

// boundedCap keeps a corrupt length prefix from turning into a huge allocation.
func boundedCap(n uint64) int {
	if n > 1<<16 {
		return 1 << 16
	}
	return int(n)
}

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.err = fmt.Errorf("%w: bad length prefix", ErrCorruptSnapshot)
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) str() string {
	n := d.uvarint()
	if d.err != nil {
		return ""
	}
	if uint64(len(d.buf)) < n {
		d.err = fmt.Errorf("%w: truncated string", ErrCorruptSnapshot)
		return ""
	}
	s := string(d.buf[:n])
	d.buf = d.buf[n:]
	return s
}

func (d *decoder) uint64() uint64 {
	if d.err != nil {
		return 0
	}
	if len(d.buf) < 8 {
		d.err = fmt.Errorf("%w: truncated count", ErrCorruptSnapshot)
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf)
	d.buf = d.buf[8:]
	return v
}
