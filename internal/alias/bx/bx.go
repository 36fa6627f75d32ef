// stand for bytes helper
package bx

import "encoding/binary"

var LE = binary.LittleEndian

// --- LE: At (offset) ---
func U16At(b []byte, off int) uint16       { return LE.Uint16(b[off:]) }
func U32At(b []byte, off int) uint32       { return LE.Uint32(b[off:]) }
func PutU16At(b []byte, off int, v uint16) { LE.PutUint16(b[off:], v) }
func PutU32At(b []byte, off int, v uint32) { LE.PutUint32(b[off:], v) }

// Writer appends fixed-width fields to a buffer.
type Writer struct {
	Buf []byte
}

func (w *Writer) U8(v uint8) { w.Buf = append(w.Buf, v) }

func (w *Writer) U16(v uint16) { w.Buf = LE.AppendUint16(w.Buf, v) }

func (w *Writer) U32(v uint32) { w.Buf = LE.AppendUint32(w.Buf, v) }

func (w *Writer) Bytes(b []byte) { w.Buf = append(w.Buf, b...) }

// Fixed writes s zero-padded (or cut) to n bytes.
func (w *Writer) Fixed(s string, n int) {
	start := len(w.Buf)
	w.Buf = append(w.Buf, make([]byte, n)...)
	copy(w.Buf[start:], s)
}

// Reader consumes fixed-width fields. Once a read runs past the end every
// later read returns zero values and Err reports true.
type Reader struct {
	Buf []byte
	Off int
	bad bool
}

func (r *Reader) take(n int) []byte {
	if r.bad || r.Off+n > len(r.Buf) {
		r.bad = true
		return make([]byte, n)
	}
	b := r.Buf[r.Off : r.Off+n]
	r.Off += n
	return b
}

func (r *Reader) U8() uint8 { return r.take(1)[0] }

func (r *Reader) U16() uint16 { return LE.Uint16(r.take(2)) }

func (r *Reader) U32() uint32 { return LE.Uint32(r.take(4)) }

func (r *Reader) Bytes(n int) []byte { return r.take(n) }

// Fixed reads n bytes and trims the zero padding.
func (r *Reader) Fixed(n int) string {
	b := r.take(n)
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return string(b[:end])
}

func (r *Reader) Err() bool { return r.bad }

func (r *Reader) Remaining() int { return len(r.Buf) - r.Off }
