package reader

import (
	"github.com/roach88/tessel/internal/ir"
	"github.com/roach88/tessel/internal/wire"
)

// ResultWriter builds result buffers in the layout Decode reads. Item
// counts and length prefixes are patched as frames close.
type ResultWriter struct {
	buf   *wire.Buffer
	lists []listFrame
}

type listFrame struct {
	pos int // count position, -1 for a single reference
	n   uint32
}

// NewResultWriter starts an empty result.
func NewResultWriter() *ResultWriter {
	w := &ResultWriter{buf: wire.NewBuffer(256, 0)}
	w.lists = []listFrame{{pos: w.buf.Reserve(4)}}
	return w
}

// BeginItem opens an item in the innermost list.
func (w *ResultWriter) BeginItem(id uint32) int {
	w.lists[len(w.lists)-1].n++
	w.buf.PutU32(id)
	return w.buf.BeginLen()
}

// EndItem closes the item opened at pos.
func (w *ResultWriter) EndItem(pos int) { w.buf.EndLen(pos) }

// Main writes a main record block.
func (w *ResultWriter) Main(rec []byte) {
	w.buf.PutU8(ResMain)
	w.buf.PutU16(uint16(len(rec)))
	w.buf.PutBytes(rec)
}

// Field writes a separate field block.
func (w *ResultWriter) Field(id uint8, payload []byte) {
	w.buf.PutU8(ResField)
	w.buf.PutU8(id)
	w.buf.PutU32(uint32(len(payload)))
	w.buf.PutBytes(payload)
}

// Meta writes a metadata block; value is the stored payload or nil.
func (w *ResultWriter) Meta(id, locale uint8, compressed bool, size, crc uint32, value []byte) {
	w.buf.PutU8(ResMeta)
	w.buf.PutU8(id)
	w.buf.PutU8(locale)
	w.buf.PutBool(compressed)
	w.buf.PutU32(size)
	w.buf.PutU32(crc)
	w.buf.PutU32(uint32(len(value)))
	w.buf.PutBytes(value)
}

// BeginRef opens a single reference; exactly one item follows.
func (w *ResultWriter) BeginRef(id uint8) int {
	w.buf.PutU8(ResRef)
	w.buf.PutU8(id)
	pos := w.buf.BeginLen()
	w.lists = append(w.lists, listFrame{pos: -1})
	return pos
}

// EndRef closes the reference opened at pos.
func (w *ResultWriter) EndRef(pos int) {
	w.lists = w.lists[:len(w.lists)-1]
	w.buf.EndLen(pos)
}

// BeginRefs opens a reference list.
func (w *ResultWriter) BeginRefs(id uint8) int {
	w.buf.PutU8(ResRefs)
	w.buf.PutU8(id)
	pos := w.buf.BeginLen()
	w.lists = append(w.lists, listFrame{pos: w.buf.Reserve(4)})
	return pos
}

// EndRefs closes the list opened at pos and patches its count.
func (w *ResultWriter) EndRefs(pos int) {
	f := w.lists[len(w.lists)-1]
	w.lists = w.lists[:len(w.lists)-1]
	w.buf.PatchU32(f.pos, f.n)
	w.buf.EndLen(pos)
}

// BeginEdge opens the edge block of a referenced item.
func (w *ResultWriter) BeginEdge() int {
	w.buf.PutU8(ResEdge)
	return w.buf.BeginLen()
}

// EndEdge closes the edge block opened at pos.
func (w *ResultWriter) EndEdge(pos int) { w.buf.EndLen(pos) }

// Group writes one aggregate group. Values are narrowed to each function's
// result width.
func (w *ResultWriter) Group(l *AggregateLayout, key []byte, values []float64) {
	w.lists[0].n++
	w.buf.PutU16(uint16(len(key)))
	w.buf.PutBytes(key)
	for i, f := range l.Fields {
		if f.Fn.ResultSize() == 4 {
			w.buf.PutU32(uint32(values[i]))
		} else {
			w.buf.PutF64(values[i])
		}
	}
}

// Finish patches the top-level count, appends the checksum and returns the
// buffer.
func (w *ResultWriter) Finish() []byte {
	w.buf.PatchU32(w.lists[0].pos, w.lists[0].n)
	w.buf.PutU64(ir.Checksum(w.buf.Bytes()))
	return w.buf.Detach()
}
