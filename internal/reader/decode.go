package reader

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/roach88/tessel/internal/ir"
	"github.com/roach88/tessel/internal/wire"
)

// Item is one decoded node. Dotted paths become nested maps and edge
// fields appear under their $-prefixed names.
type Item map[string]any

// ID returns the node id of the item.
func (it Item) ID() uint32 {
	id, _ := it["id"].(uint32)
	return id
}

// AggregateResult holds "count" and path -> function -> value entries; a
// grouped result nests those under each group key.
type AggregateResult map[string]any

// DecodeError reports a malformed or unexpected result buffer.
type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode result at offset %d: %s", e.Offset, e.Reason)
}

// IsDecodeError reports whether err is a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Checksum returns the trailing checksum word of a result.
func Checksum(buf []byte) (uint64, bool) {
	if len(buf) < 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(buf[len(buf)-8:]), true
}

// Decode turns a result buffer into []Item, a single Item (nil when the
// target was not found) or an AggregateResult.
func Decode(rs *Schema, buf []byte) (any, error) {
	body, err := verify(buf)
	if err != nil {
		return nil, err
	}
	r := wire.NewReader(body)
	var out any
	if rs.Aggregate != nil {
		out, err = decodeAggregate(rs.Aggregate, r)
	} else {
		var items []Item
		items, err = decodeItems(rs, r)
		out = items
		if err == nil && rs.Single {
			out = nil
			if len(items) > 0 {
				out = items[0]
			}
		}
	}
	if err != nil {
		return nil, err
	}
	if !r.Done() {
		return nil, &DecodeError{Offset: r.Pos(), Reason: fmt.Sprintf("%d trailing bytes", r.Remaining())}
	}
	return out, nil
}

// DecodeItems decodes an item result, ignoring Single.
func DecodeItems(rs *Schema, buf []byte) ([]Item, error) {
	body, err := verify(buf)
	if err != nil {
		return nil, err
	}
	r := wire.NewReader(body)
	items, err := decodeItems(rs, r)
	if err != nil {
		return nil, err
	}
	if !r.Done() {
		return nil, &DecodeError{Offset: r.Pos(), Reason: fmt.Sprintf("%d trailing bytes", r.Remaining())}
	}
	return items, nil
}

func verify(buf []byte) ([]byte, error) {
	if len(buf) < 12 {
		return nil, &DecodeError{Offset: 0, Reason: fmt.Sprintf("result too short: %d bytes", len(buf))}
	}
	body := buf[:len(buf)-8]
	sum, _ := Checksum(buf)
	if got := ir.Checksum(body); got != sum {
		return nil, &DecodeError{Offset: len(body), Reason: fmt.Sprintf("checksum mismatch: %016x != %016x", got, sum)}
	}
	return body, nil
}

func readErr(r *wire.Reader) error {
	err := r.Err()
	if err == nil {
		return nil
	}
	var te *wire.TruncatedError
	if errors.As(err, &te) {
		return &DecodeError{Offset: te.Offset, Reason: te.Error()}
	}
	if IsDecodeError(err) {
		return err
	}
	return &DecodeError{Offset: r.Pos(), Reason: err.Error()}
}

func decodeItems(rs *Schema, r *wire.Reader) ([]Item, error) {
	n := r.U32()
	if err := readErr(r); err != nil {
		return nil, err
	}
	// every item carries at least id and length
	if int64(n)*8 > int64(r.Remaining()) {
		return nil, &DecodeError{Offset: r.Pos(), Reason: fmt.Sprintf("%d items cannot fit in %d bytes", n, r.Remaining())}
	}
	items := make([]Item, 0, n)
	for i := uint32(0); i < n; i++ {
		item, err := decodeItem(rs, r)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func decodeItem(rs *Schema, r *wire.Reader) (Item, error) {
	id := r.U32()
	body := r.LenPrefixed()
	if err := readErr(r); err != nil {
		return nil, err
	}
	item := Item{"id": id}
	if err := decodeBlocks(rs, body, item); err != nil {
		return nil, err
	}
	return item, nil
}

// decodeBlocks consumes every block of one item level and fills fields the
// engine did not send.
func decodeBlocks(rs *Schema, r *wire.Reader, item Item) error {
	seen := make(map[uint8]bool)
	sawMain, sawEdge := false, false
	for !r.Done() {
		at := r.Pos()
		tag := r.U8()
		switch tag {
		case ResMain:
			n := r.U16()
			data := r.Bytes(int(n))
			if err := readErr(r); err != nil {
				return err
			}
			if len(data) != rs.MainLen {
				return &DecodeError{Offset: at, Reason: fmt.Sprintf("main block is %d bytes, want %d", len(data), rs.MainLen)}
			}
			for _, p := range rs.Main {
				setPath(item, p.Path, mainValue(p, data))
			}
			sawMain = true
		case ResField:
			p, data, err := fieldBlock(rs, r, at)
			if err != nil {
				return err
			}
			if err := putField(p, data, item, at); err != nil {
				return err
			}
			seen[p.ID] = true
		case ResMeta:
			p, err := lookup(rs, r.U8(), at)
			if err != nil {
				return err
			}
			if err := putMeta(p, r, item, at); err != nil {
				return err
			}
			seen[p.ID] = true
		case ResRef, ResRefs:
			id := r.U8()
			body := r.LenPrefixed()
			if err := readErr(r); err != nil {
				return err
			}
			p, err := lookup(rs, id, at)
			if err != nil {
				return err
			}
			if p.Ref == nil || (tag == ResRef) != (p.Tag == ir.TagReference) {
				return &DecodeError{Offset: at, Reason: fmt.Sprintf("block %d does not match %s field %q", tag, p.Tag, p.Path)}
			}
			var v any
			if tag == ResRef {
				v, err = decodeItem(p.Ref, body)
			} else {
				v, err = decodeItems(p.Ref, body)
			}
			if err != nil {
				return err
			}
			if !body.Done() {
				return &DecodeError{Offset: body.Pos(), Reason: fmt.Sprintf("%s: %d trailing bytes", p.Path, body.Remaining())}
			}
			setPath(item, p.Path, v)
			seen[p.ID] = true
		case ResEdge:
			body := r.LenPrefixed()
			if err := readErr(r); err != nil {
				return err
			}
			if rs.Edge == nil {
				return &DecodeError{Offset: at, Reason: "edge block without edge fields"}
			}
			if err := decodeBlocks(rs.Edge, body, item); err != nil {
				return err
			}
			sawEdge = true
		default:
			if err := readErr(r); err != nil {
				return err
			}
			return &DecodeError{Offset: at, Reason: fmt.Sprintf("unknown block tag %d", tag)}
		}
	}
	if err := readErr(r); err != nil {
		return err
	}
	if !sawMain && len(rs.Main) > 0 {
		zero := make([]byte, rs.MainLen)
		for _, p := range rs.Main {
			setPath(item, p.Path, mainValue(p, zero))
		}
	}
	for id, p := range rs.Props {
		if !seen[id] {
			setPath(item, p.Path, emptyValue(p))
		}
	}
	if rs.Edge != nil && !sawEdge {
		return decodeBlocks(rs.Edge, wire.NewReader(nil), item)
	}
	return nil
}

func lookup(rs *Schema, id uint8, at int) (*Prop, error) {
	p, ok := rs.Props[id]
	if !ok {
		return nil, &DecodeError{Offset: at, Reason: fmt.Sprintf("field %d was not requested", id)}
	}
	return p, nil
}

func fieldBlock(rs *Schema, r *wire.Reader, at int) (*Prop, []byte, error) {
	id := r.U8()
	n := r.U32()
	data := r.Bytes(int(n))
	if err := readErr(r); err != nil {
		return nil, nil, err
	}
	p, err := lookup(rs, id, at)
	if err != nil {
		return nil, nil, err
	}
	return p, data, nil
}

func mainValue(p *Prop, rec []byte) any {
	src := rec[p.Start : p.Start+p.Size]
	switch p.Tag {
	case ir.TagNumber:
		return wire.ReadFixed(src, p.Tag)
	case ir.TagBoolean:
		return src[0] != 0
	case ir.TagEnum:
		if idx := int(src[0]); idx > 0 && idx <= len(p.Enum) {
			return p.Enum[idx-1]
		}
		return nil
	case ir.TagString:
		return wire.ReadFixedString(src)
	}
	return int64(wire.ReadFixed(src, p.Tag))
}

func putField(p *Prop, data []byte, item Item, at int) error {
	fail := func(format string, args ...any) error {
		return &DecodeError{Offset: at, Reason: fmt.Sprintf("%s: ", p.Path) + fmt.Sprintf(format, args...)}
	}
	switch p.Tag {
	case ir.TagString, ir.TagAlias:
		s, _, err := wire.ReadCompressible(data)
		if err != nil {
			return fail("%v", err)
		}
		setPath(item, p.Path, string(s))
	case ir.TagBinary:
		b, _, err := wire.ReadCompressible(data)
		if err != nil {
			return fail("%v", err)
		}
		setPath(item, p.Path, append([]byte{}, b...))
	case ir.TagJSON:
		b, _, err := wire.ReadCompressible(data)
		if err != nil {
			return fail("%v", err)
		}
		var v any
		if len(b) > 0 {
			if err := json.Unmarshal(b, &v); err != nil {
				return fail("invalid json: %v", err)
			}
		}
		setPath(item, p.Path, v)
	case ir.TagText:
		if len(data) < 1 {
			return fail("missing locale byte")
		}
		tag, ok := localeTag(p, data[0])
		if !ok {
			return fail("unknown locale %d", data[0])
		}
		s, _, err := wire.ReadCompressible(data[1:])
		if err != nil {
			return fail("%v", err)
		}
		putText(p, item, tag, string(s))
	case ir.TagVector:
		v, err := decodeVector(p, data)
		if err != nil {
			return fail("%v", err)
		}
		setPath(item, p.Path, v)
	case ir.TagCardinality:
		if len(data) != 4 {
			return fail("cardinality is %d bytes, want 4", len(data))
		}
		setPath(item, p.Path, binary.LittleEndian.Uint32(data))
	default:
		return fail("unsupported type tag %s", p.Tag)
	}
	return nil
}

func localeTag(p *Prop, code uint8) (string, bool) {
	if code == 0 || int(code) > len(p.Locales) {
		return "", false
	}
	return p.Locales[code-1], true
}

func putText(p *Prop, item Item, locale string, v any) {
	if p.Locale != 0 {
		setPath(item, p.Path, v)
		return
	}
	m, _ := getPath(item, p.Path).(map[string]any)
	if m == nil {
		m = map[string]any{}
		setPath(item, p.Path, m)
	}
	m[locale] = v
}

func putMeta(p *Prop, r *wire.Reader, item Item, at int) error {
	code := r.U8()
	compressed := r.Bool()
	size := r.U32()
	crc := r.U32()
	n := r.U32()
	data := r.Bytes(int(n))
	if err := readErr(r); err != nil {
		return err
	}
	meta := Meta{Checksum: crc, Size: size, Compressed: compressed}
	if p.Mode == ModeBoth {
		s := ""
		if len(data) > 0 {
			raw, _, err := wire.ReadCompressible(data)
			if err != nil {
				return &DecodeError{Offset: at, Reason: fmt.Sprintf("%s: %v", p.Path, err)}
			}
			s = string(raw)
		}
		meta.Value = &s
	}
	if p.Tag == ir.TagText {
		tag, ok := localeTag(p, code)
		if !ok {
			return &DecodeError{Offset: at, Reason: fmt.Sprintf("%s: unknown locale %d", p.Path, code)}
		}
		putText(p, item, tag, meta)
		return nil
	}
	setPath(item, p.Path, meta)
	return nil
}

func decodeVector(p *Prop, data []byte) (any, error) {
	w := p.VectorBase.Width()
	if len(data)%w != 0 {
		return nil, fmt.Errorf("vector of %d bytes is not a multiple of %d", len(data), w)
	}
	n := len(data) / w
	switch p.VectorBase {
	case ir.VectorFloat32:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
		return out, nil
	case ir.VectorFloat64:
		out := make([]float64, n)
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
		}
		return out, nil
	case ir.VectorInt8:
		out := make([]int8, n)
		for i := range out {
			out[i] = int8(data[i])
		}
		return out, nil
	case ir.VectorUint8:
		return append([]uint8{}, data...), nil
	case ir.VectorInt16:
		out := make([]int16, n)
		for i := range out {
			out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
		}
		return out, nil
	case ir.VectorUint16:
		out := make([]uint16, n)
		for i := range out {
			out[i] = binary.LittleEndian.Uint16(data[i*2:])
		}
		return out, nil
	case ir.VectorInt32:
		out := make([]int32, n)
		for i := range out {
			out[i] = int32(binary.LittleEndian.Uint32(data[i*4:]))
		}
		return out, nil
	case ir.VectorUint32:
		out := make([]uint32, n)
		for i := range out {
			out[i] = binary.LittleEndian.Uint32(data[i*4:])
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown vector base %s", p.VectorBase)
}

// emptyValue is the canonical value of a requested field the engine did
// not send.
func emptyValue(p *Prop) any {
	if p.Mode != ModeValue && p.Tag.IsStringLike() {
		meta := Meta{}
		if p.Mode == ModeBoth {
			s := ""
			meta.Value = &s
		}
		if p.Tag == ir.TagText && p.Locale == 0 {
			return map[string]any{}
		}
		return meta
	}
	switch p.Tag {
	case ir.TagString, ir.TagAlias:
		return ""
	case ir.TagText:
		if p.Locale == 0 {
			return map[string]any{}
		}
		return ""
	case ir.TagBinary:
		return []byte{}
	case ir.TagJSON:
		return nil
	case ir.TagVector:
		v, _ := decodeVector(p, nil)
		return v
	case ir.TagCardinality:
		return uint32(0)
	case ir.TagReference:
		return nil
	case ir.TagReferences:
		return []Item{}
	}
	return nil
}

func setPath(item Item, path string, v any) {
	if !strings.Contains(path, ".") {
		item[path] = v
		return
	}
	parts := strings.Split(path, ".")
	m := map[string]any(item)
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[part] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
}

func getPath(item Item, path string) any {
	parts := strings.Split(path, ".")
	m := map[string]any(item)
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			return nil
		}
		m = next
	}
	return m[parts[len(parts)-1]]
}

func decodeAggregate(l *AggregateLayout, r *wire.Reader) (AggregateResult, error) {
	groups := r.U32()
	if err := readErr(r); err != nil {
		return nil, err
	}
	out := AggregateResult{}
	if l.GroupBy == nil && groups == 0 {
		for _, f := range l.Fields {
			putAgg(out, f, zeroAgg(f.Fn))
		}
		return out, nil
	}
	for i := uint32(0); i < groups; i++ {
		at := r.Pos()
		key := r.Bytes(int(r.U16()))
		vals := AggregateResult{}
		for _, f := range l.Fields {
			var v any
			if f.Fn.ResultSize() == 4 {
				v = int64(r.U32())
			} else {
				v = r.F64()
			}
			putAgg(vals, f, v)
		}
		if err := readErr(r); err != nil {
			return nil, err
		}
		if l.GroupBy == nil {
			for k, v := range vals {
				out[k] = v
			}
			continue
		}
		k, err := groupKey(l.GroupBy, key)
		if err != nil {
			return nil, &DecodeError{Offset: at, Reason: err.Error()}
		}
		out[k] = map[string]any(vals)
	}
	return out, nil
}

func zeroAgg(fn AggFn) any {
	if fn.ResultSize() == 4 {
		return int64(0)
	}
	return float64(0)
}

func putAgg(m AggregateResult, f AggField, v any) {
	if f.Fn == AggCount {
		m["count"] = v
		return
	}
	fns, ok := m[f.Path].(map[string]any)
	if !ok {
		fns = map[string]any{}
		m[f.Path] = fns
	}
	fns[f.Fn.String()] = v
}

func groupKey(g *GroupLayout, key []byte) (string, error) {
	if g.Interval != IntervalNone {
		if len(key) != 8 {
			return "", fmt.Errorf("time bucket key is %d bytes, want 8", len(key))
		}
		return FormatBucket(g.Interval, int64(binary.LittleEndian.Uint64(key))), nil
	}
	if size := g.Tag.FixedSize(); size > 0 && len(key) != size {
		return "", fmt.Errorf("group key for %s is %d bytes, want %d", g.Tag, len(key), size)
	}
	switch g.Tag {
	case ir.TagEnum:
		if idx := int(key[0]); idx > 0 && idx <= len(g.Enum) {
			return g.Enum[idx-1], nil
		}
		return "", nil
	case ir.TagBoolean:
		return strconv.FormatBool(key[0] != 0), nil
	case ir.TagReference:
		if len(key) != 4 {
			return "", fmt.Errorf("reference group key is %d bytes, want 4", len(key))
		}
		return strconv.FormatUint(uint64(binary.LittleEndian.Uint32(key)), 10), nil
	}
	if g.Tag.IsNumeric() {
		return strconv.FormatFloat(wire.ReadFixed(key, g.Tag), 'f', -1, 64), nil
	}
	return string(key), nil
}
