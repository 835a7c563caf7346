package ws

import (
	"errors"
	"fmt"

	"github.com/roach88/tessel/internal/engine"
	"github.com/roach88/tessel/internal/ir"
	"github.com/roach88/tessel/internal/modify"
	"github.com/roach88/tessel/internal/schema"
	"github.com/roach88/tessel/internal/wire"
)

// Frame kinds. Every frame is one binary WebSocket message:
//
//	kind u8 | id u64 | body
//
// Requests carry a client-chosen id echoed by their reply. A subscribe
// request's id also names the subscription in later data frames. An empty
// message is a keepalive.
const (
	kindSetSchema   uint8 = 1 // body: hash u64, canonical JSON declaration
	kindModify      uint8 = 2 // body: modify buffer
	kindQuery       uint8 = 3 // body: query program
	kindSubscribe   uint8 = 4 // body: query program
	kindUnsubscribe uint8 = 5 // no body

	kindOK       uint8 = 16 // body: reply payload
	kindAck      uint8 = 17 // body: count u32, then handle u32, id u32, status u8
	kindError    uint8 = 18 // body: error
	kindData     uint8 = 19 // body: result buffer
	kindSubError uint8 = 20 // body: error
	kindSchema   uint8 = 21 // body: hash u64, canonical JSON declaration
)

const frameHeader = 9

var kindNames = map[uint8]string{
	kindSetSchema:   "set-schema",
	kindModify:      "modify",
	kindQuery:       "query",
	kindSubscribe:   "subscribe",
	kindUnsubscribe: "unsubscribe",
	kindOK:          "ok",
	kindAck:         "ack",
	kindError:       "error",
	kindData:        "data",
	kindSubError:    "sub-error",
	kindSchema:      "schema",
}

func kindName(k uint8) string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", k)
}

type frame struct {
	kind uint8
	id   uint64
	body []byte
}

func newFrame(kind uint8, id uint64, body []byte) []byte {
	b := wire.NewBuffer(frameHeader+len(body), 0)
	b.PutU8(kind)
	b.PutU64(id)
	b.PutBytes(body)
	return b.Bytes()
}

func parseFrame(msg []byte) (frame, error) {
	r := wire.NewReader(msg)
	f := frame{kind: r.U8(), id: r.U64()}
	if err := r.Err(); err != nil {
		return frame{}, fmt.Errorf("frame header: %w", err)
	}
	f.body = r.Rest()
	return f, nil
}

func encodeSchema(s *schema.Schema) ([]byte, error) {
	decl, err := ir.MarshalCanonical(s.Decl.Canonical())
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	b := wire.NewBuffer(8+len(decl), 0)
	b.PutU64(s.Hash)
	b.PutBytes(decl)
	return b.Bytes(), nil
}

// decodeSchema compiles a pushed declaration and checks it against the
// hash the sender computed.
func decodeSchema(body []byte) (*schema.Schema, error) {
	r := wire.NewReader(body)
	hash := r.U64()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("schema frame: %w", err)
	}
	decl, err := schema.LoadJSON(r.Rest())
	if err != nil {
		return nil, err
	}
	s, err := schema.Compile(decl)
	if err != nil {
		return nil, err
	}
	if s.Hash != hash {
		return nil, fmt.Errorf("schema frame: hash %016x, compiles to %016x", hash, s.Hash)
	}
	return s, nil
}

func encodeAcks(res *modify.Result) []byte {
	b := wire.NewBuffer(4+9*len(res.Acks), 0)
	b.PutU32(uint32(len(res.Acks)))
	for _, a := range res.Acks {
		b.PutU32(a.Handle)
		b.PutU32(a.ID)
		b.PutU8(uint8(a.Status))
	}
	return b.Bytes()
}

func decodeAcks(body []byte) (*modify.Result, error) {
	r := wire.NewReader(body)
	n := r.U32()
	if r.Err() == nil && int64(n)*9 != int64(r.Remaining()) {
		return nil, fmt.Errorf("ack frame: %d acks in %d bytes", n, r.Remaining())
	}
	res := &modify.Result{Acks: make([]modify.Ack, 0, n)}
	for i := uint32(0); i < n; i++ {
		res.Acks = append(res.Acks, modify.Ack{Handle: r.U32(), ID: r.U32(), Status: modify.Status(r.U8())})
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("ack frame: %w", err)
	}
	return res, nil
}

// encodeError flattens err to an engine error so its code survives the
// wire. Errors without a code travel as INTERNAL.
func encodeError(err error) []byte {
	var ee *engine.Error
	if !errors.As(err, &ee) {
		ee = &engine.Error{Code: engine.ErrCodeInternal, Message: err.Error()}
	}
	b := wire.NewBuffer(64, 0)
	putString(b, string(ee.Code))
	putString(b, ee.Message)
	b.PutU16(uint16(len(ee.Details)))
	for k, v := range ee.Details {
		putString(b, k)
		putString(b, v)
	}
	return b.Bytes()
}

func decodeError(body []byte) error {
	r := wire.NewReader(body)
	ee := &engine.Error{Code: engine.ErrorCode(getString(r)), Message: getString(r)}
	if n := r.U16(); n > 0 {
		ee.Details = make(map[string]string, n)
		for range n {
			k := getString(r)
			ee.Details[k] = getString(r)
		}
	}
	if err := r.Err(); err != nil {
		return fmt.Errorf("error frame: %w", err)
	}
	return ee
}

func putString(b *wire.Buffer, s string) {
	pos := b.BeginLen()
	b.PutString(s)
	b.EndLen(pos)
}

func getString(r *wire.Reader) string {
	return string(r.LenPrefixed().Rest())
}
