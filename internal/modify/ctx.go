package modify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/roach88/tessel/internal/clock"
	"github.com/roach88/tessel/internal/schema"
	"github.com/roach88/tessel/internal/wire"
)

// DefaultMaxSize is the default modify buffer limit.
const DefaultMaxSize = 5 << 20

// FlushFunc hands a finished buffer to the engine and returns its
// acknowledgement.
type FlushFunc func(ctx context.Context, buf []byte) (*Result, error)

// Options configures a Ctx.
type Options struct {
	MaxSize           int // 0 = DefaultMaxSize
	CompressThreshold int // 0 = wire.DefaultCompressThreshold, < 0 disables compression
	Flush             FlushFunc
	Clock             clock.Clock
	Logger            *slog.Logger
}

// Ctx is an encoding context: one buffer, the handles of the batch it
// holds, and the pending merge-main patches of the operation being
// encoded.
//
// Thread-safety: Ctx is not safe for concurrent use. The client serializes
// access and holds its lock across any flush an encode call triggers.
type Ctx struct {
	s         *schema.Schema
	buf       *wire.Buffer
	max       int
	threshold int
	flush     FlushFunc
	clock     clock.Clock
	logger    *slog.Logger

	batch    []*Handle
	gen      uint64
	merge    []mergeEntry
	op       uint8
	typ      string
	overflow int
}

type mergeEntry struct {
	start int
	data  []byte
}

// NewCtx creates an encoding context for s.
func NewCtx(s *schema.Schema, opts Options) *Ctx {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.CompressThreshold == 0 {
		opts.CompressThreshold = wire.DefaultCompressThreshold
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Ctx{
		s:         s,
		buf:       wire.NewBuffer(min(opts.MaxSize, 64<<10), opts.MaxSize),
		max:       opts.MaxSize,
		threshold: opts.CompressThreshold,
		flush:     opts.Flush,
		clock:     opts.Clock,
		logger:    opts.Logger,
	}
	c.buf.PutU64(s.Hash)
	return c
}

// Schema returns the schema generation the context encodes for.
func (c *Ctx) Schema() *schema.Schema { return c.s }

// SetSchema switches to a new schema generation. The batch must be empty.
func (c *Ctx) SetSchema(s *schema.Schema) error {
	if len(c.batch) > 0 {
		return fmt.Errorf("modify: %d operations pending, flush before switching schema", len(c.batch))
	}
	c.s = s
	c.buf.Reset()
	c.buf.PutU64(s.Hash)
	return nil
}

// Len is the number of buffered bytes, header included.
func (c *Ctx) Len() int { return c.buf.Len() }

// Pending is the number of operations in the unflushed batch.
func (c *Ctx) Pending() int { return len(c.batch) }

// Create encodes a new node of typ. Missing props get their defaults.
func (c *Ctx) Create(ctx context.Context, typ string, values map[string]any) (*Handle, error) {
	return c.encode(ctx, OpCreate, typ, nil, values, 0)
}

// Update encodes changes to an existing node. target is a node id or a
// Handle.
func (c *Ctx) Update(ctx context.Context, typ string, target any, values map[string]any) (*Handle, error) {
	return c.encode(ctx, OpUpdate, typ, target, values, 0)
}

// Upsert updates the node matching the alias values in values, or creates
// it.
func (c *Ctx) Upsert(ctx context.Context, typ string, values map[string]any) (*Handle, error) {
	return c.encode(ctx, OpUpsert, typ, nil, values, 0)
}

// Delete encodes the removal of a node.
func (c *Ctx) Delete(ctx context.Context, typ string, target any) (*Handle, error) {
	return c.encode(ctx, OpDelete, typ, target, nil, 0)
}

// Expire schedules the removal of a node after ttl, rounded up to whole
// seconds.
func (c *Ctx) Expire(ctx context.Context, typ string, target any, ttl time.Duration) (*Handle, error) {
	return c.encode(ctx, OpExpire, typ, target, nil, ttl)
}

func (c *Ctx) encode(ctx context.Context, op uint8, typ string, target any, values map[string]any, ttl time.Duration) (*Handle, error) {
	t, ok := c.s.Type(typ)
	if !ok || t.Edge {
		return nil, fmt.Errorf("%s: unknown type %q", OpName(op), typ)
	}
	err := c.write(op, t, target, values, ttl)
	if errors.Is(err, errOverflow) {
		c.logger.Debug("modify buffer full, flushing",
			"op", OpName(op),
			"type", t.Name,
			"buffered", c.buf.Len(),
			"needed", c.overflow)
		if err := c.Flush(ctx); err != nil {
			return nil, err
		}
		err = c.write(op, t, target, values, ttl)
		if errors.Is(err, errOverflow) {
			return nil, &PayloadTooLargeError{Op: OpName(op), Type: t.Name, Size: HeaderLen + c.overflow, Max: c.max}
		}
	}
	if err != nil {
		return nil, err
	}
	h := newHandle(c, op, t.Name, uint32(len(c.batch)+1))
	c.batch = append(c.batch, h)
	return h, nil
}

// write appends one operation. On any error the buffer is rewound to the
// operation start.
func (c *Ctx) write(op uint8, t *schema.Type, target any, values map[string]any, ttl time.Duration) (err error) {
	start := c.buf.Len()
	c.merge = c.merge[:0]
	c.op, c.typ = op, t.Name
	defer func() {
		if err != nil {
			c.buf.Truncate(start)
		}
	}()

	kind, id := TargetNone, uint32(0)
	if op != OpCreate && op != OpUpsert {
		if kind, id, err = c.ref(t, "id", target); err != nil {
			return err
		}
	}
	c.buf.PutU8(op)
	c.buf.PutU16(t.ID)
	c.buf.PutU8(kind)
	c.buf.PutU32(id)
	c.buf.PutU32(uint32(len(c.batch) + 1))

	switch op {
	case OpCreate:
		err = c.createBody(t, values)
	case OpUpdate:
		err = c.updateBody(t, values)
	case OpUpsert:
		err = c.upsertBody(t, values)
	case OpExpire:
		if ttl <= 0 {
			return invalid(t.Name, "ttl", ttl, "must be positive")
		}
		secs := math.Ceil(ttl.Seconds())
		if secs > math.MaxUint32 {
			return invalid(t.Name, "ttl", ttl, "is too long")
		}
		c.buf.PutU32(uint32(secs))
	}
	if err != nil {
		return err
	}
	c.buf.PutU8(EndMarker)
	if !c.buf.Fits() {
		c.overflow = c.buf.Len() - start
		return errOverflow
	}
	return nil
}

// Flush sends the batch to the engine and settles its handles. An empty
// batch is not sent.
func (c *Ctx) Flush(ctx context.Context) error {
	if len(c.batch) == 0 {
		return nil
	}
	buf := c.buf.Detach()
	batch := c.batch
	c.batch = nil
	c.gen++
	c.buf.PutU64(c.s.Hash)

	if c.flush == nil {
		err := errors.New("modify: no flush function configured")
		settle(batch, nil, err)
		return err
	}
	res, err := c.flush(ctx, buf)
	if err != nil {
		err = fmt.Errorf("flush %d operations: %w", len(batch), err)
	}
	settle(batch, res, err)
	return err
}

func settle(batch []*Handle, res *Result, err error) {
	if err != nil {
		for _, h := range batch {
			h.settle(0, err)
		}
		return
	}
	acks := make(map[uint32]Ack, len(res.Acks))
	for _, a := range res.Acks {
		acks[a.Handle] = a
	}
	for _, h := range batch {
		a, ok := acks[h.num]
		switch {
		case !ok:
			h.settle(0, &AckError{Op: OpName(h.op), Type: h.typ, Status: StatusInvalid})
		case a.Status == StatusOK:
			h.settle(a.ID, nil)
		case a.Status == StatusRejected:
			h.settle(0, &DependencyError{Op: OpName(h.op), Type: h.typ, Reason: "a referenced operation was not applied"})
		default:
			h.settle(0, &AckError{Op: OpName(h.op), Type: h.typ, Status: a.Status})
		}
	}
}

// ref resolves a node id or Handle to a cursor or reference target.
func (c *Ctx) ref(t *schema.Type, path string, v any) (uint8, uint32, error) {
	if h, ok := v.(*Handle); ok && h != nil {
		if h.typ != "" && h.typ != t.Name {
			return 0, 0, invalid(c.typ, path, h.typ, "handle of %s, want %s", h.typ, t.Name)
		}
		if id, ok := h.ID(); ok {
			return TargetReal, id, nil
		}
		if err := h.Err(); err != nil {
			return 0, 0, &DependencyError{
				Op:     OpName(c.op),
				Type:   c.typ,
				Reason: fmt.Sprintf("%s %s was rejected", OpName(h.op), h.typ),
				Err:    err,
			}
		}
		if h.ctx == c && h.gen == c.gen && h.pending() {
			return TargetTemp, h.num, nil
		}
		return 0, 0, &DependencyError{Op: OpName(c.op), Type: c.typ, Reason: "handle is not part of the pending batch"}
	}
	f, ok := schema.ToFloat(v)
	if !ok || f < 1 || f > math.MaxUint32 || f != math.Trunc(f) {
		return 0, 0, invalid(c.typ, path, v, "must be a node id or handle")
	}
	return TargetReal, uint32(f), nil
}
