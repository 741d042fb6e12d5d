package invocation

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/specialistvlad/pmigo/internal/failure"
	"github.com/specialistvlad/pmigo/internal/identity"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/zclconf/go-cty/cty"
	ctymsgpack "github.com/zclconf/go-cty/cty/msgpack"
)

// FrameKind is the low nibble of a frame's header byte.
type FrameKind uint8

const (
	FrameInvocation FrameKind = 1
	FrameReply      FrameKind = 2
	FrameHello      FrameKind = 3
)

const (
	kindMask       = 0x0f
	flagCompressed = 0x80

	// DefaultCompressThreshold is the body size above which frames are
	// compressed when compression is enabled.
	DefaultCompressThreshold = 1024
)

var errEmptyFrame = errors.New("empty frame")

// Codec turns records into frames and back. The zero value encodes without
// compression and decodes anything.
type Codec struct {
	Compress  bool
	Threshold int
}

type wireInvocation struct {
	Seq        uint64 `msgpack:"s"`
	Handle     uint64 `msgpack:"h,omitempty"`
	Op         uint8  `msgpack:"o"`
	Class      string `msgpack:"c,omitempty"`
	Member     string `msgpack:"m,omitempty"`
	Args       []byte `msgpack:"a,omitempty"`
	Refs       []int  `msgpack:"r,omitempty"`
	Collective bool   `msgpack:"k,omitempty"`
	Target     int    `msgpack:"t"`
}

type wireReply struct {
	Seq      uint64 `msgpack:"s"`
	Rank     int    `msgpack:"r"`
	Value    []byte `msgpack:"v,omitempty"`
	HasValue bool   `msgpack:"hv,omitempty"`
	FailKind uint8  `msgpack:"fk,omitempty"`
	FailMsg  string `msgpack:"fm,omitempty"`
}

type wireHello struct {
	Rank  int    `msgpack:"r"`
	JobID string `msgpack:"j"`
}

// Kind returns the kind of a frame without decoding its body.
func Kind(frame []byte) (FrameKind, error) {
	if len(frame) == 0 {
		return 0, failure.Protocol("%v", errEmptyFrame)
	}
	return FrameKind(frame[0] & kindMask), nil
}

// EncodeInvocation encodes inv into a frame.
func (c Codec) EncodeInvocation(inv *Invocation) ([]byte, error) {
	args, err := encodeValues(inv.Args)
	if err != nil {
		return nil, fmt.Errorf("encoding arguments of %s: %w", inv, err)
	}
	return c.frame(FrameInvocation, &wireInvocation{
		Seq:        inv.Seq,
		Handle:     uint64(inv.Handle),
		Op:         uint8(inv.Op),
		Class:      inv.Class,
		Member:     inv.Member,
		Args:       args,
		Refs:       inv.Refs,
		Collective: inv.Collective,
		Target:     inv.Target,
	})
}

// DecodeInvocation decodes a frame produced by EncodeInvocation.
func (c Codec) DecodeInvocation(frame []byte) (*Invocation, error) {
	var w wireInvocation
	if err := c.unframe(frame, FrameInvocation, &w); err != nil {
		return nil, err
	}
	op := Op(w.Op)
	if !op.Valid() {
		return nil, failure.Protocol("invocation #%d has unknown op %d", w.Seq, w.Op)
	}
	args, err := decodeValues(w.Args)
	if err != nil {
		return nil, failure.Protocol("invocation #%d has malformed arguments: %v", w.Seq, err)
	}
	for _, r := range w.Refs {
		if r < 0 || r >= len(args) {
			return nil, failure.Protocol("invocation #%d marks argument %d as a handle, but carries %d arguments", w.Seq, r, len(args))
		}
	}
	return &Invocation{
		Seq:        w.Seq,
		Handle:     identity.Handle(w.Handle),
		Op:         op,
		Class:      w.Class,
		Member:     w.Member,
		Args:       args,
		Refs:       w.Refs,
		Collective: w.Collective,
		Target:     w.Target,
	}, nil
}

// EncodeReply encodes r into a frame.
func (c Codec) EncodeReply(r *Reply) ([]byte, error) {
	w := &wireReply{
		Seq:      r.Seq,
		Rank:     r.Rank,
		HasValue: r.HasValue,
		FailKind: uint8(r.FailKind),
		FailMsg:  r.FailMsg,
	}
	if r.HasValue {
		b, err := ctymsgpack.Marshal(r.Value, cty.DynamicPseudoType)
		if err != nil {
			return nil, fmt.Errorf("encoding result of #%d: %w", r.Seq, err)
		}
		w.Value = b
	}
	return c.frame(FrameReply, w)
}

// DecodeReply decodes a frame produced by EncodeReply.
func (c Codec) DecodeReply(frame []byte) (*Reply, error) {
	var w wireReply
	if err := c.unframe(frame, FrameReply, &w); err != nil {
		return nil, err
	}
	r := &Reply{
		Seq:      w.Seq,
		Rank:     w.Rank,
		HasValue: w.HasValue,
		FailKind: failure.Kind(w.FailKind),
		FailMsg:  w.FailMsg,
	}
	if w.HasValue {
		v, err := ctymsgpack.Unmarshal(w.Value, cty.DynamicPseudoType)
		if err != nil {
			return nil, failure.Protocol("reply #%d from rank %d has a malformed value: %v", w.Seq, w.Rank, err)
		}
		r.Value = v
	}
	return r, nil
}

// EncodeHello encodes a transport handshake.
func (c Codec) EncodeHello(h Hello) ([]byte, error) {
	return c.frame(FrameHello, &wireHello{Rank: h.Rank, JobID: h.JobID})
}

// DecodeHello decodes a frame produced by EncodeHello.
func (c Codec) DecodeHello(frame []byte) (Hello, error) {
	var w wireHello
	if err := c.unframe(frame, FrameHello, &w); err != nil {
		return Hello{}, err
	}
	return Hello{Rank: w.Rank, JobID: w.JobID}, nil
}

func (c Codec) frame(kind FrameKind, v any) ([]byte, error) {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return nil, err
	}

	header := byte(kind)
	threshold := c.Threshold
	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}
	if c.Compress && len(body) >= threshold {
		var buf bytes.Buffer
		buf.WriteByte(header | flagCompressed)
		w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	out := make([]byte, 0, len(body)+1)
	out = append(out, header)
	return append(out, body...), nil
}

func (c Codec) unframe(frame []byte, want FrameKind, v any) error {
	kind, err := Kind(frame)
	if err != nil {
		return err
	}
	if kind != want {
		return failure.Protocol("expected frame kind %d, got %d", want, kind)
	}

	body := frame[1:]
	if frame[0]&flagCompressed != 0 {
		body, err = io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
		if err != nil {
			return failure.Protocol("decompressing frame: %v", err)
		}
	}
	if err := msgpack.Unmarshal(body, v); err != nil {
		return failure.Protocol("decoding frame: %v", err)
	}
	return nil
}

// encodeValues packs the values as one tuple so that each element keeps its
// own dynamic type on the wire.
func encodeValues(vals []cty.Value) ([]byte, error) {
	if len(vals) == 0 {
		return nil, nil
	}
	return ctymsgpack.Marshal(cty.TupleVal(vals), cty.DynamicPseudoType)
}

func decodeValues(b []byte) ([]cty.Value, error) {
	if len(b) == 0 {
		return nil, nil
	}
	tuple, err := ctymsgpack.Unmarshal(b, cty.DynamicPseudoType)
	if err != nil {
		return nil, err
	}
	if !tuple.Type().IsTupleType() {
		return nil, fmt.Errorf("expected a tuple, got %s", tuple.Type().FriendlyName())
	}
	return tuple.AsValueSlice(), nil
}
