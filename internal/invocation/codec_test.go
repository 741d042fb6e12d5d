package invocation

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/specialistvlad/pmigo/internal/failure"
	"github.com/specialistvlad/pmigo/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

var valueComparer = cmp.Comparer(func(a, b cty.Value) bool {
	if a.Type() == cty.NilType || b.Type() == cty.NilType {
		return a.Type() == b.Type()
	}
	return a.RawEquals(b)
})

func TestCodec_Invocation(t *testing.T) {
	tests := []struct {
		name  string
		codec Codec
		inv   *Invocation
	}{
		{
			name: "construct with mixed arguments",
			inv: &Invocation{
				Seq:    1,
				Handle: 1,
				Op:     OpConstruct,
				Class:  "VerletList",
				Args: []cty.Value{
					identity.RefVal(7),
					cty.NumberFloatVal(2.5),
					cty.TupleVal([]cty.Value{cty.NumberIntVal(1), cty.StringVal("x")}),
				},
				Refs:   []int{0},
				Target: AllWorkers,
			},
		},
		{
			name: "targeted call without arguments",
			inv: &Invocation{
				Seq:    42,
				Handle: 3,
				Op:     OpCall,
				Class:  "FENE",
				Member: "debugDump",
				Target: 2,
			},
		},
		{
			name: "shutdown",
			inv:  &Invocation{Seq: 9, Op: OpShutdown, Collective: true, Target: AllWorkers},
		},
		{
			name:  "compressed set",
			codec: Codec{Compress: true, Threshold: 16},
			inv: &Invocation{
				Seq:    5,
				Handle: 2,
				Op:     OpSet,
				Class:  "Storage",
				Member: "label",
				Args:   []cty.Value{cty.StringVal(strings.Repeat("particle ", 200))},
				Target: AllWorkers,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := tt.codec.EncodeInvocation(tt.inv)
			require.NoError(t, err)

			kind, err := Kind(frame)
			require.NoError(t, err)
			assert.Equal(t, FrameInvocation, kind)

			got, err := tt.codec.DecodeInvocation(frame)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.inv, got, valueComparer); diff != "" {
				t.Errorf("invocation mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCodec_CompressionShrinksLargeFrames(t *testing.T) {
	inv := &Invocation{
		Seq:    1,
		Op:     OpSet,
		Args:   []cty.Value{cty.StringVal(strings.Repeat("a", 4096))},
		Target: AllWorkers,
	}

	plain, err := Codec{}.EncodeInvocation(inv)
	require.NoError(t, err)
	packed, err := Codec{Compress: true}.EncodeInvocation(inv)
	require.NoError(t, err)

	assert.Less(t, len(packed), len(plain))
	assert.NotZero(t, packed[0]&flagCompressed)
	assert.Zero(t, plain[0]&flagCompressed)

	// A decoder without compression enabled still reads compressed frames.
	got, err := Codec{}.DecodeInvocation(packed)
	require.NoError(t, err)
	assert.True(t, got.Args[0].RawEquals(inv.Args[0]))
}

func TestCodec_Reply(t *testing.T) {
	codec := Codec{}

	t.Run("value", func(t *testing.T) {
		want := Success(3, 1, cty.ListVal([]cty.Value{cty.NumberIntVal(1), cty.NumberIntVal(2)}))
		frame, err := codec.EncodeReply(want)
		require.NoError(t, err)
		got, err := codec.DecodeReply(frame)
		require.NoError(t, err)
		if diff := cmp.Diff(want, got, valueComparer); diff != "" {
			t.Errorf("reply mismatch (-want +got):\n%s", diff)
		}
		assert.NoError(t, got.Err())
	})

	t.Run("no value", func(t *testing.T) {
		frame, err := codec.EncodeReply(Success(4, 0, cty.NilVal))
		require.NoError(t, err)
		got, err := codec.DecodeReply(frame)
		require.NoError(t, err)
		assert.False(t, got.HasValue)
		assert.False(t, got.Failed())
	})

	t.Run("failure", func(t *testing.T) {
		frame, err := codec.EncodeReply(Failure(5, 2, failure.Protocol("handle #9 is not bound")))
		require.NoError(t, err)
		got, err := codec.DecodeReply(frame)
		require.NoError(t, err)
		require.True(t, got.Failed())

		err = got.Err()
		assert.ErrorIs(t, err, failure.ErrProtocol)
		assert.Equal(t, "protocol (rank 2): handle #9 is not bound", err.Error())
	})
}

func TestCodec_Hello(t *testing.T) {
	frame, err := Codec{}.EncodeHello(Hello{Rank: 3, JobID: "job-1"})
	require.NoError(t, err)
	got, err := Codec{}.DecodeHello(frame)
	require.NoError(t, err)
	assert.Equal(t, Hello{Rank: 3, JobID: "job-1"}, got)
}

func TestCodec_RejectsMalformedFrames(t *testing.T) {
	codec := Codec{}
	reply, err := codec.EncodeReply(Success(1, 0, cty.True))
	require.NoError(t, err)

	tests := []struct {
		name  string
		frame []byte
	}{
		{name: "empty", frame: nil},
		{name: "wrong kind", frame: reply},
		{name: "garbage body", frame: []byte{byte(FrameInvocation), 0xc1, 0xc1}},
		{name: "bad compression", frame: []byte{byte(FrameInvocation) | flagCompressed, 1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.DecodeInvocation(tt.frame)
			assert.ErrorIs(t, err, failure.ErrProtocol)
		})
	}

	t.Run("unknown op", func(t *testing.T) {
		frame, err := codec.EncodeInvocation(&Invocation{Seq: 1, Op: Op(99)})
		require.NoError(t, err)
		_, err = codec.DecodeInvocation(frame)
		assert.ErrorIs(t, err, failure.ErrProtocol)
		assert.Contains(t, err.Error(), "unknown op 99")
	})

	t.Run("handle position outside the arguments", func(t *testing.T) {
		frame, err := codec.EncodeInvocation(&Invocation{Seq: 1, Op: OpCall, Args: []cty.Value{cty.True}, Refs: []int{1}})
		require.NoError(t, err)
		_, err = codec.DecodeInvocation(frame)
		assert.ErrorIs(t, err, failure.ErrProtocol)
		assert.Contains(t, err.Error(), "marks argument 1 as a handle")
	})
}

func TestInvocation_IsRef(t *testing.T) {
	inv := &Invocation{Args: []cty.Value{cty.True, cty.True, cty.True}, Refs: []int{0, 2}}
	assert.True(t, inv.IsRef(0))
	assert.False(t, inv.IsRef(1))
	assert.True(t, inv.IsRef(2))
	assert.False(t, (&Invocation{}).IsRef(0))
}

func TestInvocation_Addressing(t *testing.T) {
	all := &Invocation{Op: OpCall, Target: AllWorkers, Collective: true}
	one := &Invocation{Op: OpCall, Target: 1}
	set := &Invocation{Op: OpSet, Target: AllWorkers}

	assert.True(t, all.AddressedTo(0))
	assert.True(t, all.Replies(2))
	assert.True(t, one.AddressedTo(1))
	assert.False(t, one.AddressedTo(0))
	assert.False(t, one.Replies(0))
	assert.True(t, one.Replies(1))
	assert.True(t, set.AddressedTo(0))
	assert.False(t, set.Replies(0))
}
