package controller

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/specialistvlad/pmigo/internal/capability"
	"github.com/specialistvlad/pmigo/internal/channel"
	"github.com/specialistvlad/pmigo/internal/failure"
	"github.com/specialistvlad/pmigo/internal/invocation"
	"github.com/specialistvlad/pmigo/internal/native"
	"github.com/specialistvlad/pmigo/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

const particlesHCL = `
class "Particles" {
  description        = "Per-rank particle store"
  authoritative_rank = 1

  constructor {
    arg "n" {
      type = number
    }
    arg "label" {
      type    = string
      default = "p"
    }
  }

  property "count" {
    type      = number
    reduction = "sum"
  }
  property "label" {
    type = string
  }
  property "note" {
    type  = string
    local = true
  }
  property "origin" {
    type     = number
    readonly = true
  }
  property "home" {
    type     = number
    local    = true
    readonly = true
  }

  call "add" {
    reduction = "none"
    arg "n" {
      type = number
    }
  }
  call "ranks" {
    reduction = "gather"
    returns   = number
  }
  call "vector" {
    reduction = "sum"
    returns   = list(number)
  }
  call "whoami" {
    collective = false
    returns    = number
  }
  call "absorb" {
    reduction = "sum"
    arg "other" {
      type = handle
    }
  }
  call "explode" {
    reduction = "none"
  }
  call "echo" {
    arg "v" {
      type = any
    }
  }
}
`

const cellHCL = `
class "Cell" {
  property "value" {
    type = number
  }
}
`

type cell struct {
	Value float64 `pmi:"value"`
}

type particles struct {
	Count  float64 `pmi:"count"`
	Label  string  `pmi:"label"`
	Note   string  `pmi:"note"`
	Origin float64 `pmi:"origin"`
	Home   int     `pmi:"home"`
	rank   int
}

func newParticles(ctx context.Context, n float64, label string) (*particles, error) {
	if label == "broken" {
		return nil, errors.New("refusing to build broken particles")
	}
	rank := native.EnvFrom(ctx).Rank
	return &particles{Count: n, Label: label, Origin: float64(rank), Home: rank, rank: rank}, nil
}

func (p *particles) Add(n float64)               { p.Count += n }
func (p *particles) Ranks() int                  { return p.rank }
func (p *particles) Vector() []float64           { return []float64{1, float64(p.rank)} }
func (p *particles) Whoami() int                 { return p.rank }
func (p *particles) Absorb(o *particles) float64 { return o.Count }
func (p *particles) Explode()                    { panic("boom") }
func (p *particles) Echo(v cty.Value) cty.Value  { return v }

type job struct {
	d     *Dispatcher
	loops []*worker.Loop
	errs  chan error
}

func newJob(t *testing.T, workers int) *job {
	t.Helper()
	natives := native.NewRegistry()
	natives.RegisterClass("Particles", newParticles)
	return newJobFrom(t, workers, particlesHCL, natives)
}

func newJobFrom(t *testing.T, workers int, src string, natives *native.Registry) *job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	caps, err := capability.Parse(ctx, []byte(src), "fixture.hcl")
	require.NoError(t, err)
	require.NoError(t, natives.ValidateAgainst(ctx, caps))

	l := channel.NewLocal(workers, 0)
	j := &job{
		d:    NewDispatcher(channel.NewController(l), caps),
		errs: make(chan error, workers),
	}
	for rank := 0; rank < workers; rank++ {
		loop := worker.New(channel.NewWorker(l.Endpoint(rank), invocation.Codec{}), natives, workers)
		j.loops = append(j.loops, loop)
		go func() { j.errs <- loop.Run(ctx) }()
	}
	return j
}

func (j *job) finish(t *testing.T) []error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, j.d.Shutdown(ctx))

	var errs []error
	for range j.loops {
		select {
		case err := <-j.errs:
			errs = append(errs, err)
		case <-time.After(5 * time.Second):
			t.Fatal("worker loop did not finish")
		}
	}
	return errs
}

func (j *job) local(t *testing.T, rank int, obj *Object) *particles {
	t.Helper()
	return localAs[*particles](t, j, rank, obj)
}

func localAs[T any](t *testing.T, j *job, rank int, obj *Object) T {
	t.Helper()
	o, err := j.loops[rank].Object(obj.Handle())
	require.NoError(t, err)
	v, ok := native.Unwrap(o).(T)
	require.True(t, ok, "rank %d holds %T", rank, native.Unwrap(o))
	return v
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDispatcher_PropertiesAndCalls(t *testing.T) {
	ctx := testContext(t)
	j := newJob(t, 3)
	pc, err := j.d.Class("Particles")
	require.NoError(t, err)

	p, err := pc.New(ctx, 2)
	require.NoError(t, err)

	count, err := As[float64](p.Get(ctx, "count"))
	require.NoError(t, err)
	assert.Equal(t, 6.0, count)

	require.NoError(t, p.Set(ctx, "count", 5))
	v, err := p.Call(ctx, "add", 1)
	require.NoError(t, err)
	assert.Equal(t, cty.NilType, v.Type(), "reduction none discards the results")

	count, err = As[float64](p.Get(ctx, "count"))
	require.NoError(t, err)
	assert.Equal(t, 18.0, count)

	label, err := As[string](p.Get(ctx, "label"))
	require.NoError(t, err)
	assert.Equal(t, "p", label)

	origin, err := As[int](p.Get(ctx, "origin"))
	require.NoError(t, err)
	assert.Equal(t, 1, origin, "first_rank_only reads the authoritative rank")

	ranks, err := As[[]int](p.Call(ctx, "ranks"))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, ranks)

	vec, err := As[[]float64](p.Call(ctx, "vector"))
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 3}, vec)

	who, err := As[int](p.Call(ctx, "whoami"))
	require.NoError(t, err)
	assert.Equal(t, 1, who)

	who, err = As[int](p.CallOn(ctx, 2, "whoami"))
	require.NoError(t, err)
	assert.Equal(t, 2, who)

	for _, err := range j.finish(t) {
		assert.NoError(t, err)
	}
	for rank := range j.loops {
		assert.Equal(t, 6.0, j.local(t, rank, p).Count)
	}
}

func TestDispatcher_Kwargs(t *testing.T) {
	ctx := testContext(t)
	j := newJob(t, 2)
	pc := j.d.MustClass("Particles")

	p, err := pc.New(ctx, Kwargs{"label": "named", "n": 4})
	require.NoError(t, err)
	label, err := As[string](p.Get(ctx, "label"))
	require.NoError(t, err)
	assert.Equal(t, "named", label)

	_, err = p.Call(ctx, "add", Kwargs{"n": 1})
	require.NoError(t, err)

	j.finish(t)
	assert.Equal(t, 5.0, j.local(t, 0, p).Count)
}

func TestDispatcher_SetGetRoundTripForAnyJobSize(t *testing.T) {
	for _, workers := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("%d workers", workers), func(t *testing.T) {
			ctx := testContext(t)
			natives := native.NewRegistry()
			natives.RegisterClass("Cell", func() *cell { return &cell{} })
			j := newJobFrom(t, workers, cellHCL, natives)

			c, err := j.d.MustClass("Cell").New(ctx)
			require.NoError(t, err)
			require.NoError(t, c.Set(ctx, "value", 4.25))
			got, err := As[float64](c.Get(ctx, "value"))
			require.NoError(t, err)
			assert.Equal(t, 4.25, got)

			for _, err := range j.finish(t) {
				assert.NoError(t, err)
			}
			for rank := 0; rank < workers; rank++ {
				assert.Equal(t, 4.25, localAs[*cell](t, j, rank, c).Value, "rank %d", rank)
			}
		})
	}
}

func TestDispatcher_LocalPropertyIsReadFromAuthoritativeRank(t *testing.T) {
	ctx := testContext(t)
	j := newJob(t, 3)
	p, err := j.d.MustClass("Particles").New(ctx, 0)
	require.NoError(t, err)

	home, err := As[int](p.Get(ctx, "home"))
	require.NoError(t, err)
	assert.Equal(t, 1, home)

	require.NoError(t, p.Set(ctx, "note", "hello"))
	note, err := As[string](p.Get(ctx, "note"))
	require.NoError(t, err)
	assert.Equal(t, "hello", note)

	j.finish(t)
	for rank := range j.loops {
		assert.Equal(t, "hello", j.local(t, rank, p).Note, "writes reach rank %d", rank)
	}
}

func TestDispatcher_ReferenceShapedDataStaysData(t *testing.T) {
	ctx := testContext(t)
	j := newJob(t, 2)
	p, err := j.d.MustClass("Particles").New(ctx, 3)
	require.NoError(t, err)

	// Looks like a reference to p itself, but is passed as plain data.
	data := cty.ObjectVal(map[string]cty.Value{
		"pmi_handle": cty.NumberUIntVal(uint64(p.Handle())),
	})
	v, err := p.Call(ctx, "echo", data)
	require.NoError(t, err)
	require.True(t, v.Type().IsObjectType(), "got %s", v.Type().FriendlyName())
	assert.True(t, v.GetAttr("pmi_handle").Equals(cty.NumberUIntVal(uint64(p.Handle()))).True())

	for _, err := range j.finish(t) {
		assert.NoError(t, err)
	}
}

func TestDispatcher_HandleArguments(t *testing.T) {
	ctx := testContext(t)
	j := newJob(t, 3)
	pc := j.d.MustClass("Particles")

	a, err := pc.New(ctx, 4)
	require.NoError(t, err)
	b, err := pc.New(ctx, 7)
	require.NoError(t, err)
	assert.Less(t, a.Handle(), b.Handle())

	total, err := As[float64](a.Call(ctx, "absorb", b))
	require.NoError(t, err)
	assert.Equal(t, 21.0, total)

	require.NoError(t, b.Release(ctx))
	sent := j.d.Sent()
	_, err = a.Call(ctx, "absorb", b)
	assert.ErrorIs(t, err, failure.ErrConfiguration)
	assert.Equal(t, sent, j.d.Sent())

	j.finish(t)
	_, err = j.loops[0].Object(b.Handle())
	assert.ErrorIs(t, err, failure.ErrProtocol)
}

func TestDispatcher_ConfigurationErrorsSendNothing(t *testing.T) {
	ctx := testContext(t)
	j := newJob(t, 2)
	pc := j.d.MustClass("Particles")
	p, err := pc.New(ctx, 1)
	require.NoError(t, err)
	released, err := pc.New(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, released.Release(ctx))
	var nilObject *Object

	tests := []struct {
		name    string
		run     func() error
		wantMsg string
	}{
		{"unknown class", func() error { _, err := j.d.Class("Nope"); return err }, "Nope"},
		{"unknown property", func() error { _, err := p.Get(ctx, "nope"); return err }, `no property "nope"`},
		{"unknown call", func() error { _, err := p.Call(ctx, "nope"); return err }, `no call "nope"`},
		{"property used as call", func() error { _, err := p.Call(ctx, "count"); return err }, "is a property"},
		{"too many arguments", func() error { _, err := p.Call(ctx, "add", 1, 2); return err }, "takes 1 arguments, got 2"},
		{"missing argument", func() error { _, err := p.Call(ctx, "add"); return err }, `missing required argument "n"`},
		{"wrong argument type", func() error { _, err := p.Call(ctx, "add", "lots"); return err }, `argument "n"`},
		{"unknown keyword", func() error { _, err := pc.New(ctx, Kwargs{"n": 1, "colour": "red"}); return err }, `"colour"`},
		{"read-only property", func() error { return p.Set(ctx, "origin", 3) }, "read-only"},
		{"property value of wrong type", func() error { return p.Set(ctx, "count", []string{"a"}) }, "cannot use"},
		{"plain value for handle", func() error { _, err := p.Call(ctx, "absorb", 5); return err }, "must be a proxied object"},
		{"object for plain value", func() error { _, err := p.Call(ctx, "add", p); return err }, "got a Particles object"},
		{"collective call on one rank", func() error { _, err := p.CallOn(ctx, 0, "ranks"); return err }, "is collective"},
		{"rank outside the job", func() error { _, err := p.CallOn(ctx, 2, "whoami"); return err }, "outside the job"},
		{"released object", func() error { _, err := released.Get(ctx, "count"); return err }, "released"},
		{"double release", func() error { return released.Release(ctx) }, "released"},
		{"nil object for plain value", func() error { _, err := p.Call(ctx, "add", nilObject); return err }, "nil object"},
		{"nil object for handle", func() error { _, err := p.Call(ctx, "absorb", nilObject); return err }, "nil object"},
		{"get on nil object", func() error { _, err := nilObject.Get(ctx, "count"); return err }, "nil object"},
		{"set on nil object", func() error { return nilObject.Set(ctx, "count", 1) }, "nil object"},
		{"call on nil object", func() error { _, err := nilObject.CallOn(ctx, 0, "whoami"); return err }, "nil object"},
		{"release nil object", func() error { return nilObject.Release(ctx) }, "nil object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sent := j.d.Sent()
			err := tt.run()
			require.ErrorIs(t, err, failure.ErrConfiguration)
			assert.Contains(t, err.Error(), tt.wantMsg)
			assert.Equal(t, sent, j.d.Sent(), "nothing may reach the workers")
		})
	}

	assert.NoError(t, j.d.Err())
	for _, err := range j.finish(t) {
		assert.NoError(t, err)
	}
}

func TestDispatcher_AuthoritativeRankOutsideJob(t *testing.T) {
	j := newJob(t, 1)
	_, err := j.d.Class("Particles")
	require.ErrorIs(t, err, failure.ErrConfiguration)
	assert.Contains(t, err.Error(), "authoritative rank 1")
	j.finish(t)
}

func TestDispatcher_NativeFailureEndsJob(t *testing.T) {
	ctx := testContext(t)
	j := newJob(t, 3)
	p, err := j.d.MustClass("Particles").New(ctx, 1)
	require.NoError(t, err)

	_, err = p.Call(ctx, "explode")
	require.ErrorIs(t, err, failure.ErrNative)
	assert.Contains(t, err.Error(), "boom")

	_, err = p.Get(ctx, "count")
	assert.ErrorIs(t, err, failure.ErrNative, "later operations fail fast")
	assert.ErrorIs(t, j.d.Err(), failure.ErrNative)

	for _, err := range j.finish(t) {
		assert.ErrorIs(t, err, failure.ErrNative)
	}
}

func TestDispatcher_ConstructorFailureSurfacesAtNextWait(t *testing.T) {
	ctx := testContext(t)
	j := newJob(t, 2)
	p, err := j.d.MustClass("Particles").New(ctx, 1, "broken")
	require.NoError(t, err, "construction does not wait")

	_, err = p.Get(ctx, "count")
	require.ErrorIs(t, err, failure.ErrNative)
	assert.Contains(t, err.Error(), "refusing to build broken particles")
	j.finish(t)
}

func TestDispatcher_AfterShutdown(t *testing.T) {
	ctx := testContext(t)
	j := newJob(t, 2)
	p, err := j.d.MustClass("Particles").New(ctx, 1)
	require.NoError(t, err)
	j.finish(t)

	_, err = p.Get(ctx, "count")
	assert.ErrorIs(t, err, channel.ErrClosed)
	assert.NoError(t, j.d.Shutdown(ctx), "shutdown is idempotent")
}

func TestAs(t *testing.T) {
	n, err := As[int](cty.NumberIntVal(3), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = As[int](cty.NilVal, nil)
	assert.ErrorIs(t, err, ErrNoValue)

	boom := errors.New("boom")
	_, err = As[int](cty.NumberIntVal(3), boom)
	assert.Same(t, boom, err)

	_, err = As[int](cty.StringVal("x"), nil)
	assert.Error(t, err)
}

func TestConform_ListAsTuple(t *testing.T) {
	vec := cty.Tuple([]cty.Type{cty.Number, cty.Number, cty.Number})

	v, err := conform("dist", []float64{1, 2, 3}, vec)
	require.NoError(t, err)
	assert.True(t, v.Type().Equals(vec))
	assert.True(t, v.Index(cty.NumberIntVal(2)).Equals(cty.NumberIntVal(3)).True())

	out, err := As[[]float64](v, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, out)

	_, err = conform("dist", []float64{1, 2}, vec)
	require.ErrorIs(t, err, failure.ErrConfiguration)
	assert.ErrorContains(t, err, "needs 3 elements, got 2")

	_, err = conform("dist", []string{"a", "b", "c"}, vec)
	assert.ErrorIs(t, err, failure.ErrConfiguration)
}
