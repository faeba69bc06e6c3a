package event

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(calls *[]string, name string) ListenerFunc {
	return func(ctx context.Context, p Payload) error {
		*calls = append(*calls, name)
		return nil
	}
}

func TestDispatcher_StructuredMatching(t *testing.T) {
	ctx := context.Background()
	emitted := Structured{
		DimPhase:     "pre",
		DimOperation: "create",
		DimEntity:    "user",
	}

	t.Run("partial matcher fires on dimension subset", func(t *testing.T) {
		d := NewDispatcher()
		var calls []string
		d.Register(Structured{DimPhase: "pre"}, record(&calls, "phase-only"))
		d.Register(Structured{DimPhase: "pre", DimEntity: "user"}, record(&calls, "phase+entity"))

		require.NoError(t, d.Dispatch(ctx, Payload{Type: emitted}))
		assert.Equal(t, []string{"phase-only", "phase+entity"}, calls)
	})

	t.Run("disagreeing dimension does not fire", func(t *testing.T) {
		d := NewDispatcher()
		var calls []string
		d.Register(Structured{DimPhase: "post"}, record(&calls, "post"))
		d.Register(Structured{DimPhase: "pre", DimOperation: "delete"}, record(&calls, "delete"))

		require.NoError(t, d.Dispatch(ctx, Payload{Type: emitted}))
		assert.Empty(t, calls)
	})

	t.Run("extra declared dimension does not fire", func(t *testing.T) {
		d := NewDispatcher()
		var calls []string
		d.Register(Structured{DimPhase: "pre", DimSubPhase: "validate"}, record(&calls, "sub"))

		require.NoError(t, d.Dispatch(ctx, Payload{Type: emitted}))
		assert.Empty(t, calls)
	})

	t.Run("wildcard fires for every dispatch", func(t *testing.T) {
		d := NewDispatcher()
		var calls []string
		d.Register(Wildcard, record(&calls, "wild"))

		require.NoError(t, d.Dispatch(ctx, Payload{Type: emitted}))
		require.NoError(t, d.Dispatch(ctx, Payload{Type: Global("custom")}))
		assert.Equal(t, []string{"wild", "wild"}, calls)
	})

	t.Run("dispatching the wildcard delivers wildcard listeners once", func(t *testing.T) {
		d := NewDispatcher()
		var calls []string
		d.Register(Wildcard, record(&calls, "wild"))

		require.NoError(t, d.Dispatch(ctx, Payload{Type: Wildcard}))
		assert.Equal(t, []string{"wild"}, calls)
	})

	t.Run("emitted matcher must be concrete", func(t *testing.T) {
		d := NewDispatcher()
		err := d.Dispatch(ctx, Payload{Type: Structured{DimPhase: ""}})
		require.Error(t, err)
	})

	t.Run("nil type is an error", func(t *testing.T) {
		d := NewDispatcher()
		require.Error(t, d.Dispatch(ctx, Payload{}))
	})
}

func TestDispatcher_GlobalMatching(t *testing.T) {
	ctx := context.Background()
	d := NewDispatcher()
	var calls []string
	d.Register(Global("saved"), record(&calls, "saved"))
	d.Register(Global("other"), record(&calls, "other"))

	require.NoError(t, d.Dispatch(ctx, Payload{Type: Global("saved")}))
	assert.Equal(t, []string{"saved"}, calls)
}

func TestDispatcher_Order(t *testing.T) {
	ctx := context.Background()
	d := NewDispatcher()
	var calls []string
	// interleave registration across different keys; dispatch order follows
	// registration order, not key order
	d.Register(Structured{DimEntity: "user"}, record(&calls, "a"))
	d.Register(Wildcard, record(&calls, "b"))
	d.Register(Structured{DimPhase: "pre"}, record(&calls, "c"))

	require.NoError(t, d.Dispatch(ctx, Payload{Type: Structured{DimPhase: "pre", DimEntity: "user"}}))
	assert.Equal(t, []string{"a", "b", "c"}, calls)
}

func TestDispatcher_ErrorIsolation(t *testing.T) {
	ctx := context.Background()
	d := NewDispatcher()
	var calls []string
	d.Register(Global("e"), func(ctx context.Context, p Payload) error {
		calls = append(calls, "fails")
		return errors.New("boom")
	})
	d.Register(Global("e"), func(ctx context.Context, p Payload) error {
		calls = append(calls, "panics")
		panic("boom")
	})
	d.Register(Global("e"), record(&calls, "survives"))

	require.NoError(t, d.Dispatch(ctx, Payload{Type: Global("e")}))
	assert.Equal(t, []string{"fails", "panics", "survives"}, calls)
}

func TestDispatcher_Async(t *testing.T) {
	ctx := context.Background()
	d := NewDispatcher()
	var n atomic.Int32
	d.Register(Global("e"), func(ctx context.Context, p Payload) error {
		n.Add(1)
		return nil
	}, Async())
	d.Register(Global("e"), func(ctx context.Context, p Payload) error {
		n.Add(1)
		return nil
	}, Async())

	require.NoError(t, d.Dispatch(ctx, Payload{Type: Global("e")}))
	d.Drain()
	assert.Equal(t, int32(2), n.Load())
}

func TestDispatcher_Unregister(t *testing.T) {
	ctx := context.Background()
	d := NewDispatcher()
	var calls []string
	off := d.Register(Global("e"), record(&calls, "gone"))
	d.Register(Global("e"), record(&calls, "stays"))
	off()

	require.NoError(t, d.Dispatch(ctx, Payload{Type: Global("e")}))
	assert.Equal(t, []string{"stays"}, calls)
}

func TestDispatcher_DefaultsTimestamp(t *testing.T) {
	ctx := context.Background()
	d := NewDispatcher()
	var got Payload
	d.Register(Global("e"), func(ctx context.Context, p Payload) error {
		got = p
		return nil
	})
	require.NoError(t, d.Dispatch(ctx, Payload{Type: Global("e")}))
	assert.False(t, got.Timestamp.IsZero())
}

func TestStructured_CanonicalKey(t *testing.T) {
	a := Structured{DimPhase: "pre", DimEntity: "user"}
	b := Structured{DimEntity: "user", DimPhase: "pre"}
	assert.Equal(t, a.registrationKey(), b.registrationKey())
}
