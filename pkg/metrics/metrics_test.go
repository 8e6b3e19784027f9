package metrics

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticGetKnown(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := NewStatic(func() time.Time { return fixed })
	p.Set("error_rate", 0.02)

	sample, err := p.Get(context.Background(), Query{Name: "error_rate"})
	require.NoError(t, err)
	assert.Equal(t, 0.02, sample.Value)
	assert.True(t, sample.SampledAt.Equal(fixed), "expected injected clock time, got %v", sample.SampledAt)
}

func TestStaticGetUnknown(t *testing.T) {
	p := NewStatic(nil)
	_, err := p.Get(context.Background(), Query{Name: "nope"})
	assert.True(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)
}

func TestStaticGetNaNIsTypeMismatch(t *testing.T) {
	p := NewStatic(nil)
	p.Set("broken", math.NaN())
	_, err := p.Get(context.Background(), Query{Name: "broken"})
	require.Error(t, err)
	var mismatch *TypeMismatchError
	assert.ErrorAs(t, err, &mismatch, "expected a NaN sample to surface as TypeMismatchError")
}

func TestStaticSnapshot(t *testing.T) {
	p := NewStatic(nil)
	p.SetAll(map[string]float64{"a": 1, "b": 2})
	snap := p.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, float64(1), snap["a"])
	assert.Equal(t, float64(2), snap["b"])
}
