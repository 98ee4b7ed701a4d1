package source

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strawlab/microfview/errors"
)

func TestSynthInfo(t *testing.T) {
	s := NewSynth(WithSize(320, 240), WithFPS(0), WithColor(false))
	info := s.Info()
	assert.Equal(t, "synth", info.Name)
	assert.Equal(t, 320, info.Width)
	assert.Equal(t, 240, info.Height)
	assert.False(t, info.Color)
}

func TestSynthSequenceIsMonotonic(t *testing.T) {
	s := NewSynth(WithSize(64, 64), WithFPS(0))
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		f, err := s.Next(ctx)
		require.NoError(t, err)
		require.NotNil(t, f)
		assert.Equal(t, want, f.Seq)
		assert.Equal(t, 64, f.Width())
		assert.NotNil(t, f.Metadata)
	}
}

func TestSynthLimitEndsStream(t *testing.T) {
	s := NewSynth(WithSize(32, 32), WithFPS(0), WithLimit(3))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Next(ctx)
		require.NoError(t, err)
	}

	_, err := s.Next(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrEndOfStream)
}

func TestSynthCloseEndsStream(t *testing.T) {
	s := NewSynth(WithSize(32, 32), WithFPS(0))
	require.NoError(t, s.Close())

	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, errors.ErrEndOfStream)
}

func TestSynthColorMode(t *testing.T) {
	colorSrc := NewSynth(WithSize(32, 32), WithFPS(0), WithColor(true))
	f, err := colorSrc.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, f.IsColor())

	graySrc := NewSynth(WithSize(32, 32), WithFPS(0), WithColor(false))
	f, err = graySrc.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, f.IsColor())
}
