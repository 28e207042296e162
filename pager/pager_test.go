package pager

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/use-agent/screener/models"
)

func TestParseIndicator(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Bounds
	}{
		{"first page", "1-20 of 5000", Bounds{1, 20, 5000}},
		{"separators", " 4,981-5,000 of 5,000 ", Bounds{4981, 5000, 5000}},
		{"spaced dash", "21 - 40 of 61", Bounds{21, 40, 61}},
		{"empty listing", "0-0 of 0", Bounds{0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIndicator(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseIndicator_Malformed(t *testing.T) {
	for _, text := range []string{"", "loading...", "20-1 of 50", "1-60 of 50", "1-20 of"} {
		t.Run(text, func(t *testing.T) {
			_, err := ParseIndicator(text)
			require.Error(t, err)
			assert.True(t, models.HasCode(err, models.ErrCodePaginationRead))
			assert.True(t, models.IsTransient(err))
		})
	}
}

func TestBounds(t *testing.T) {
	b := Bounds{First: 41, Last: 47, Total: 47}
	assert.Equal(t, 7, b.Count())
	assert.False(t, b.HasMore())

	b = Bounds{First: 1, Last: 20, Total: 47}
	assert.Equal(t, 20, b.Count())
	assert.True(t, b.HasMore())

	assert.Equal(t, 0, Bounds{}.Count())
	assert.False(t, Bounds{}.HasMore())
}

type stubReader struct {
	first, last, total int
	err                error
}

func (s stubReader) SectionBounds(context.Context) (int, int, int, error) {
	return s.first, s.last, s.total, s.err
}

func TestRead(t *testing.T) {
	b, err := Read(context.Background(), stubReader{1, 20, 100, nil})
	require.NoError(t, err)
	assert.Equal(t, Bounds{1, 20, 100}, b)

	_, err = Read(context.Background(), stubReader{30, 20, 100, nil})
	assert.True(t, models.HasCode(err, models.ErrCodePaginationRead))

	cause := errors.New("boom")
	_, err = Read(context.Background(), stubReader{err: cause})
	assert.ErrorIs(t, err, cause)
}
