package grid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIndex(t *testing.T) {
	for i := range 40 {
		g, cell := Index(i)
		assert.Equal(t, i/9, g, "shot %d", i)
		assert.Equal(t, i%9, cell, "shot %d", i)
	}
}

func TestCount(t *testing.T) {
	tests := []struct {
		shots, want int
	}{
		{0, 0}, {1, 1}, {9, 1}, {10, 2}, {18, 2}, {19, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Count(tt.shots), "%d shots", tt.shots)
	}
}

func TestBounds(t *testing.T) {
	start, end := Bounds(1, 14)
	assert.Equal(t, 9, start)
	assert.Equal(t, 14, end)

	start, end = Bounds(3, 14)
	assert.Equal(t, start, end)
}
