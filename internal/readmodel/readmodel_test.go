package readmodel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewPage(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	items := []OrderView{
		{ID: "o1", ProjectedAt: at},
		{ID: "o2", ProjectedAt: at.Add(time.Minute)},
		{ID: "o3", ProjectedAt: at.Add(-time.Hour)},
	}

	p := NewPage(items, 7, 1, 3)
	assert.Equal(t, at.Add(time.Minute), p.ProjectedAt)
	assert.Equal(t, 7, p.TotalCount)
	assert.Equal(t, 3, p.TotalPages())

	empty := NewPage(nil, 0, 0, 20)
	assert.True(t, empty.ProjectedAt.IsZero())
	assert.Zero(t, empty.TotalPages())
}
