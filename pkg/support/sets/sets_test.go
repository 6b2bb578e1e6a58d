// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	// Sets are created empty.
	s := Make[int](10)
	assert.Len(t, s, 0)

	// Check inserting and recovery.
	s.Insert(3, 7)
	assert.Len(t, s, 2)
	assert.True(t, s.Has(3))
	assert.True(t, s.Has(7))
	assert.False(t, s.Has(5))

	s2 := MakeWith(5, 7)
	s3 := s.Sub(s2)
	assert.Len(t, s3, 1)
	assert.True(t, s3.Has(3))

	u := s.Union(s2)
	assert.Equal(t, []int{3, 5, 7}, Sorted(u))
	assert.Len(t, s, 2, "Union must not modify the receiver")

	delete(s, 7)
	assert.True(t, s.Equal(s3))
	assert.False(t, s.Equal(s2))
}

func TestNilSet(t *testing.T) {
	var s Set[int]
	assert.False(t, s.Has(1))
	assert.True(t, s.Equal(Make[int]()))
	c := s.Clone()
	assert.NotNil(t, c)
	c.Insert(2)
	assert.Equal(t, "{2}", Format(c))
	assert.Equal(t, "{}", Format(s))
}
