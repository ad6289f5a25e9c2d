// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := Make[string](10)
	assert.Len(t, s, 0)

	s.Insert("the", "of")
	assert.Len(t, s, 2)
	assert.True(t, s.Has("the"))
	assert.False(t, s.Has("paris"))

	s2 := MakeWith("of", "a")
	assert.True(t, s.Intersects(s2))
	assert.False(t, s.Intersects(MakeWith("paris")))

	u := s.Union(s2)
	assert.Equal(t, []string{"a", "of", "the"}, Sorted(u))
	assert.True(t, u.Equal(MakeWith("a", "of", "the")))
	assert.False(t, u.Equal(s))
}
