package logring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingOrderAndWraparound(t *testing.T) {
	assert := assert.New(t)

	r := New()
	for i := 0; i < Size+10; i++ {
		r.Add(fmt.Sprintf("entry-%d", i))
	}

	dump := r.Dump()
	assert.Len(dump, Size)
	assert.Equal("entry-10", dump[0], "oldest surviving entry should be the 11th written")
	assert.Equal(fmt.Sprintf("entry-%d", Size+9), dump[Size-1])
}

func TestRingPartiallyFilled(t *testing.T) {
	assert := assert.New(t)

	r := New()
	r.Add("a")
	r.Add("b")

	assert.Equal([]string{"a", "b"}, r.Dump())
}
