package lberr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapPreservesChain(t *testing.T) {
	parent := errors.New("dial failed")
	err := Wrap(CodeKernelApply, "applying table", parent)

	assert.ErrorIs(t, err, parent)
	assert.Equal(t, CodeKernelApply, CodeOf(err))
}

func TestIsComparesByCode(t *testing.T) {
	a := New(CodeConfig, "bad config")
	b := New(CodeConfig, "different message, same code")
	c := New(CodeDNSResolve, "unrelated")

	assert.True(t, a.Is(b))
	assert.False(t, a.Is(c))
}
