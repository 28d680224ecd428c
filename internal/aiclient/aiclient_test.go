package aiclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewReturnsNilWhenDisabled(t *testing.T) {
	assert.Nil(t, New("", "", nil))
}

func TestNewBuildsClientWhenAPIKeySet(t *testing.T) {
	c := New("sk-test", "", nil)
	assert.NotNil(t, c)
	assert.Implements(t, (*Client)(nil), c)
}
