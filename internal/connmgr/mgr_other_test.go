//go:build !linux

package connmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewUnsupported(t *testing.T) {
	m, err := New(Options{Adapter: "hci0"})
	assert.Nil(t, m)
	assert.ErrorIs(t, err, ErrUnsupported)
}
