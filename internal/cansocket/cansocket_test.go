package cansocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpenUnknownInterfaceFails(t *testing.T) {
	_, err := Open("can-does-not-exist-0", 0, false)
	if err == nil {
		t.Fatal("expected an error opening a nonexistent interface")
	}
	assert.Error(t, err)
}
