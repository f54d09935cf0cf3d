package minigfs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCarriesCode(t *testing.T) {
	err := Errorf(FileNotFound, "file %v does not exist", "/a")
	assert.Equal(t, "file /a does not exist", err.Error())
	assert.Equal(t, FileNotFound, CodeOf(err))

	// anything not produced by Errorf maps to UnknownError
	assert.Equal(t, UnknownError, CodeOf(nil))
	assert.Equal(t, UnknownError, CodeOf(fmt.Errorf("plain")))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Errorf(LeaseConflict, "chunk is leased")))
	assert.False(t, Retryable(Errorf(StaleVersion, "version moved")))
	assert.False(t, Retryable(nil))
}
