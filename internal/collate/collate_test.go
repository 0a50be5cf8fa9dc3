package collate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "myserver", Key("MyServer"))
	assert.Equal(t, "steve", Key("  Steve "))
	assert.Equal(t, Key("STRASSE"), Key("Straße"))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal("Steve", "steve"))
	assert.True(t, Equal("ΣΊΣΥΦΟΣ", "σίσυφος"))
	assert.False(t, Equal("steve", "alex"))
}
