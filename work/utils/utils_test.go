package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObfuscateURL(t *testing.T) {
	assert.Equal(t, "", ObfuscateURL(""))
	assert.Equal(t, "http://portal.example:8080/***?***", ObfuscateURL("http://portal.example:8080/stalker_portal/server/load.php?mac=00:1A"))
	assert.Equal(t, "http://portal.example", ObfuscateURL("http://portal.example/"))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.0 KiB", FormatBytes(1024))
	assert.Equal(t, "1.5 MiB", FormatBytes(1536*1024))
}
