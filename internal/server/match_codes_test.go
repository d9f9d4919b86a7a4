package server_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"match-server/internal/server"
)

func TestGenerateMatchCodeFormat(t *testing.T) {
	assert := assert.New(t)

	for range 100 {
		code := server.GenerateMatchCode(func(string) bool { return false })

		assert.Len(code, 6)
		for _, ch := range code {
			assert.True(ch >= 'A' && ch <= 'Z')
		}
	}
}

func TestGenerateMatchCodeAvoidsUsedCodes(t *testing.T) {
	used := make(map[string]bool)

	for range 1000 {
		code := server.GenerateMatchCode(func(c string) bool { return used[c] })
		assert.False(t, used[code], "Code %s was generated twice", code)
		used[code] = true
	}
	assert.Len(t, used, 1000)
}

func TestGenerateMatchCodeGivesUp(t *testing.T) {
	code := server.GenerateMatchCode(func(string) bool { return true })
	assert.Empty(t, code)
}

func TestValidateMatchCode(t *testing.T) {
	tests := []struct {
		code  string
		valid bool
	}{
		{"ABCDEF", true},
		{"abcdef", true},
		{"ABCDE", false},
		{"ABCDEFG", false},
		{"ABC1EF", false},
		{"", false},
	}

	for _, tt := range tests {
		err := server.ValidateMatchCode(tt.code)
		if tt.valid {
			assert.NoError(t, err, tt.code)
		} else {
			assert.Error(t, err, tt.code)
		}
	}

	assert.Equal(t, "ABCDEF", server.NormalizeMatchCode(" abcdef "))
}
