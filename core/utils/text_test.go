package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompleteRunes(t *testing.T) {
	ni := []byte("ab你") // 'a' 'b' + 3 字节
	cases := []struct {
		in   []byte
		want int
	}{
		{nil, 0},
		{[]byte("abc"), 3},
		{ni, 5},
		{ni[:4], 2},
		{ni[:3], 2},
		{[]byte("😀"), 4},
		{[]byte("😀")[:3], 0},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CompleteRunes(c.in), "%q", c.in)
	}
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", TruncateString("short", 10))
	assert.Equal(t, "ab", TruncateString("ab你好", 4))
	assert.Equal(t, "ab你", TruncateString("ab你好", 5))
	assert.Equal(t, "", TruncateString("你好", 2))
}
