package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogRotatorRotatesBySize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	r, err := NewLogRotator(path, 1, 2)
	assert.NoError(t, err)
	r.maxSize = 10

	for _, line := range []string{"aaaaaaaa\n", "bbbbbbbb\n", "cccccccc\n", "dddddddd\n"} {
		_, err := r.Write([]byte(line))
		assert.NoError(t, err)
	}
	assert.NoError(t, r.Close())

	read := func(name string) string {
		data, err := os.ReadFile(name)
		assert.NoError(t, err)
		return string(data)
	}
	assert.Equal(t, "dddddddd\n", read(path))
	assert.Equal(t, "cccccccc\n", read(path+".1"))
	assert.Equal(t, "bbbbbbbb\n", read(path+".2"))

	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err))
}

func TestLogRotatorAppendsToExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	assert.NoError(t, os.WriteFile(path, []byte("old\n"), 0o644))

	r, err := NewLogRotator(path, 0, 0)
	assert.NoError(t, err)
	_, err = r.Write([]byte("new\n"))
	assert.NoError(t, err)
	assert.NoError(t, r.Close())

	data, _ := os.ReadFile(path)
	assert.True(t, strings.HasPrefix(string(data), "old\n"))
	assert.Contains(t, string(data), "new\n")
}
