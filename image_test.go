package tapdisk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeTable(t *testing.T) {
	assert.Equal(t, "aio", TypeName(DiskTypeAIO))
	assert.Equal(t, "vhd", TypeName(DiskTypeVhd))
	assert.Equal(t, "<unknown>", TypeName(DiskType(99)))

	typ, err := TypeByName("valve")
	require.NoError(t, err)
	assert.Equal(t, DiskTypeValve, typ)

	_, err = TypeByName("floppy")
	assert.Error(t, err)

	assert.True(t, TypeIsFilter(DiskTypeValve))
	assert.True(t, TypeIsFilter(DiskTypeLog))
	assert.False(t, TypeIsFilter(DiskTypeAIO))
}

func TestParseParams(t *testing.T) {
	typ, path, err := ParseParams("vhd:/data/disk.vhd")
	require.NoError(t, err)
	assert.Equal(t, DiskTypeVhd, typ)
	assert.Equal(t, "/data/disk.vhd", path)

	// Paths may carry further colons.
	typ, path, err = ParseParams("nbd:unix:/run/sock")
	require.NoError(t, err)
	assert.Equal(t, DiskTypeNBD, typ)
	assert.Equal(t, "unix:/run/sock", path)

	_, _, err = ParseParams("no-colon")
	assert.Error(t, err)

	_, _, err = ParseParams("bogus:/x")
	assert.Error(t, err)
}

func writeDescriptor(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chain")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestParseChainDescriptor(t *testing.T) {
	path := writeDescriptor(t, `
# leaf over base
vhd:/data/leaf.vhd
aio:/dev/vg/base	ro,shareable
`)

	layers, err := parseChainDescriptor(path)
	require.NoError(t, err)
	require.Len(t, layers, 2)

	assert.Equal(t, DiskTypeVhd, layers[0].typ)
	assert.Equal(t, "/data/leaf.vhd", layers[0].path)
	assert.Zero(t, layers[0].flags)

	assert.Equal(t, DiskTypeAIO, layers[1].typ)
	assert.Equal(t, OpenRdonly|OpenShareable, layers[1].flags)
}

func TestParseChainDescriptorRejects(t *testing.T) {
	cases := map[string]string{
		"unknown type":   "floppy:/x\n",
		"unknown option": "aio:/x turbo\n",
		"extra fields":   "aio:/x ro extra\n",
		"missing colon":  "justapath\n",
	}
	for name, content := range cases {
		_, err := parseChainDescriptor(writeDescriptor(t, content))
		assert.Error(t, err, name)
	}
}
