package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"1024", 1024},
		{"1KB", KB},
		{"90MB", 90 * MB},
		{"90 mb", 90 * MB},
		{"1.5GB", GB + GB/2},
		{"512KiB", 512 * KB},
		{"2Mi", 2 * MB},
		{"1T", TB},
		{"  7B  ", 7},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{"", "MB", "-1MB", "10XB", "1.2.3GB"} {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			assert.Error(t, err)
		})
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0 B", Format(0))
	assert.Equal(t, "512 B", Format(512))
	assert.Equal(t, "1.50 KB", Format(1536))
	assert.Equal(t, "90.00 MB", Format(90*MB))
	assert.Equal(t, "2.00 TB", Format(2*TB))
}

func TestSizeYAML(t *testing.T) {
	var v struct {
		A Size `yaml:"a"`
		B Size `yaml:"b"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: 90MB\nb: 4096\n"), &v))
	assert.Equal(t, 90*MB, v.A.Bytes())
	assert.Equal(t, int64(4096), v.B.Bytes())
	assert.Equal(t, "90.00 MB", v.A.String())

	assert.Error(t, yaml.Unmarshal([]byte("a: big\n"), &v))
	assert.Error(t, yaml.Unmarshal([]byte("a: -5\n"), &v))
	assert.Error(t, yaml.Unmarshal([]byte("a: [1]\n"), &v))
}
