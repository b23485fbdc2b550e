package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoveryRoundTrip(t *testing.T) {
	want := Discovery{
		Version:        Version,
		Password:       "pw",
		Request:        RequestLookingForWorkers,
		PatchVersion:   "",
		ListenPort:     MasterPortFirst,
		JobID:          JobID{1, 2, 3, 4},
		WorkerExe:      "render.exe",
		Args:           []string{"-frames", "1-100"},
		Legacy:         false,
		DownloaderPort: ServicePortFirst,
	}

	data, err := want.MarshalBinary()
	require.NoError(t, err)

	var got Discovery
	require.NoError(t, got.UnmarshalBinary(data))
	assert.Equal(t, want, got)
}

// TestDiscoveryWireLayout pins the byte layout of the packet.
func TestDiscoveryWireLayout(t *testing.T) {
	d := Discovery{
		Version:        5,
		Password:       "pw",
		Request:        RequestServicePatch,
		PatchVersion:   "p1",
		ListenPort:     0x01020304,
		JobID:          JobID{1, 2, 3, 4},
		WorkerExe:      "w",
		Args:           []string{"a"},
		Legacy:         true,
		DownloaderPort: 0x0A0B,
	}
	data, err := d.MarshalBinary()
	require.NoError(t, err)

	want := []byte{
		5,
		'p', 'w', 0,
		1,
		'p', '1', 0,
		1, 2, 3, 4,
		0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0, 4,
		0, 1,
		'w', 0,
		'a', 0,
		1,
		0x0A, 0x0B,
	}
	assert.Equal(t, want, data)
}

func TestDiscoveryTruncated(t *testing.T) {
	d := Discovery{Version: Version, Password: "pw", JobID: JobID{1, 2, 3, 4}, Args: []string{"x", "y"}}
	data, err := d.MarshalBinary()
	require.NoError(t, err)

	for _, n := range []int{0, 1, 3, 10, len(data) - 1} {
		var got Discovery
		assert.ErrorIs(t, got.UnmarshalBinary(data[:n]), ErrTruncated, "length %d", n)
	}
}

func TestJobID(t *testing.T) {
	assert.True(t, JobID{}.IsZero())
	assert.Equal(t, "00000001000000020000000300000004", JobID{1, 2, 3, 4}.String())

	a, b := NewJobID(), NewJobID()
	assert.False(t, a.IsZero())
	assert.NotEqual(t, a, b)
}
