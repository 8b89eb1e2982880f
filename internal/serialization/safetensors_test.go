package serialization

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/branchynet/internal/tensor"
)

// safetensorsFile assembles a file from a raw JSON header and data section.
func safetensorsFile(header string, body []byte) []byte {
	var size [8]byte
	binary.LittleEndian.PutUint64(size[:], uint64(len(header)))
	out := append(size[:], header...)
	return append(out, body...)
}

func le16(vs ...uint16) []byte {
	out := make([]byte, 2*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint16(out[2*i:], v)
	}
	return out
}

func TestSafetensorsRoundTrip(t *testing.T) {
	sd := sampleStateDict(t)
	path := filepath.Join(t.TempDir(), "brn"+SafetensorsExt)
	require.NoError(t, WriteSafetensorsFile(path, sd, map[string]string{"format": "pt"}))

	loaded, meta, err := ReadSafetensors(path, tensor.CPU)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"format": "pt"}, meta)
	require.Len(t, loaded, len(sd))
	for name, want := range sd {
		got, ok := loaded[name]
		require.True(t, ok, name)
		assert.True(t, want.Shape().Equal(got.Shape()), name)
		assert.Equal(t, want.DType(), got.DType(), name)
		assert.Equal(t, want.Data(), got.Data(), name)
	}
}

func TestWriteSafetensorsAlignsData(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSafetensors(&buf, sampleStateDict(t), nil))
	headerSize := binary.LittleEndian.Uint64(buf.Bytes())
	assert.Zero(t, headerSize%8)
	assert.NotContains(t, string(buf.Bytes()[8:8+headerSize]), safetensorsMetadataKey)
}

func TestDecodeSafetensorsHalfPrecision(t *testing.T) {
	header := `{"__metadata__":{"format":"pt"},` +
		`"h":{"dtype":"F16","shape":[2],"data_offsets":[0,4]},` +
		`"b":{"dtype":"BF16","shape":[2],"data_offsets":[4,8]}}`
	// 1.5 and -2 in each encoding.
	body := append(le16(0x3E00, 0xC000), le16(0x3FC0, 0xC000)...)

	sd, meta, err := DecodeSafetensors(safetensorsFile(header, body), tensor.CPU)
	require.NoError(t, err)
	assert.Equal(t, "pt", meta["format"])
	for _, name := range []string{"h", "b"} {
		require.Contains(t, sd, name)
		assert.Equal(t, tensor.Float32, sd[name].DType(), name)
		assert.Equal(t, []float32{1.5, -2}, sd[name].AsFloat32(), name)
	}
}

func TestDecodeSafetensorsErrors(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		target error
		typ    string
	}{
		{"short", []byte{1, 2, 3}, ErrTruncated, ""},
		{"header past end", safetensorsFile(`{}`, nil)[:9], ErrTruncated, ""},
		{"bad json", safetensorsFile(`{"w":`, nil), ErrInvalidHeader, ""},
		{"out of bounds",
			safetensorsFile(`{"w":{"dtype":"F32","shape":[2],"data_offsets":[0,8]}}`, make([]byte, 4)),
			ErrInvalidHeader, "out_of_bounds"},
		{"unsupported dtype",
			safetensorsFile(`{"w":{"dtype":"U8","shape":[2],"data_offsets":[0,2]}}`, make([]byte, 2)),
			ErrInvalidHeader, "unsupported_dtype"},
		{"size mismatch",
			safetensorsFile(`{"w":{"dtype":"F32","shape":[3],"data_offsets":[0,8]}}`, make([]byte, 8)),
			ErrInvalidHeader, "size_mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeSafetensors(tt.data, tensor.CPU)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.target), "%v", err)
			if tt.typ != "" {
				var verr *ValidationError
				require.True(t, errors.As(err, &verr), "%v", err)
				assert.Equal(t, tt.typ, verr.Type)
			}
		})
	}
}

func TestDecodeSafetensorsHeaderTooLarge(t *testing.T) {
	var data [8]byte
	binary.LittleEndian.PutUint64(data[:], MaxHeaderSize+1)
	_, _, err := DecodeSafetensors(data[:], tensor.CPU)
	assert.True(t, errors.Is(err, ErrHeaderTooLarge))
}
