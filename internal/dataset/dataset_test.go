package dataset

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/branchynet/internal/tensor"
)

func idxImages(count, rows, cols int) []byte {
	var buf bytes.Buffer
	must.M(binary.Write(&buf, binary.BigEndian, []uint32{idxImagesMagic, uint32(count), uint32(rows), uint32(cols)}))
	for i := range count * rows * cols {
		buf.WriteByte(byte(i % 256))
	}
	return buf.Bytes()
}

func idxLabels(labels ...byte) []byte {
	var buf bytes.Buffer
	must.M(binary.Write(&buf, binary.BigEndian, []uint32{idxLabelsMagic, uint32(len(labels))}))
	buf.Write(labels)
	return buf.Bytes()
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoadMNIST(t *testing.T) {
	images := writeFile(t, "images-idx3-ubyte", idxImages(3, 4, 4))
	labels := writeFile(t, "labels-idx1-ubyte", idxLabels(7, 2, 1))

	m, err := LoadMNIST(images, labels, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, m.Len())
	assert.True(t, m.Labeled())

	s, err := m.Sample(1)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 1, 4, 4}, s.Image.Shape())
	assert.Equal(t, 2, s.Label)
	data := s.Image.AsFloat32()
	assert.Equal(t, float32(16)/255, data[0])
	assert.Equal(t, float32(31)/255, data[15])

	_, err = m.Sample(3)
	assert.Error(t, err)
}

func TestLoadMNISTLimitAndUnlabeled(t *testing.T) {
	images := writeFile(t, "images-idx3-ubyte", idxImages(5, 2, 2))
	m, err := LoadMNIST(images, "", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())
	assert.False(t, m.Labeled())
	s := must.M1(m.Sample(0))
	assert.Equal(t, -1, s.Label)
}

func TestLoadMNISTGzip(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(idxImages(2, 28, 28))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	m, err := LoadMNIST(writeFile(t, "t10k-images-idx3-ubyte.gz", buf.Bytes()), "", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())
	assert.Equal(t, tensor.Shape{1, 1, 28, 28}, must.M1(m.Sample(1)).Image.Shape())
}

func TestLoadMNISTErrors(t *testing.T) {
	images := writeFile(t, "images", idxImages(3, 2, 2))

	_, err := LoadMNIST(writeFile(t, "labels-as-images", idxLabels(1, 2, 3)), "", 0)
	assert.True(t, errors.Is(err, ErrInvalidIDX), "%v", err)

	_, err = LoadMNIST(images, writeFile(t, "labels", idxLabels(1, 2)), 0)
	assert.True(t, errors.Is(err, ErrInvalidIDX), "%v", err)

	truncated := idxImages(3, 2, 2)
	_, err = LoadMNIST(writeFile(t, "truncated", truncated[:len(truncated)-1]), "", 0)
	assert.True(t, errors.Is(err, ErrInvalidIDX), "%v", err)

	_, err = LoadMNIST(filepath.Join(t.TempDir(), "missing"), "", 0)
	assert.True(t, os.IsNotExist(errors.Cause(err)), "%v", err)
}

func TestReadIDXRejectsBogusHeaders(t *testing.T) {
	header := func(words ...uint32) *bytes.Reader {
		var buf bytes.Buffer
		must.M(binary.Write(&buf, binary.BigEndian, words))
		return bytes.NewReader(buf.Bytes())
	}

	tests := []struct {
		name  string
		words []uint32
	}{
		{"short", []uint32{idxImagesMagic, 1}},
		{"huge image", []uint32{idxImagesMagic, 0xFFFFFFFF, 65535, 65535}},
		{"huge count", []uint32{idxImagesMagic, 0xFFFFFFFF, 28, 28}},
		{"zero rows", []uint32{idxImagesMagic, 1, 0, 28}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, err := ReadIDXImages(header(tt.words...), 0)
			assert.True(t, errors.Is(err, ErrInvalidIDX), "%v", err)
		})
	}

	_, err := ReadIDXLabels(header(idxLabelsMagic), 0)
	assert.True(t, errors.Is(err, ErrInvalidIDX), "%v", err)
	_, err = ReadIDXLabels(header(idxLabelsMagic, 0xFFFFFFFF), 0)
	assert.True(t, errors.Is(err, ErrInvalidIDX), "%v", err)

	labels, err := ReadIDXLabels(header(idxLabelsMagic, 0), 0)
	require.NoError(t, err)
	assert.NotNil(t, labels)
	assert.Empty(t, labels)
}

func TestRandom(t *testing.T) {
	r := NewRandom(3, tensor.Shape{1, 28, 28}, 5)
	assert.Equal(t, 3, r.Len())

	a := must.M1(r.Sample(1))
	b := must.M1(NewRandom(3, tensor.Shape{1, 28, 28}, 5).Sample(1))
	c := must.M1(r.Sample(2))
	assert.Equal(t, tensor.Shape{1, 1, 28, 28}, a.Image.Shape())
	assert.Equal(t, -1, a.Label)
	assert.Equal(t, a.Image.Data(), b.Image.Data())
	assert.NotEqual(t, a.Image.Data(), c.Image.Data())

	_, err := r.Sample(-1)
	assert.Error(t, err)
}
