// Package dataset provides single-sample image sources for evaluation:
// MNIST files in IDX format and seeded random inputs.
package dataset

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/branchynet/internal/tensor"
)

// IDX magic numbers: two zero bytes, type 0x08 (unsigned byte), rank.
const (
	idxImagesMagic uint32 = 0x00000803
	idxLabelsMagic uint32 = 0x00000801
)

// ErrInvalidIDX is returned for files that are not IDX image or label files.
var ErrInvalidIDX = errors.New("invalid IDX file")

// MaxImagePixels bounds rows*cols of an IDX image.
const MaxImagePixels = 1 << 24

// Sample is one image with its label. Label is -1 for unlabeled samples.
type Sample struct {
	Image *tensor.RawTensor // [1, C, H, W]
	Label int
}

// Source yields samples by index.
type Source interface {
	Len() int
	Sample(i int) (Sample, error)
}

// MNIST holds images (and optionally labels) decoded from IDX files.
type MNIST struct {
	rows, cols int
	pixels     []byte
	labels     []byte
}

// LoadMNIST reads an IDX image file and, if labelsPath is not empty, the
// matching label file. Files ending in ".gz" are decompressed. A positive
// limit keeps only the first limit samples.
func LoadMNIST(imagesPath, labelsPath string, limit int) (*MNIST, error) {
	m := &MNIST{}
	err := readFile(imagesPath, func(r io.Reader) error {
		var err error
		m.rows, m.cols, m.pixels, err = ReadIDXImages(r, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	if labelsPath != "" {
		err = readFile(labelsPath, func(r io.Reader) error {
			var err error
			m.labels, err = ReadIDXLabels(r, limit)
			return err
		})
		if err != nil {
			return nil, err
		}
		if len(m.labels) != m.Len() {
			return nil, errors.Wrapf(ErrInvalidIDX, "%d images but %d labels", m.Len(), len(m.labels))
		}
	}
	klog.V(1).Infof("dataset: loaded %d %dx%d images from %s", m.Len(), m.rows, m.cols, imagesPath)
	return m, nil
}

func readFile(path string, read func(io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", path)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return errors.Wrapf(err, "failed to decompress %q", path)
		}
		defer gz.Close()
		r = gz
	}
	if err := read(r); err != nil {
		return errors.Wrapf(err, "%q", path)
	}
	return nil
}

// ReadIDXImages decodes an IDX3 unsigned-byte image file and returns the
// image size and the concatenated pixels.
func ReadIDXImages(r io.Reader, limit int) (int, int, []byte, error) {
	var header [4]uint32
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return 0, 0, nil, errors.Wrapf(ErrInvalidIDX, "failed to read image header: %v", err)
	}
	if header[0] != idxImagesMagic {
		return 0, 0, nil, errors.Wrapf(ErrInvalidIDX, "image magic %#08x", header[0])
	}
	count, rows, cols := int64(header[1]), int64(header[2]), int64(header[3])
	if rows == 0 || cols == 0 || rows > MaxImagePixels || cols > MaxImagePixels || rows*cols > MaxImagePixels {
		return 0, 0, nil, errors.Wrapf(ErrInvalidIDX, "image size %dx%d", rows, cols)
	}
	if limit > 0 && int64(limit) < count {
		count = int64(limit)
	}
	data, err := readN(r, count*rows*cols)
	if err != nil {
		return 0, 0, nil, errors.Wrapf(ErrInvalidIDX, "truncated image data: %v", err)
	}
	return int(rows), int(cols), data, nil
}

// ReadIDXLabels decodes an IDX1 unsigned-byte label file.
func ReadIDXLabels(r io.Reader, limit int) ([]byte, error) {
	var header [2]uint32
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(ErrInvalidIDX, "failed to read label header: %v", err)
	}
	if header[0] != idxLabelsMagic {
		return nil, errors.Wrapf(ErrInvalidIDX, "label magic %#08x", header[0])
	}
	count := int64(header[1])
	if limit > 0 && int64(limit) < count {
		count = int64(limit)
	}
	labels, err := readN(r, count)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidIDX, "truncated label data: %v", err)
	}
	return labels, nil
}

// readN reads exactly n bytes. The buffer grows with the data actually read,
// so a header claiming more than the file holds fails at EOF instead of
// allocating the claimed size up front.
func readN(r io.Reader, n int64) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(min(n, 1<<20)))
	if _, err := io.CopyN(&buf, r, n); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Len returns the number of images.
func (m *MNIST) Len() int {
	if m.rows*m.cols == 0 {
		return 0
	}
	return len(m.pixels) / (m.rows * m.cols)
}

// Labeled reports whether labels were loaded.
func (m *MNIST) Labeled() bool { return m.labels != nil }

// Sample returns image i as [1, 1, rows, cols] float32 scaled to [0, 1].
func (m *MNIST) Sample(i int) (Sample, error) {
	if i < 0 || i >= m.Len() {
		return Sample{}, errors.Errorf("sample %d out of range [0, %d)", i, m.Len())
	}
	size := m.rows * m.cols
	raw := tensor.MustNewRaw(tensor.Shape{1, 1, m.rows, m.cols}, tensor.Float32, tensor.CPU)
	data := raw.AsFloat32()
	for j, p := range m.pixels[i*size : (i+1)*size] {
		data[j] = float32(p) / 255
	}
	label := -1
	if m.labels != nil {
		label = int(m.labels[i])
	}
	return Sample{Image: raw, Label: label}, nil
}
