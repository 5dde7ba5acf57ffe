package checkpoint

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"sort"
	"time"

	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
)

// .born v1 layout: magic, version, flags, header size, JSON header, zero
// padding to a 64-byte boundary, then raw little-endian tensor data in header
// order.
const (
	bornMagic       = "BORN"
	bornVersion     = 1
	bornAlignment   = 64
	flagHasMetadata = uint32(1 << 2)

	dtypeFloat32 = "float32"

	// fixed prefix: magic + version + flags + header size
	prefixSize = 4 + 4 + 4 + 8

	maxHeaderSize  = 16 << 20
	maxTensorBytes = 1 << 28
)

// ErrFormat is returned for files that are not readable .born v1 weights.
var ErrFormat = errors.New("checkpoint: invalid .born file")

// Header is the JSON header of a .born file.
type Header struct {
	FormatVersion int               `json:"format_version"`
	ModelType     string            `json:"model_type"`
	CreatedAt     time.Time         `json:"created_at"`
	Tensors       []TensorMeta      `json:"tensors"`
	Metadata      map[string]string `json:"metadata"`
}

// TensorMeta locates one tensor in the data section.
type TensorMeta struct {
	Name   string `json:"name"`
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
}

// WriteWeights writes stateDict to w. Tensors are stored sorted by name so
// equal weights give identical files apart from the creation time.
func WriteWeights(w io.Writer, stateDict map[string]*tensor.RawTensor, modelType string, metadata map[string]string) error {
	names := make([]string, 0, len(stateDict))
	for name := range stateDict {
		names = append(names, name)
	}
	sort.Strings(names)

	header := Header{
		FormatVersion: bornVersion,
		ModelType:     modelType,
		CreatedAt:     time.Now().UTC(),
		Tensors:       make([]TensorMeta, 0, len(names)),
		Metadata:      metadata,
	}
	if header.Metadata == nil {
		header.Metadata = make(map[string]string)
	}

	var offset int64
	for _, name := range names {
		raw := stateDict[name]
		if raw.DType() != tensor.Float32 {
			return errors.Errorf("tensor %s: unsupported dtype %v", name, raw.DType())
		}
		size := int64(len(raw.AsFloat32())) * 4
		header.Tensors = append(header.Tensors, TensorMeta{
			Name:   name,
			DType:  dtypeFloat32,
			Shape:  []int(raw.Shape()),
			Offset: offset,
			Size:   size,
		})
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "marshal header")
	}

	flags := uint32(0)
	if len(header.Metadata) > 0 {
		flags |= flagHasMetadata
	}

	bw := bufio.NewWriter(w)
	bw.WriteString(bornMagic)
	binary.Write(bw, binary.LittleEndian, uint32(bornVersion))
	binary.Write(bw, binary.LittleEndian, flags)
	binary.Write(bw, binary.LittleEndian, uint64(len(headerJSON)))
	bw.Write(headerJSON)
	bw.Write(make([]byte, padding(len(headerJSON))))

	buf := make([]byte, 4)
	for _, name := range names {
		for _, v := range stateDict[name].AsFloat32() {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			bw.Write(buf)
		}
	}
	return errors.Wrap(bw.Flush(), "write weights")
}

// ReadWeights reads a .born v1 stream into a state dict allocated on device.
func ReadWeights(r io.Reader, device tensor.Device) (map[string]*tensor.RawTensor, Header, error) {
	var header Header

	magic := make([]byte, len(bornMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != bornMagic {
		return nil, header, errors.Wrap(ErrFormat, "bad magic")
	}

	var fixed struct {
		Version    uint32
		Flags      uint32
		HeaderSize uint64
	}
	if err := binary.Read(r, binary.LittleEndian, &fixed); err != nil {
		return nil, header, errors.Wrap(ErrFormat, "truncated prefix")
	}
	if fixed.Version != bornVersion {
		return nil, header, errors.Wrapf(ErrFormat, "unsupported version %d", fixed.Version)
	}
	if fixed.HeaderSize > maxHeaderSize {
		return nil, header, errors.Wrapf(ErrFormat, "header of %d bytes", fixed.HeaderSize)
	}

	headerJSON := make([]byte, fixed.HeaderSize)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, header, errors.Wrap(ErrFormat, "truncated header")
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, header, errors.Wrapf(ErrFormat, "parse header: %v", err)
	}
	if _, err := io.CopyN(io.Discard, r, int64(padding(len(headerJSON)))); err != nil {
		return nil, header, errors.Wrap(ErrFormat, "truncated padding")
	}

	stateDict := make(map[string]*tensor.RawTensor, len(header.Tensors))
	var offset int64
	for _, meta := range header.Tensors {
		if meta.DType != dtypeFloat32 {
			return nil, header, errors.Wrapf(ErrFormat, "tensor %s: unsupported dtype %q", meta.Name, meta.DType)
		}
		if meta.Offset != offset {
			return nil, header, errors.Wrapf(ErrFormat, "tensor %s: offset %d, want %d", meta.Name, meta.Offset, offset)
		}
		n := int64(1)
		for _, d := range meta.Shape {
			if d <= 0 {
				return nil, header, errors.Wrapf(ErrFormat, "tensor %s: shape %v", meta.Name, meta.Shape)
			}
			n *= int64(d)
			if n*4 > maxTensorBytes {
				return nil, header, errors.Wrapf(ErrFormat, "tensor %s: shape %v too large", meta.Name, meta.Shape)
			}
		}
		if meta.Size != n*4 {
			return nil, header, errors.Wrapf(ErrFormat, "tensor %s: size %d for shape %v", meta.Name, meta.Size, meta.Shape)
		}

		data := make([]byte, meta.Size)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, header, errors.Wrapf(ErrFormat, "tensor %s: truncated data", meta.Name)
		}
		raw, err := tensor.NewRaw(tensor.Shape(meta.Shape), tensor.Float32, device)
		if err != nil {
			return nil, header, errors.Wrapf(err, "tensor %s", meta.Name)
		}
		values := raw.AsFloat32()
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
		stateDict[meta.Name] = raw
		offset += meta.Size
	}
	return stateDict, header, nil
}

func writeWeightsFile(path string, stateDict map[string]*tensor.RawTensor, modelType string, metadata map[string]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWeights(f, stateDict, modelType, metadata); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readWeightsFile(path string, device tensor.Device) (map[string]*tensor.RawTensor, Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Header{}, err
	}
	defer f.Close()
	return ReadWeights(bufio.NewReader(f), device)
}

func padding(headerSize int) int {
	pos := prefixSize + headerSize
	return (bornAlignment - pos%bornAlignment) % bornAlignment
}
