package checkpoint

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-sibyl/internal/tensor"
)

type safetensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// readSafetensors reads the native checkpoint format: an 8-byte little
// endian header length, a JSON header mapping tensor names to dtype, shape
// and data offsets, then the packed tensor payload.
func readSafetensors(path string) (map[string]*tensor.Tensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 8 {
		return nil, ErrTruncated
	}
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("header length %d exceeds file size %d: %w", headerLen, len(data), ErrTruncated)
	}
	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &rawHeader); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	payload := data[8+headerLen:]

	params := make(map[string]*tensor.Tensor, len(rawHeader))
	for name, raw := range rawHeader {
		if name == "__metadata__" {
			continue
		}
		var info safetensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("decode header entry %s: %w", name, err)
		}
		start, end := info.DataOffsets[0], info.DataOffsets[1]
		if start < 0 || end < start || end > int64(len(payload)) {
			return nil, fmt.Errorf("tensor %s offsets [%d, %d) out of range: %w", name, start, end, ErrTruncated)
		}
		n := 1
		for _, d := range info.Shape {
			n *= d
		}
		body := payload[start:end]
		out := make([]float32, n)
		switch info.DType {
		case "F32":
			if int64(n)*4 != end-start {
				return nil, fmt.Errorf("tensor %s payload %d bytes, want %d", name, end-start, n*4)
			}
			for i := 0; i < n; i++ {
				out[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[i*4:]))
			}
		case "F16":
			if int64(n)*2 != end-start {
				return nil, fmt.Errorf("tensor %s payload %d bytes, want %d", name, end-start, n*2)
			}
			for i := 0; i < n; i++ {
				out[i] = float16to32(binary.LittleEndian.Uint16(body[i*2:]))
			}
		default:
			return nil, fmt.Errorf("tensor %s has unsupported dtype %s", name, info.DType)
		}
		shape := info.Shape
		if len(shape) == 0 {
			shape = []int{1}
		}
		params[name] = tensor.From(out, shape...)
	}
	return params, nil
}

// WriteSafetensors writes parameters in the native format. Tensors are
// packed in sorted-name order as F32.
func WriteSafetensors(path string, params map[string]*tensor.Tensor) error {
	names := make([]string, 0, len(params))
	for n := range params {
		names = append(names, n)
	}
	sort.Strings(names)

	header := make(map[string]safetensorInfo, len(params))
	var offset int64
	for _, name := range names {
		t := params[name]
		size := int64(t.Numel()) * 4
		header[name] = safetensorInfo{
			DType:       "F32",
			Shape:       append([]int(nil), t.Shape...),
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerJSON)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := f.Write(headerJSON); err != nil {
		return err
	}
	buf := make([]byte, 0, 1<<16)
	for _, name := range names {
		t := params[name]
		buf = buf[:0]
		for _, v := range t.Data {
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
			buf = append(buf, b[:]...)
		}
		if _, err := f.Write(buf); err != nil {
			return err
		}
	}
	return f.Sync()
}
