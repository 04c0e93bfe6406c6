package checkpoint

import (
	"archive/zip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/23skdu/longbow-sibyl/internal/tensor"
)

// readNPZ reads a zip archive of .npy arrays into raw-named tensors.
func readNPZ(path string) (map[string]*tensor.Tensor, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = r.Close()
	}()

	params := make(map[string]*tensor.Tensor, len(r.File))
	for _, f := range r.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open entry %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read entry %s: %w", f.Name, err)
		}
		t, err := parseNPY(data)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", f.Name, err)
		}
		params[strings.TrimSuffix(f.Name, ".npy")] = t
	}
	return params, nil
}

var npyMagic = []byte("\x93NUMPY")

func parseNPY(data []byte) (*tensor.Tensor, error) {
	if len(data) < 10 {
		return nil, ErrTruncated
	}
	if string(data[:6]) != string(npyMagic) {
		return nil, fmt.Errorf("not an npy array: %w", ErrBadMagic)
	}
	major := data[6]
	var headerLen, headerStart int
	switch {
	case major == 1:
		headerLen = int(binary.LittleEndian.Uint16(data[8:10]))
		headerStart = 10
	case major >= 2:
		if len(data) < 12 {
			return nil, ErrTruncated
		}
		headerLen = int(binary.LittleEndian.Uint32(data[8:12]))
		headerStart = 12
	default:
		return nil, fmt.Errorf("unsupported npy version %d", major)
	}
	if headerStart+headerLen > len(data) {
		return nil, fmt.Errorf("npy header: %w", ErrTruncated)
	}
	header := string(data[headerStart : headerStart+headerLen])
	descr, fortran, shape, err := parseNPYHeader(header)
	if err != nil {
		return nil, err
	}
	if fortran {
		return nil, fmt.Errorf("fortran order arrays not supported")
	}

	n := 1
	for _, d := range shape {
		n *= d
	}
	body := data[headerStart+headerLen:]
	out := make([]float32, n)
	switch descr {
	case "<f4":
		if len(body) < n*4 {
			return nil, fmt.Errorf("npy body: %w", ErrTruncated)
		}
		for i := 0; i < n; i++ {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[i*4:]))
		}
	case "<f8":
		if len(body) < n*8 {
			return nil, fmt.Errorf("npy body: %w", ErrTruncated)
		}
		for i := 0; i < n; i++ {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(body[i*8:])))
		}
	case "<f2":
		if len(body) < n*2 {
			return nil, fmt.Errorf("npy body: %w", ErrTruncated)
		}
		for i := 0; i < n; i++ {
			out[i] = float16to32(binary.LittleEndian.Uint16(body[i*2:]))
		}
	case "<i4":
		if len(body) < n*4 {
			return nil, fmt.Errorf("npy body: %w", ErrTruncated)
		}
		for i := 0; i < n; i++ {
			out[i] = float32(int32(binary.LittleEndian.Uint32(body[i*4:])))
		}
	case "<i8":
		if len(body) < n*8 {
			return nil, fmt.Errorf("npy body: %w", ErrTruncated)
		}
		for i := 0; i < n; i++ {
			out[i] = float32(int64(binary.LittleEndian.Uint64(body[i*8:])))
		}
	default:
		return nil, fmt.Errorf("unsupported npy dtype %q", descr)
	}
	if len(shape) == 0 {
		shape = []int{1}
	}
	return tensor.From(out, shape...), nil
}

// parseNPYHeader extracts descr, fortran_order and shape from the python
// dict literal at the top of an npy file.
func parseNPYHeader(header string) (string, bool, []int, error) {
	descr, err := headerString(header, "'descr'")
	if err != nil {
		return "", false, nil, err
	}
	fortran := strings.Contains(afterKey(header, "'fortran_order'"), "True")

	shapePart := afterKey(header, "'shape'")
	open := strings.Index(shapePart, "(")
	closeIdx := strings.Index(shapePart, ")")
	if open < 0 || closeIdx < open {
		return "", false, nil, fmt.Errorf("malformed npy shape in header %q", header)
	}
	var shape []int
	for _, tok := range strings.Split(shapePart[open+1:closeIdx], ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		d, err := strconv.Atoi(tok)
		if err != nil {
			return "", false, nil, fmt.Errorf("malformed npy dim %q", tok)
		}
		shape = append(shape, d)
	}
	return descr, fortran, shape, nil
}

func afterKey(header, key string) string {
	i := strings.Index(header, key)
	if i < 0 {
		return ""
	}
	return header[i+len(key):]
}

func headerString(header, key string) (string, error) {
	rest := afterKey(header, key)
	start := strings.Index(rest, "'")
	if start < 0 {
		return "", fmt.Errorf("missing %s in npy header", key)
	}
	end := strings.Index(rest[start+1:], "'")
	if end < 0 {
		return "", fmt.Errorf("malformed %s in npy header", key)
	}
	return rest[start+1 : start+1+end], nil
}

func float16to32(bits uint16) float32 {
	sign := uint32(bits>>15) & 1
	exp := uint32(bits>>10) & 0x1f
	frac := uint32(bits) & 0x3ff
	var out uint32
	switch {
	case exp == 0 && frac == 0:
		out = sign << 31
	case exp == 0:
		// Subnormal: renormalize.
		e := uint32(127 - 15 + 1)
		for frac&0x400 == 0 {
			frac <<= 1
			e--
		}
		frac &= 0x3ff
		out = sign<<31 | e<<23 | frac<<13
	case exp == 0x1f:
		out = sign<<31 | 0xff<<23 | frac<<13
	default:
		out = sign<<31 | (exp-15+127)<<23 | frac<<13
	}
	return math.Float32frombits(out)
}

// Stacked trunk modules arrive in the legacy archive as single arrays with
// a leading per-block axis; they are split into per-block parameters here.
var stackedModules = map[string]bool{
	"evoformer_iteration": true,
	"extra_msa_stack":     true,
	"template_pair_stack": true,
}

// remapLegacy renames legacy archive keys to the native dotted layout and
// splits stacked block parameters.
func remapLegacy(raw map[string]*tensor.Tensor) map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor, len(raw))
	for name, t := range raw {
		name = strings.ReplaceAll(name, "//", "/")
		name = strings.TrimPrefix(name, "alphafold/")
		name = strings.TrimPrefix(name, "alphafold_iteration/")
		name = strings.ReplaceAll(name, "/", ".")
		segs := strings.Split(name, ".")
		for i, seg := range segs {
			switch seg {
			case "scale", "weights":
				segs[i] = "weight"
			case "offset":
				segs[i] = "bias"
			}
		}
		// Per-layer keys: evoformer_iteration.7.x -> evoformer_iteration_7.x
		merged := make([]string, 0, len(segs))
		for i := 0; i < len(segs); i++ {
			if stackedModules[segs[i]] && i+1 < len(segs) && isDigits(segs[i+1]) {
				merged = append(merged, segs[i]+"_"+segs[i+1])
				i++
				continue
			}
			merged = append(merged, segs[i])
		}
		segs = merged

		stackIdx := -1
		for i, seg := range segs {
			if stackedModules[seg] {
				stackIdx = i
				break
			}
		}
		dotted := strings.Join(segs, ".")
		if stackIdx < 0 || len(t.Shape) < 2 {
			out[dotted] = t
			continue
		}
		blocks := t.Shape[0]
		for b := 0; b < blocks; b++ {
			perBlock := append([]string(nil), segs...)
			perBlock[stackIdx] = fmt.Sprintf("%s_%d", segs[stackIdx], b)
			out[strings.Join(perBlock, ".")] = t.Slice(0, b, b+1).Squeeze(0)
		}
	}
	return out
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
