package features

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-sibyl/internal/config"
	"github.com/23skdu/longbow-sibyl/internal/logger"
	"github.com/23skdu/longbow-sibyl/internal/metrics"
	"github.com/23skdu/longbow-sibyl/internal/tensor"
)

// shapeKey is the field-metadata key carrying the tensor shape, encoded as
// comma-separated dimensions.
const shapeKey = "shape"

// SaveCache writes the batch to path as an Arrow IPC stream. Each feature
// becomes one list<float32> column holding the flattened tensor, with the
// shape recorded in field metadata.
func SaveCache(path string, batch Batch) error {
	names := make([]string, 0, len(batch))
	for name := range batch {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]arrow.Field, len(names))
	for i, name := range names {
		fields[i] = arrow.Field{
			Name:     name,
			Type:     arrow.ListOf(arrow.PrimitiveTypes.Float32),
			Metadata: arrow.NewMetadata([]string{shapeKey}, []string{encodeShape(batch[name].Shape)}),
		}
	}
	schema := arrow.NewSchema(fields, nil)

	mem := memory.NewGoAllocator()
	bld := array.NewRecordBuilder(mem, schema)
	defer bld.Release()

	for i, name := range names {
		lb := bld.Field(i).(*array.ListBuilder)
		vb := lb.ValueBuilder().(*array.Float32Builder)
		lb.Append(true)
		vb.AppendValues(batch[name].Data, nil)
	}
	rec := bld.NewRecord()
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create feature cache: %w", err)
	}
	defer f.Close()

	w := ipc.NewWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("failed to write feature cache: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close feature cache: %w", err)
	}
	return f.Sync()
}

// LoadCache reads a batch previously written by SaveCache, restoring exact
// tensor shapes from field metadata.
func LoadCache(path string) (Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open feature cache: %w", err)
	}
	defer f.Close()

	mem := memory.NewGoAllocator()
	rdr, err := ipc.NewReader(f, ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("failed to read feature cache: %w", err)
	}
	defer rdr.Release()

	batch := make(Batch)
	for rdr.Next() {
		if err := recordToBatch(rdr.Record(), batch); err != nil {
			return nil, fmt.Errorf("feature cache %s: %w", path, err)
		}
	}
	if err := rdr.Err(); err != nil {
		return nil, fmt.Errorf("failed to decode feature cache: %w", err)
	}
	if len(batch) == 0 {
		return nil, fmt.Errorf("feature cache %s holds no records", path)
	}
	return batch, nil
}

// PreprocessCached loads the batch from path when the file exists, otherwise
// preprocesses raw features and writes the result to path for reuse.
func PreprocessCached(path string, raw map[string]*tensor.Tensor, cfg *config.Model, seed int64) (Batch, error) {
	if _, err := os.Stat(path); err == nil {
		batch, err := LoadCache(path)
		if err != nil {
			return nil, err
		}
		metrics.RecordFeatureCache(true)
		logger.Log.Info("loaded cached features", "path", path, "features", len(batch))
		return batch, nil
	}

	metrics.RecordFeatureCache(false)
	batch, err := Preprocess(raw, cfg, seed)
	if err != nil {
		return nil, err
	}
	if err := SaveCache(path, batch); err != nil {
		return nil, err
	}
	logger.Log.Info("cached features", "path", path, "features", len(batch))
	return batch, nil
}

// recordToBatch decodes every column of an Arrow record into the batch.
func recordToBatch(rec arrow.Record, batch Batch) error {
	schema := rec.Schema()
	for i := 0; i < int(rec.NumCols()); i++ {
		field := schema.Field(i)
		shape, err := decodeShape(field.Metadata)
		if err != nil {
			return fmt.Errorf("column %q: %w", field.Name, err)
		}

		col, ok := rec.Column(i).(*array.List)
		if !ok {
			return fmt.Errorf("column %q: expected list<float32>, got %s", field.Name, rec.Column(i).DataType())
		}
		vals, ok := col.ListValues().(*array.Float32)
		if !ok {
			return fmt.Errorf("column %q: expected float32 values, got %s", field.Name, col.ListValues().DataType())
		}
		if col.Len() == 0 {
			return fmt.Errorf("column %q: empty list column", field.Name)
		}

		offsets := col.Offsets()
		start, end := offsets[0], offsets[1]
		t := tensor.New(shape...)
		if int(end-start) != t.Numel() {
			return fmt.Errorf("column %q: %d values for shape %v", field.Name, end-start, shape)
		}
		copy(t.Data, vals.Float32Values()[start:end])
		batch[field.Name] = t
	}
	return nil
}

func encodeShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

func decodeShape(md arrow.Metadata) ([]int, error) {
	idx := md.FindKey(shapeKey)
	if idx < 0 {
		return nil, fmt.Errorf("missing %s metadata", shapeKey)
	}
	parts := strings.Split(md.Values()[idx], ",")
	shape := make([]int, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("bad %s metadata %q: %w", shapeKey, md.Values()[idx], err)
		}
		shape[i] = d
	}
	return shape, nil
}
