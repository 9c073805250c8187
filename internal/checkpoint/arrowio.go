package checkpoint

import (
	"fmt"
	"io"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

const archMetadataKey = "architecture"

// snapshotSchema returns the Arrow schema used for checkpoint snapshots:
// one row per tensor, with the architecture identifier carried as schema
// metadata.
func snapshotSchema(arch string) *arrow.Schema {
	md := arrow.NewMetadata([]string{archMetadataKey}, []string{arch})
	return arrow.NewSchema([]arrow.Field{
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "dtype", Type: arrow.BinaryTypes.String},
		{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
		{Name: "data", Type: arrow.BinaryTypes.Binary},
	}, &md)
}

// WriteSnapshot serializes a snapshot as a single-batch Arrow IPC file.
// Tensor rows are written in sorted name order so output is reproducible.
func WriteSnapshot(w io.Writer, snap *Snapshot) error {
	schema := snapshotSchema(snap.Arch)

	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()

	names := make([]string, 0, len(snap.Tensors))
	for name := range snap.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	nameB := b.Field(0).(*array.StringBuilder)
	dtypeB := b.Field(1).(*array.StringBuilder)
	shapeB := b.Field(2).(*array.ListBuilder)
	shapeVals := shapeB.ValueBuilder().(*array.Int64Builder)
	dataB := b.Field(3).(*array.BinaryBuilder)

	for _, name := range names {
		t := snap.Tensors[name]
		nameB.Append(name)
		dtypeB.Append(t.DType)
		shapeB.Append(true)
		for _, d := range t.Shape {
			shapeVals.Append(int64(d))
		}
		dataB.Append(t.Data)
	}

	rec := b.NewRecord()
	defer rec.Release()

	fw, err := ipc.NewFileWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return fmt.Errorf("snapshot writer: %w", err)
	}
	if err := fw.Write(rec); err != nil {
		fw.Close()
		return fmt.Errorf("snapshot write: %w", err)
	}
	return fw.Close()
}

// ReadSnapshot deserializes a snapshot from an Arrow IPC file.
func ReadSnapshot(r ipc.ReadAtSeeker) (*Snapshot, error) {
	fr, err := ipc.NewFileReader(r, ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, fmt.Errorf("snapshot reader: %w", err)
	}
	defer fr.Close()

	md := fr.Schema().Metadata()
	arch := ""
	if i := md.FindKey(archMetadataKey); i >= 0 {
		arch = md.Values()[i]
	}
	snap := NewSnapshot(arch)

	for i := 0; i < fr.NumRecords(); i++ {
		rec, err := fr.Record(i)
		if err != nil {
			return nil, fmt.Errorf("snapshot record %d: %w", i, err)
		}
		if err := appendRecordRows(snap, rec); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

// appendRecordRows copies one snapshot-schema record batch into the
// snapshot. Column buffers are owned by the reader, so data is copied out.
func appendRecordRows(snap *Snapshot, rec arrow.Record) error {
	if rec.NumCols() != 4 {
		return fmt.Errorf("snapshot record: expected 4 columns, got %d", rec.NumCols())
	}

	names, ok := rec.Column(0).(*array.String)
	if !ok {
		return fmt.Errorf("snapshot record: column 0 is %T, want string", rec.Column(0))
	}
	dtypes, ok := rec.Column(1).(*array.String)
	if !ok {
		return fmt.Errorf("snapshot record: column 1 is %T, want string", rec.Column(1))
	}
	shapes, ok := rec.Column(2).(*array.List)
	if !ok {
		return fmt.Errorf("snapshot record: column 2 is %T, want list", rec.Column(2))
	}
	datas, ok := rec.Column(3).(*array.Binary)
	if !ok {
		return fmt.Errorf("snapshot record: column 3 is %T, want binary", rec.Column(3))
	}
	shapeVals := shapes.ListValues().(*array.Int64)

	for row := 0; row < int(rec.NumRows()); row++ {
		start, end := shapes.ValueOffsets(row)
		shape := make([]int, 0, end-start)
		for j := start; j < end; j++ {
			shape = append(shape, int(shapeVals.Value(int(j))))
		}

		data := make([]byte, len(datas.Value(row)))
		copy(data, datas.Value(row))

		snap.Tensors[names.Value(row)] = RawTensor{
			DType: dtypes.Value(row),
			Shape: shape,
			Data:  data,
		}
	}
	return nil
}
