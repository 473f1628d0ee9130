package trajectory

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-diffusion/internal/errs"
	"github.com/23skdu/longbow-diffusion/internal/metrics"
)

const (
	metaRunID     = "run_id"
	metaScheduler = "scheduler"
	metaShape     = "shape"
)

// Schema describes one row per frame. Run identity and sample shape travel
// as schema metadata.
func Schema(t Trajectory) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{metaRunID, metaScheduler, metaShape},
		[]string{t.RunID, t.Scheduler, formatShape(t.Shape)},
	)
	return arrow.NewSchema([]arrow.Field{
		{Name: "step", Type: arrow.PrimitiveTypes.Int32},
		{Name: "timestep", Type: arrow.PrimitiveTypes.Float64},
		{Name: "sample", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	}, &md)
}

// Record builds a single record batch holding every frame. The caller owns
// the result and must Release it.
func (t Trajectory) Record(mem memory.Allocator) arrow.Record {
	b := array.NewRecordBuilder(mem, Schema(t))
	defer b.Release()

	steps := b.Field(0).(*array.Int32Builder)
	ts := b.Field(1).(*array.Float64Builder)
	samples := b.Field(2).(*array.ListBuilder)
	values := samples.ValueBuilder().(*array.Float32Builder)

	for _, f := range t.Frames {
		steps.Append(int32(f.Step))
		ts.Append(f.Timestep)
		samples.Append(true)
		values.AppendValues(f.Sample, nil)
	}
	return b.NewRecord()
}

// FromRecord decodes a record built by Record. Schema metadata supplies the
// run identity.
func FromRecord(rec arrow.Record) (Trajectory, error) {
	t, err := fromMetadata(rec.Schema().Metadata())
	if err != nil {
		return Trajectory{}, err
	}
	if err := appendFrames(&t, rec); err != nil {
		return Trajectory{}, err
	}
	return t, nil
}

func fromMetadata(md arrow.Metadata) (Trajectory, error) {
	get := func(key string) string {
		if i := md.FindKey(key); i >= 0 {
			return md.Values()[i]
		}
		return ""
	}
	shape, err := parseShape(get(metaShape))
	if err != nil {
		return Trajectory{}, err
	}
	return Trajectory{RunID: get(metaRunID), Scheduler: get(metaScheduler), Shape: shape}, nil
}

func appendFrames(t *Trajectory, rec arrow.Record) error {
	if rec.NumCols() != 3 {
		return errs.Shape("trajectory record has %d columns, want 3", rec.NumCols())
	}
	steps, ok1 := rec.Column(0).(*array.Int32)
	ts, ok2 := rec.Column(1).(*array.Float64)
	samples, ok3 := rec.Column(2).(*array.List)
	if !ok1 || !ok2 || !ok3 {
		return errs.Shape("trajectory record has unexpected column types")
	}
	values, ok := samples.ListValues().(*array.Float32)
	if !ok {
		return errs.Shape("trajectory samples are not float32")
	}

	raw := values.Float32Values()
	for i := 0; i < int(rec.NumRows()); i++ {
		start, end := samples.ValueOffsets(i)
		sample := make([]float32, end-start)
		copy(sample, raw[start:end])
		t.Frames = append(t.Frames, Frame{
			Step:     int(steps.Value(i)),
			Timestep: ts.Value(i),
			Sample:   sample,
		})
	}
	return nil
}

// Write encodes t as an Arrow IPC stream.
func Write(w io.Writer, t Trajectory) error {
	mem := memory.NewGoAllocator()
	rec := t.Record(mem)
	defer rec.Release()

	iw := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := iw.Write(rec); err != nil {
		iw.Close()
		return fmt.Errorf("write trajectory: %w", err)
	}
	if err := iw.Close(); err != nil {
		return fmt.Errorf("close trajectory stream: %w", err)
	}
	metrics.RecordTrajectoryExport("ipc", t.Len())
	return nil
}

// Read decodes an Arrow IPC stream produced by Write. Multiple batches are
// concatenated.
func Read(r io.Reader) (Trajectory, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return Trajectory{}, fmt.Errorf("open trajectory stream: %w", err)
	}
	defer rdr.Release()

	t, err := fromMetadata(rdr.Schema().Metadata())
	if err != nil {
		return Trajectory{}, err
	}
	for rdr.Next() {
		if err := appendFrames(&t, rdr.Record()); err != nil {
			return Trajectory{}, err
		}
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return Trajectory{}, fmt.Errorf("read trajectory: %w", err)
	}
	return t, nil
}

func WriteFile(path string, t Trajectory) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, t); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func ReadFile(path string) (Trajectory, error) {
	f, err := os.Open(path)
	if err != nil {
		return Trajectory{}, err
	}
	defer f.Close()
	return Read(f)
}
