// Package flightsink publishes trajectories to an Arrow Flight service.
package flightsink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-diffusion/internal/logger"
	"github.com/23skdu/longbow-diffusion/internal/metrics"
	"github.com/23skdu/longbow-diffusion/internal/trajectory"
)

// PortData is the default Flight data port.
const PortData = 3000

// PathPrefix is the first descriptor path element of every upload.
const PathPrefix = "trajectories"

// Publisher ships finished trajectories somewhere.
type Publisher interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, t trajectory.Trajectory) error
	Close() error
}

// FlightPublisher uploads each trajectory with one DoPut stream.
type FlightPublisher struct {
	client  flight.Client
	addr    string
	timeout time.Duration
	mem     memory.Allocator
}

func NewFlightPublisher(host string, port int) *FlightPublisher {
	if port <= 0 {
		port = PortData
	}
	return &FlightPublisher{
		addr:    fmt.Sprintf("%s:%d", host, port),
		timeout: 30 * time.Second,
		mem:     memory.NewGoAllocator(),
	}
}

func (p *FlightPublisher) Addr() string { return p.addr }

// Connect creates the gRPC client. The connection itself is established
// lazily by the first call.
func (p *FlightPublisher) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddleware(p.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	p.client = client
	return nil
}

func (p *FlightPublisher) Close() error {
	if p.client != nil {
		err := p.client.Close()
		p.client = nil
		return err
	}
	return nil
}

// Descriptor is the Flight path a trajectory is uploaded under.
func Descriptor(runID string) *flight.FlightDescriptor {
	return &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{PathPrefix, runID},
	}
}

func (p *FlightPublisher) Publish(ctx context.Context, t trajectory.Trajectory) error {
	if p.client == nil {
		return fmt.Errorf("client not connected, call Connect() first")
	}
	if t.Len() == 0 {
		return fmt.Errorf("no frames to publish")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	rec := t.Record(p.mem)
	defer rec.Release()

	stream, err := p.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(p.mem))
	w.SetFlightDescriptor(Descriptor(t.RunID))
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close send: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("DoPut failed: %w", err)
		}
	}

	metrics.RecordTrajectoryExport("flight", t.Len())
	logger.Log.Info("Published trajectory", "addr", p.addr, "run_id", t.RunID, "frames", t.Len())
	return nil
}
