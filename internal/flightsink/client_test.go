package flightsink

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-diffusion/internal/trajectory"
)

func sample() trajectory.Trajectory {
	return trajectory.Trajectory{
		RunID:     "run-42",
		Scheduler: "ddim",
		Shape:     []int{2},
		Frames: []trajectory.Frame{
			{Step: 0, Timestep: 900, Sample: []float32{1, 2}},
			{Step: 1, Timestep: 800, Sample: []float32{0.5, 1}},
		},
	}
}

// putServer accepts DoPut uploads and decodes them back into trajectories.
type putServer struct {
	flight.BaseFlightServer

	mu   sync.Mutex
	path []string
	got  trajectory.Trajectory
}

func (s *putServer) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer rdr.Release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if desc := rdr.LatestFlightDescriptor(); desc != nil {
		s.path = desc.Path
	}
	for rdr.Next() {
		t, err := trajectory.FromRecord(rdr.Record())
		if err != nil {
			return err
		}
		s.got = t
	}
	return nil
}

func TestNewFlightPublisher(t *testing.T) {
	p := NewFlightPublisher("localhost", 0)
	assert.Equal(t, "localhost:3000", p.Addr())
}

func TestPublishReturnsErrorWhenNotConnected(t *testing.T) {
	p := NewFlightPublisher("localhost", 3000)
	err := p.Publish(context.Background(), sample())
	if err == nil {
		t.Fatal("Expected error when client not connected")
	}
	if !strings.Contains(err.Error(), "not connected") {
		t.Errorf("Expected 'not connected' error, got: %v", err)
	}
}

func TestPublishOverFlight(t *testing.T) {
	srv := flight.NewServerWithMiddleware(nil)
	require.NoError(t, srv.Init("127.0.0.1:0"))
	handler := &putServer{}
	srv.RegisterFlightService(handler)
	go func() { _ = srv.Serve() }()
	defer srv.Shutdown()

	host, portStr, err := net.SplitHostPort(srv.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	p := NewFlightPublisher(host, port)

	ctx := context.Background()
	require.NoError(t, p.Connect(ctx))
	defer p.Close()

	want := sample()
	require.NoError(t, p.Publish(ctx, want))

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Equal(t, []string{PathPrefix, "run-42"}, handler.path)
	assert.Equal(t, want, handler.got)
}

func TestPublishRejectsEmptyTrajectory(t *testing.T) {
	p := NewFlightPublisher("localhost", 1)
	require.NoError(t, p.Connect(context.Background()))
	defer p.Close()
	err := p.Publish(context.Background(), trajectory.Trajectory{RunID: "empty"})
	assert.ErrorContains(t, err, "no frames")
}

func TestMockPublisher(t *testing.T) {
	m := NewMockPublisher()
	ctx := context.Background()
	assert.ErrorContains(t, m.Publish(ctx, sample()), "not connected")

	require.NoError(t, m.Connect(ctx))
	require.NoError(t, m.Publish(ctx, sample()))
	got, ok := m.Stored("run-42")
	require.True(t, ok)
	assert.Equal(t, 2, got.Len())

	m.Reset()
	_, ok = m.Stored("run-42")
	assert.False(t, ok)
	require.NoError(t, m.Close())
}

var _ Publisher = (*FlightPublisher)(nil)
var _ Publisher = (*MockPublisher)(nil)
