package features

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-sibyl/internal/logger"
)

// DefaultFlightPort is the conventional port for the feature server.
const DefaultFlightPort = 3000

// Source supplies preprocessed feature batches by target name.
type Source interface {
	Fetch(ctx context.Context, name string) (Batch, error)
	Close() error
}

// FlightSource fetches feature batches from an Arrow Flight feature server.
// The server is expected to answer DoGet tickets holding the target name with
// a stream of records in the SaveCache column layout.
type FlightSource struct {
	addr    string
	client  flight.Client
	timeout time.Duration
	log     *logger.Logger
}

// NewFlightSource creates an unconnected source for the given address.
func NewFlightSource(addr string) *FlightSource {
	return &FlightSource{
		addr:    addr,
		timeout: 30 * time.Second,
		log:     logger.Log.With("feature_server", addr),
	}
}

// Connect establishes the connection to the feature server.
func (s *FlightSource) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddleware(
		s.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	s.client = client
	s.log.Info("connected to feature server")
	return nil
}

// Fetch retrieves the feature batch for a target name.
func (s *FlightSource) Fetch(ctx context.Context, name string) (Batch, error) {
	if s.client == nil {
		return nil, fmt.Errorf("client not connected, call Connect() first")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stream, err := s.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(name)})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch features for %s: %w", name, err)
	}

	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("failed to read feature stream: %w", err)
	}
	defer rdr.Release()

	batch := make(Batch)
	for rdr.Next() {
		if err := recordToBatch(rdr.Record(), batch); err != nil {
			return nil, fmt.Errorf("feature stream for %s: %w", name, err)
		}
	}
	if err := rdr.Err(); err != nil {
		return nil, fmt.Errorf("failed to decode feature stream: %w", err)
	}
	if len(batch) == 0 {
		return nil, fmt.Errorf("feature server returned no features for %s", name)
	}

	s.log.Info("fetched features", "target", name, "features", len(batch))
	return batch, nil
}

// Close disconnects from the feature server.
func (s *FlightSource) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
