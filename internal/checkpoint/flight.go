package checkpoint

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-anvil/internal/logger"
)

// FlightClient retrieves checkpoint snapshots from an Arrow Flight
// server. Each checkpoint is exposed as a DoGet stream of snapshot-schema
// record batches, keyed by a ticket holding the checkpoint name.
type FlightClient struct {
	addr   string
	client flight.Client
}

func NewFlightClient(addr string) *FlightClient {
	return &FlightClient{addr: addr}
}

// Connect establishes the underlying gRPC connection.
func (fc *FlightClient) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddlewareCtx(ctx, fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("flight connect %s: %w", fc.addr, err)
	}
	fc.client = client
	return nil
}

func (fc *FlightClient) Close() error {
	if fc.client != nil {
		return fc.client.Close()
	}
	return nil
}

// Fetch downloads the named checkpoint and assembles a snapshot from the
// streamed record batches.
func (fc *FlightClient) Fetch(ctx context.Context, name string) (*Snapshot, error) {
	if fc.client == nil {
		return nil, fmt.Errorf("flight client not connected, call Connect() first")
	}

	stream, err := fc.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(name)})
	if err != nil {
		return nil, fmt.Errorf("flight DoGet %q: %w", name, err)
	}

	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("flight stream %q: %w", name, err)
	}
	defer rdr.Release()

	md := rdr.Schema().Metadata()
	arch := ""
	if i := md.FindKey(archMetadataKey); i >= 0 {
		arch = md.Values()[i]
	}
	snap := NewSnapshot(arch)

	for rdr.Next() {
		if err := appendRecordRows(snap, rdr.Record()); err != nil {
			return nil, err
		}
	}
	if err := rdr.Err(); err != nil {
		return nil, fmt.Errorf("flight stream %q: %w", name, err)
	}

	logger.Log.Info("checkpoint fetched", "name", name, "tensors", len(snap.Tensors), "addr", fc.addr)
	return snap, nil
}
