package handler

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/rl1809/inventory-replenishment/internal/core/domain"
)

func newGRPCClient(t *testing.T, app *testApp) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	NewGRPCHandler(app.transactions, app.inventory, app.notifier, zap.NewNop()).Register(srv)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(JSONCodec{}.Name())),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPC_CommitTransaction(t *testing.T) {
	app := newTestApp(t)
	conn := newGRPCClient(t, app)
	ctx := context.Background()

	var resp CommitTransactionResponse
	err := conn.Invoke(ctx, "/"+inventoryServiceName+"/CommitTransaction", &CommitTransactionRequest{Draft: saleDraft(-2)}, &resp)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.TransactionID)

	err = conn.Invoke(ctx, "/"+inventoryServiceName+"/CommitTransaction", &CommitTransactionRequest{Draft: saleDraft(-500)}, &resp)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	err = conn.Invoke(ctx, "/"+inventoryServiceName+"/SetAutoreplenishment", &SetAutoreplenishmentRequest{ProductID: "nope", Enabled: true}, &SetAutoreplenishmentResponse{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPC_Watch(t *testing.T) {
	app := newTestApp(t)
	conn := newGRPCClient(t, app)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	desc := &InventoryServiceDesc.Streams[0]
	stream, err := conn.NewStream(ctx, desc, "/"+inventoryServiceName+"/Watch")
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(&WatchRequest{Filter: domain.ChangeFilter{Collection: domain.CollectionInventoryItems}}))
	require.NoError(t, stream.CloseSend())

	// the subscription is live once the server has read the request; keep
	// committing until the first product change comes through
	got := make(chan StreamMessage, 1)
	go func() {
		var msg StreamMessage
		if err := stream.RecvMsg(&msg); err == nil {
			got <- msg
		}
	}()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case msg := <-got:
			assert.Equal(t, "change", msg.Type)
			require.NotNil(t, msg.Event)
			assert.Equal(t, "p-1", msg.Event.DocumentID)
			return
		case <-ticker.C:
			_, err := app.transactions.Commit(context.Background(), saleDraft(-1))
			require.NoError(t, err)
		case <-ctx.Done():
			t.Fatal("no change received")
		}
	}
}
