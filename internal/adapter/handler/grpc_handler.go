package handler

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/rl1809/inventory-replenishment/internal/core/domain"
	"github.com/rl1809/inventory-replenishment/internal/core/service"
)

// JSONCodec carries the gRPC messages as JSON. Clients select it with
// grpc.CallContentSubtype(JSONCodec{}.Name()).
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSONCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(JSONCodec{})
}

type CommitTransactionRequest struct {
	IdempotencyKey string                  `json:"idempotency_key,omitempty"`
	Draft          domain.TransactionDraft `json:"draft"`
}

type CommitTransactionResponse struct {
	TransactionID  string `json:"transaction_id"`
	SequenceNumber int64  `json:"sequence_number"`
}

type SetAutoreplenishmentRequest struct {
	ProductID string `json:"product_id"`
	Enabled   bool   `json:"enabled"`
}

type SetAutoreplenishmentResponse struct{}

type WatchRequest struct {
	Filter domain.ChangeFilter `json:"filter"`
}

type InventoryServer interface {
	CommitTransaction(ctx context.Context, req *CommitTransactionRequest) (*CommitTransactionResponse, error)
	SetAutoreplenishment(ctx context.Context, req *SetAutoreplenishmentRequest) (*SetAutoreplenishmentResponse, error)
	Watch(req *WatchRequest, stream grpc.ServerStream) error
}

const inventoryServiceName = "inventory.v1.InventoryService"

var InventoryServiceDesc = grpc.ServiceDesc{
	ServiceName: inventoryServiceName,
	HandlerType: (*InventoryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CommitTransaction", Handler: commitTransactionHandler},
		{MethodName: "SetAutoreplenishment", Handler: setAutoreplenishmentHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "inventory/v1/inventory.proto",
}

func commitTransactionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CommitTransactionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InventoryServer).CommitTransaction(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + inventoryServiceName + "/CommitTransaction"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(InventoryServer).CommitTransaction(ctx, req.(*CommitTransactionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func setAutoreplenishmentHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SetAutoreplenishmentRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InventoryServer).SetAutoreplenishment(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + inventoryServiceName + "/SetAutoreplenishment"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(InventoryServer).SetAutoreplenishment(ctx, req.(*SetAutoreplenishmentRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(InventoryServer).Watch(in, stream)
}

type GRPCHandler struct {
	transactions *service.TransactionService
	inventory    *service.InventoryService
	notifier     Subscriber
	log          *zap.Logger
}

func NewGRPCHandler(transactions *service.TransactionService, inventory *service.InventoryService, notifier Subscriber, log *zap.Logger) *GRPCHandler {
	return &GRPCHandler{transactions: transactions, inventory: inventory, notifier: notifier, log: log}
}

func (h *GRPCHandler) Register(s *grpc.Server) {
	s.RegisterService(&InventoryServiceDesc, h)
}

func (h *GRPCHandler) CommitTransaction(ctx context.Context, req *CommitTransactionRequest) (*CommitTransactionResponse, error) {
	draft := req.Draft
	draft.Automatic = false

	res, err := h.transactions.CommitRequest(ctx, req.IdempotencyKey, draft)
	if err != nil {
		return nil, grpcError(err)
	}
	return &CommitTransactionResponse{TransactionID: res.TransactionID, SequenceNumber: res.SequenceNumber}, nil
}

func (h *GRPCHandler) SetAutoreplenishment(ctx context.Context, req *SetAutoreplenishmentRequest) (*SetAutoreplenishmentResponse, error) {
	if err := h.inventory.SetAutoreplenishment(ctx, req.ProductID, req.Enabled); err != nil {
		return nil, grpcError(err)
	}
	return &SetAutoreplenishmentResponse{}, nil
}

// Watch streams matching changes until the client goes away. Idle
// connections are kept alive by the server's keepalive pings.
func (h *GRPCHandler) Watch(req *WatchRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	sub, err := h.notifier.Subscribe(ctx, req.Filter)
	if err != nil {
		return grpcError(err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return status.Error(codes.Unavailable, "change stream ended")
			}
			for _, msg := range messagesFor(req.Filter, ev) {
				if err := stream.SendMsg(&msg); err != nil {
					return err
				}
			}
		}
	}
}

func grpcError(err error) error {
	msg := err.Error()
	switch {
	case errors.Is(err, domain.ErrDuplicateRequest):
		return status.Error(codes.AlreadyExists, msg)
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, msg)
	}
	switch domain.KindOf(err) {
	case domain.KindValidation:
		if errors.Is(err, domain.ErrInsufficientStock) || errors.Is(err, domain.ErrReplenishmentInFlight) {
			return status.Error(codes.FailedPrecondition, msg)
		}
		return status.Error(codes.InvalidArgument, msg)
	case domain.KindUnsupportedUnit:
		return status.Error(codes.InvalidArgument, msg)
	case domain.KindConflict:
		return status.Error(codes.Aborted, msg)
	}
	return status.Error(codes.Unavailable, msg)
}
