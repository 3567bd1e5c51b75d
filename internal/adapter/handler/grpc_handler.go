package handler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rl1809/ministore/internal/auth"
	"github.com/rl1809/ministore/internal/core/domain"
	"github.com/rl1809/ministore/internal/core/service"
)

const (
	// JSONCodecName is the content-subtype clients select with grpc.CallContentSubtype.
	JSONCodecName   = "json"
	grpcServiceName = "ministore.order.v1.OrderService"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec carries messages as JSON so the service needs no generated stubs.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return JSONCodecName }

type CreateOrderRequest struct {
	ShippingAddress domain.ShippingAddress `json:"shippingAddress"`
	PaymentMethod   string                 `json:"paymentMethod"`
	Note            string                 `json:"note,omitempty"`
	DiscountCode    string                 `json:"discountCode,omitempty"`
	IdempotencyKey  string                 `json:"idempotencyKey,omitempty"`
}

type GetOrderRequest struct {
	OrderID string `json:"orderId"`
}

type UpdateOrderStatusRequest struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

type ValidateDiscountRequest struct {
	Code        string `json:"code"`
	OrderAmount int64  `json:"orderAmount"`
}

// OrderServiceServer is the RPC surface of the order engine.
type OrderServiceServer interface {
	CreateOrder(ctx context.Context, req *CreateOrderRequest) (*domain.Order, error)
	GetOrder(ctx context.Context, req *GetOrderRequest) (*domain.Order, error)
	UpdateOrderStatus(ctx context.Context, req *UpdateOrderStatusRequest) (*domain.Order, error)
	ValidateDiscount(ctx context.Context, req *ValidateDiscountRequest) (*service.DiscountValidation, error)
}

var orderServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateOrder", Handler: unaryMethod("CreateOrder", OrderServiceServer.CreateOrder)},
		{MethodName: "GetOrder", Handler: unaryMethod("GetOrder", OrderServiceServer.GetOrder)},
		{MethodName: "UpdateOrderStatus", Handler: unaryMethod("UpdateOrderStatus", OrderServiceServer.UpdateOrderStatus)},
		{MethodName: "ValidateDiscount", Handler: unaryMethod("ValidateDiscount", OrderServiceServer.ValidateDiscount)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ministore/order/v1/order.json",
}

// FullMethod returns the RPC path for method, e.g. /ministore.order.v1.OrderService/GetOrder.
func FullMethod(method string) string {
	return "/" + grpcServiceName + "/" + method
}

type methodHandler = func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error)

func unaryMethod[Req, Resp any](method string, call func(OrderServiceServer, context.Context, *Req) (*Resp, error)) methodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OrderServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(OrderServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// RegisterOrderServiceServer attaches srv to s.
func RegisterOrderServiceServer(s grpc.ServiceRegistrar, srv OrderServiceServer) {
	s.RegisterService(&orderServiceDesc, srv)
}

type GRPCHandler struct {
	discounts *service.DiscountService
	orders    *service.OrderService
	logger    *zap.Logger
}

func NewGRPCHandler(discounts *service.DiscountService, orders *service.OrderService, logger *zap.Logger) *GRPCHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCHandler{discounts: discounts, orders: orders, logger: logger}
}

func (h *GRPCHandler) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*domain.Order, error) {
	identity, _ := auth.FromContext(ctx)
	order, err := h.orders.CreateOrder(ctx, service.CreateOrderCommand{
		UserID:          identity.UserID,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
		Note:            req.Note,
		DiscountCode:    req.DiscountCode,
		IdempotencyKey:  strings.TrimSpace(req.IdempotencyKey),
	})
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &order, nil
}

func (h *GRPCHandler) GetOrder(ctx context.Context, req *GetOrderRequest) (*domain.Order, error) {
	identity, _ := auth.FromContext(ctx)
	order, err := h.orders.GetOrder(ctx, identity.Actor(), req.OrderID)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &order, nil
}

func (h *GRPCHandler) UpdateOrderStatus(ctx context.Context, req *UpdateOrderStatusRequest) (*domain.Order, error) {
	identity, _ := auth.FromContext(ctx)
	order, err := h.orders.UpdateStatus(ctx, identity.Actor(), req.OrderID, req.Status)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &order, nil
}

func (h *GRPCHandler) ValidateDiscount(ctx context.Context, req *ValidateDiscountRequest) (*service.DiscountValidation, error) {
	result, err := h.discounts.Validate(ctx, req.Code, req.OrderAmount)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &result, nil
}

func (h *GRPCHandler) toStatus(err error) error {
	apiErr := classifyError(err)
	code := codes.Internal
	switch {
	case errors.Is(err, domain.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidQuantity), errors.Is(err, domain.ErrEmptyCart):
		code = codes.InvalidArgument
	case errors.Is(err, domain.ErrStockChanged), errors.Is(err, domain.ErrOutOfStock),
		errors.Is(err, domain.ErrDiscountInvalid), errors.Is(err, domain.ErrInvalidTransition):
		code = codes.FailedPrecondition
	case errors.Is(err, domain.ErrConflict):
		code = codes.Aborted
	case errors.Is(err, domain.ErrForbidden):
		code = codes.PermissionDenied
	case errors.Is(err, auth.ErrUnauthenticated):
		code = codes.Unauthenticated
	default:
		h.logger.Error("rpc failed", zap.Error(err))
	}
	return status.Error(code, apiErr.Code+": "+apiErr.Message)
}

// AuthInterceptor verifies the "authorization" metadata on every call.
func AuthInterceptor(verifier *auth.Verifier) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		var raw string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if values := md.Get("authorization"); len(values) > 0 {
				raw = values[0]
			}
		}
		identity, err := verifier.Verify(raw)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "unauthorized: Vui lòng đăng nhập để tiếp tục")
		}
		return handler(auth.WithIdentity(ctx, identity), req)
	}
}

// LoggingInterceptor logs each call with its status code.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		code := status.Code(err)
		fields := []zap.Field{zap.String("method", info.FullMethod), zap.String("code", code.String())}
		switch code {
		case codes.OK:
			logger.Info("rpc completed", fields...)
		case codes.Internal, codes.Unknown:
			logger.Error("rpc completed", fields...)
		default:
			logger.Warn("rpc completed", fields...)
		}
		return resp, err
	}
}
