package moneysv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	MoneysService_GrantDaily_FullMethodName   = "/moneys.v1.MoneysService/GrantDaily"
	MoneysService_Spend_FullMethodName        = "/moneys.v1.MoneysService/Spend"
	MoneysService_Purchase_FullMethodName     = "/moneys.v1.MoneysService/Purchase"
	MoneysService_EnsureWallet_FullMethodName = "/moneys.v1.MoneysService/EnsureWallet"
	MoneysService_GetWallet_FullMethodName    = "/moneys.v1.MoneysService/GetWallet"
	MoneysService_ListEntries_FullMethodName  = "/moneys.v1.MoneysService/ListEntries"
	MoneysService_WatchWallet_FullMethodName  = "/moneys.v1.MoneysService/WatchWallet"
	MoneysService_ListCosts_FullMethodName    = "/moneys.v1.MoneysService/ListCosts"
)

// MoneysServiceClient is the client API for MoneysService. Every call uses
// the JSON codec.
type MoneysServiceClient interface {
	GrantDaily(ctx context.Context, in *GrantDailyRequest, opts ...grpc.CallOption) (*WalletResponse, error)
	Spend(ctx context.Context, in *SpendRequest, opts ...grpc.CallOption) (*WalletResponse, error)
	Purchase(ctx context.Context, in *PurchaseRequest, opts ...grpc.CallOption) (*WalletResponse, error)
	EnsureWallet(ctx context.Context, in *EnsureWalletRequest, opts ...grpc.CallOption) (*WalletResponse, error)
	GetWallet(ctx context.Context, in *GetWalletRequest, opts ...grpc.CallOption) (*WalletResponse, error)
	ListEntries(ctx context.Context, in *ListEntriesRequest, opts ...grpc.CallOption) (*ListEntriesResponse, error)
	WatchWallet(ctx context.Context, in *WatchWalletRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[WalletResponse], error)
	ListCosts(ctx context.Context, in *ListCostsRequest, opts ...grpc.CallOption) (*ListCostsResponse, error)
}

type moneysServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewMoneysServiceClient wraps a connection.
func NewMoneysServiceClient(cc grpc.ClientConnInterface) MoneysServiceClient {
	return &moneysServiceClient{cc: cc}
}

func callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (client *moneysServiceClient) GrantDaily(ctx context.Context, in *GrantDailyRequest, opts ...grpc.CallOption) (*WalletResponse, error) {
	out := new(WalletResponse)
	if err := client.cc.Invoke(ctx, MoneysService_GrantDaily_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (client *moneysServiceClient) Spend(ctx context.Context, in *SpendRequest, opts ...grpc.CallOption) (*WalletResponse, error) {
	out := new(WalletResponse)
	if err := client.cc.Invoke(ctx, MoneysService_Spend_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (client *moneysServiceClient) Purchase(ctx context.Context, in *PurchaseRequest, opts ...grpc.CallOption) (*WalletResponse, error) {
	out := new(WalletResponse)
	if err := client.cc.Invoke(ctx, MoneysService_Purchase_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (client *moneysServiceClient) EnsureWallet(ctx context.Context, in *EnsureWalletRequest, opts ...grpc.CallOption) (*WalletResponse, error) {
	out := new(WalletResponse)
	if err := client.cc.Invoke(ctx, MoneysService_EnsureWallet_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (client *moneysServiceClient) GetWallet(ctx context.Context, in *GetWalletRequest, opts ...grpc.CallOption) (*WalletResponse, error) {
	out := new(WalletResponse)
	if err := client.cc.Invoke(ctx, MoneysService_GetWallet_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (client *moneysServiceClient) ListEntries(ctx context.Context, in *ListEntriesRequest, opts ...grpc.CallOption) (*ListEntriesResponse, error) {
	out := new(ListEntriesResponse)
	if err := client.cc.Invoke(ctx, MoneysService_ListEntries_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (client *moneysServiceClient) ListCosts(ctx context.Context, in *ListCostsRequest, opts ...grpc.CallOption) (*ListCostsResponse, error) {
	out := new(ListCostsResponse)
	if err := client.cc.Invoke(ctx, MoneysService_ListCosts_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (client *moneysServiceClient) WatchWallet(ctx context.Context, in *WatchWalletRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[WalletResponse], error) {
	stream, err := client.cc.NewStream(ctx, &MoneysService_ServiceDesc.Streams[0], MoneysService_WatchWallet_FullMethodName, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	watchStream := &grpc.GenericClientStream[WatchWalletRequest, WalletResponse]{ClientStream: stream}
	if err := watchStream.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := watchStream.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return watchStream, nil
}

// MoneysServiceServer is the server API for MoneysService.
type MoneysServiceServer interface {
	GrantDaily(context.Context, *GrantDailyRequest) (*WalletResponse, error)
	Spend(context.Context, *SpendRequest) (*WalletResponse, error)
	Purchase(context.Context, *PurchaseRequest) (*WalletResponse, error)
	EnsureWallet(context.Context, *EnsureWalletRequest) (*WalletResponse, error)
	GetWallet(context.Context, *GetWalletRequest) (*WalletResponse, error)
	ListEntries(context.Context, *ListEntriesRequest) (*ListEntriesResponse, error)
	WatchWallet(*WatchWalletRequest, grpc.ServerStreamingServer[WalletResponse]) error
	ListCosts(context.Context, *ListCostsRequest) (*ListCostsResponse, error)
	mustEmbedUnimplementedMoneysServiceServer()
}

// UnimplementedMoneysServiceServer must be embedded by implementations.
type UnimplementedMoneysServiceServer struct{}

func (UnimplementedMoneysServiceServer) GrantDaily(context.Context, *GrantDailyRequest) (*WalletResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method GrantDaily not implemented")
}

func (UnimplementedMoneysServiceServer) Spend(context.Context, *SpendRequest) (*WalletResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Spend not implemented")
}

func (UnimplementedMoneysServiceServer) Purchase(context.Context, *PurchaseRequest) (*WalletResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Purchase not implemented")
}

func (UnimplementedMoneysServiceServer) EnsureWallet(context.Context, *EnsureWalletRequest) (*WalletResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method EnsureWallet not implemented")
}

func (UnimplementedMoneysServiceServer) GetWallet(context.Context, *GetWalletRequest) (*WalletResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method GetWallet not implemented")
}

func (UnimplementedMoneysServiceServer) ListEntries(context.Context, *ListEntriesRequest) (*ListEntriesResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ListEntries not implemented")
}

func (UnimplementedMoneysServiceServer) WatchWallet(*WatchWalletRequest, grpc.ServerStreamingServer[WalletResponse]) error {
	return status.Errorf(codes.Unimplemented, "method WatchWallet not implemented")
}

func (UnimplementedMoneysServiceServer) ListCosts(context.Context, *ListCostsRequest) (*ListCostsResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ListCosts not implemented")
}

func (UnimplementedMoneysServiceServer) mustEmbedUnimplementedMoneysServiceServer() {}

// RegisterMoneysServiceServer attaches srv to registrar.
func RegisterMoneysServiceServer(registrar grpc.ServiceRegistrar, srv MoneysServiceServer) {
	registrar.RegisterService(&MoneysService_ServiceDesc, srv)
}

func unaryHandler[Request any, Response any](method string, call func(MoneysServiceServer, context.Context, *Request) (*Response, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Request)
		if err := dec(in); err != nil {
			return nil, status.Error(codes.InvalidArgument, MalformedRequestMessage)
		}
		if interceptor == nil {
			return call(srv.(MoneysServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, request any) (any, error) {
			return call(srv.(MoneysServiceServer), ctx, request.(*Request))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchWalletHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchWalletRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(MoneysServiceServer).WatchWallet(in, &grpc.GenericServerStream[WatchWalletRequest, WalletResponse]{ServerStream: stream})
}

// MalformedRequestMessage is the status message for requests the codec
// cannot decode.
const MalformedRequestMessage = "malformed_request"

// MoneysService_ServiceDesc describes moneys.v1.MoneysService.
var MoneysService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "moneys.v1.MoneysService",
	HandlerType: (*MoneysServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GrantDaily",
			Handler:    unaryHandler(MoneysService_GrantDaily_FullMethodName, MoneysServiceServer.GrantDaily),
		},
		{
			MethodName: "Spend",
			Handler:    unaryHandler(MoneysService_Spend_FullMethodName, MoneysServiceServer.Spend),
		},
		{
			MethodName: "Purchase",
			Handler:    unaryHandler(MoneysService_Purchase_FullMethodName, MoneysServiceServer.Purchase),
		},
		{
			MethodName: "EnsureWallet",
			Handler:    unaryHandler(MoneysService_EnsureWallet_FullMethodName, MoneysServiceServer.EnsureWallet),
		},
		{
			MethodName: "GetWallet",
			Handler:    unaryHandler(MoneysService_GetWallet_FullMethodName, MoneysServiceServer.GetWallet),
		},
		{
			MethodName: "ListEntries",
			Handler:    unaryHandler(MoneysService_ListEntries_FullMethodName, MoneysServiceServer.ListEntries),
		},
		{
			MethodName: "ListCosts",
			Handler:    unaryHandler(MoneysService_ListCosts_FullMethodName, MoneysServiceServer.ListCosts),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchWallet",
			Handler:       watchWalletHandler,
			ServerStreams: true,
		},
	},
}
