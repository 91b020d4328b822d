package walletsync

import (
	"context"

	moneysv1 "github.com/MarkoPoloResearchLab/moneys/api/moneys/v1"
	"github.com/stretchr/testify/mock"
	"google.golang.org/grpc"
)

// mockRemote is a testify mock of moneysv1.MoneysServiceClient.
type mockRemote struct {
	mock.Mock
}

func walletResult(args mock.Arguments) (*moneysv1.WalletResponse, error) {
	response, _ := args.Get(0).(*moneysv1.WalletResponse)
	return response, args.Error(1)
}

func (remote *mockRemote) GrantDaily(ctx context.Context, in *moneysv1.GrantDailyRequest, opts ...grpc.CallOption) (*moneysv1.WalletResponse, error) {
	return walletResult(remote.Called(ctx, in))
}

func (remote *mockRemote) Spend(ctx context.Context, in *moneysv1.SpendRequest, opts ...grpc.CallOption) (*moneysv1.WalletResponse, error) {
	return walletResult(remote.Called(ctx, in))
}

func (remote *mockRemote) Purchase(ctx context.Context, in *moneysv1.PurchaseRequest, opts ...grpc.CallOption) (*moneysv1.WalletResponse, error) {
	return walletResult(remote.Called(ctx, in))
}

func (remote *mockRemote) EnsureWallet(ctx context.Context, in *moneysv1.EnsureWalletRequest, opts ...grpc.CallOption) (*moneysv1.WalletResponse, error) {
	return walletResult(remote.Called(ctx, in))
}

func (remote *mockRemote) GetWallet(ctx context.Context, in *moneysv1.GetWalletRequest, opts ...grpc.CallOption) (*moneysv1.WalletResponse, error) {
	return walletResult(remote.Called(ctx, in))
}

func (remote *mockRemote) ListEntries(ctx context.Context, in *moneysv1.ListEntriesRequest, opts ...grpc.CallOption) (*moneysv1.ListEntriesResponse, error) {
	args := remote.Called(ctx, in)
	response, _ := args.Get(0).(*moneysv1.ListEntriesResponse)
	return response, args.Error(1)
}

func (remote *mockRemote) WatchWallet(ctx context.Context, in *moneysv1.WatchWalletRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[moneysv1.WalletResponse], error) {
	args := remote.Called(ctx, in)
	stream, _ := args.Get(0).(grpc.ServerStreamingClient[moneysv1.WalletResponse])
	return stream, args.Error(1)
}

func (remote *mockRemote) ListCosts(ctx context.Context, in *moneysv1.ListCostsRequest, opts ...grpc.CallOption) (*moneysv1.ListCostsResponse, error) {
	args := remote.Called(ctx, in)
	response, _ := args.Get(0).(*moneysv1.ListCostsResponse)
	return response, args.Error(1)
}

// scriptedStream replays responses in order, then closes drained and blocks
// until ctx ends.
type scriptedStream struct {
	grpc.ClientStream
	ctx       context.Context
	responses []*moneysv1.WalletResponse
	drained   chan struct{}
}

func (stream *scriptedStream) Recv() (*moneysv1.WalletResponse, error) {
	if len(stream.responses) > 0 {
		next := stream.responses[0]
		stream.responses = stream.responses[1:]
		return next, nil
	}
	close(stream.drained)
	<-stream.ctx.Done()
	return nil, stream.ctx.Err()
}
