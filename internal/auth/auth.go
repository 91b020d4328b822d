package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/moneys/pkg/moneys"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	// MetadataKey carries the bearer token on every gRPC call.
	MetadataKey        = "authorization"
	bearerPrefix       = "bearer "
	healthMethodPrefix = "/grpc.health.v1.Health/"

	errorUnauthenticated = "unauthenticated"
)

var (
	ErrMissingToken  = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid bearer token")
	ErrInvalidConfig = errors.New("invalid authenticator config")
	errNoCallerInCtx = errors.New("no authenticated caller in context")
)

// Claims are the identity claims of a bearer token. The subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
}

// Authenticator mints and verifies HS256 bearer tokens.
type Authenticator struct {
	signingKey []byte
	issuer     string
}

// NewAuthenticator validates the signing configuration.
func NewAuthenticator(signingKey string, issuer string) (*Authenticator, error) {
	if strings.TrimSpace(signingKey) == "" {
		return nil, fmt.Errorf("%w: signing key is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, fmt.Errorf("%w: issuer is required", ErrInvalidConfig)
	}
	return &Authenticator{signingKey: []byte(signingKey), issuer: issuer}, nil
}

// Mint issues a token for userID valid for ttl from now.
func (authenticator *Authenticator) Mint(userID moneys.UserID, ttl time.Duration, now time.Time) (string, error) {
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    authenticator.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(authenticator.signingKey)
}

// Verify parses token and returns the caller it identifies.
func (authenticator *Authenticator) Verify(token string) (moneys.UserID, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(parsedToken *jwt.Token) (interface{}, error) {
		return authenticator.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(authenticator.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return moneys.UserID{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return moneys.UserID{}, ErrInvalidToken
	}
	userID, err := moneys.NewUserID(claims.Subject)
	if err != nil {
		return moneys.UserID{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return userID, nil
}

// Authenticate extracts and verifies the bearer token from incoming metadata.
func (authenticator *Authenticator) Authenticate(ctx context.Context) (moneys.UserID, error) {
	incoming, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return moneys.UserID{}, ErrMissingToken
	}
	values := incoming.Get(MetadataKey)
	if len(values) == 0 {
		return moneys.UserID{}, ErrMissingToken
	}
	header := strings.TrimSpace(values[0])
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return moneys.UserID{}, ErrMissingToken
	}
	return authenticator.Verify(strings.TrimSpace(header[len(bearerPrefix):]))
}

// UnaryServerInterceptor rejects unauthenticated calls and stores the caller
// in the request context.
func (authenticator *Authenticator) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, request interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if strings.HasPrefix(info.FullMethod, healthMethodPrefix) {
			return handler(ctx, request)
		}
		userID, err := authenticator.Authenticate(ctx)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, errorUnauthenticated)
		}
		return handler(WithCaller(ctx, userID), request)
	}
}

// StreamServerInterceptor is the streaming counterpart of UnaryServerInterceptor.
func (authenticator *Authenticator) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(server interface{}, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if strings.HasPrefix(info.FullMethod, healthMethodPrefix) {
			return handler(server, stream)
		}
		userID, err := authenticator.Authenticate(stream.Context())
		if err != nil {
			return status.Error(codes.Unauthenticated, errorUnauthenticated)
		}
		return handler(server, &authenticatedStream{ServerStream: stream, ctx: WithCaller(stream.Context(), userID)})
	}
}

type authenticatedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (stream *authenticatedStream) Context() context.Context {
	return stream.ctx
}

type callerKey struct{}

// WithCaller returns a context carrying userID as the authenticated caller.
func WithCaller(ctx context.Context, userID moneys.UserID) context.Context {
	return context.WithValue(ctx, callerKey{}, userID)
}

// CallerFromContext returns the authenticated caller stored by the interceptors.
func CallerFromContext(ctx context.Context) (moneys.UserID, error) {
	userID, ok := ctx.Value(callerKey{}).(moneys.UserID)
	if !ok || userID.IsZero() {
		return moneys.UserID{}, errNoCallerInCtx
	}
	return userID, nil
}

// BearerMetadata returns outgoing metadata pairs for token.
func BearerMetadata(token string) []string {
	return []string{MetadataKey, "Bearer " + token}
}
