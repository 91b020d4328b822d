package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/moneys/pkg/moneys"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	testSigningKey = "auth-test-signing-key"
	testIssuer     = "moneys-test"
)

func newTestAuthenticator(test *testing.T) *Authenticator {
	test.Helper()
	authenticator, err := NewAuthenticator(testSigningKey, testIssuer)
	if err != nil {
		test.Fatalf("authenticator: %v", err)
	}
	return authenticator
}

func mustUserID(test *testing.T, raw string) moneys.UserID {
	test.Helper()
	userID, err := moneys.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func TestNewAuthenticatorValidation(test *testing.T) {
	test.Parallel()
	if _, err := NewAuthenticator(" ", testIssuer); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected ErrInvalidConfig for empty key, got %v", err)
	}
	if _, err := NewAuthenticator(testSigningKey, ""); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected ErrInvalidConfig for empty issuer, got %v", err)
	}
}

func TestVerify(test *testing.T) {
	test.Parallel()
	authenticator := newTestAuthenticator(test)
	now := time.Now()
	valid, err := authenticator.Mint(mustUserID(test, "alice"), time.Hour, now)
	if err != nil {
		test.Fatalf("mint: %v", err)
	}
	expired, err := authenticator.Mint(mustUserID(test, "alice"), time.Hour, now.Add(-3*time.Hour))
	if err != nil {
		test.Fatalf("mint expired: %v", err)
	}
	otherIssuer, err := NewAuthenticator(testSigningKey, "someone-else")
	if err != nil {
		test.Fatalf("authenticator: %v", err)
	}
	foreign, err := otherIssuer.Mint(mustUserID(test, "alice"), time.Hour, now)
	if err != nil {
		test.Fatalf("mint foreign: %v", err)
	}
	blankSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    testIssuer,
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}}).SignedString([]byte(testSigningKey))
	if err != nil {
		test.Fatalf("sign blank subject: %v", err)
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    testIssuer,
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		test.Fatalf("sign none: %v", err)
	}

	testCases := []struct {
		name      string
		token     string
		expectErr bool
	}{
		{name: "valid", token: valid},
		{name: "expired", token: expired, expectErr: true},
		{name: "wrong issuer", token: foreign, expectErr: true},
		{name: "missing subject", token: blankSubject, expectErr: true},
		{name: "alg none", token: unsigned, expectErr: true},
		{name: "garbage", token: "not-a-jwt", expectErr: true},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			userID, err := authenticator.Verify(testCase.token)
			if testCase.expectErr {
				if !errors.Is(err, ErrInvalidToken) {
					test.Fatalf("expected ErrInvalidToken, got %v", err)
				}
				return
			}
			if err != nil {
				test.Fatalf("verify: %v", err)
			}
			if userID.String() != "alice" {
				test.Fatalf("expected alice, got %s", userID)
			}
		})
	}
}

func TestAuthenticateReadsBearerMetadata(test *testing.T) {
	test.Parallel()
	authenticator := newTestAuthenticator(test)
	token, err := authenticator.Mint(mustUserID(test, "bob"), time.Hour, time.Now())
	if err != nil {
		test.Fatalf("mint: %v", err)
	}

	if _, err := authenticator.Authenticate(context.Background()); !errors.Is(err, ErrMissingToken) {
		test.Fatalf("expected ErrMissingToken without metadata, got %v", err)
	}
	basic := metadata.NewIncomingContext(context.Background(), metadata.Pairs(MetadataKey, "Basic abc"))
	if _, err := authenticator.Authenticate(basic); !errors.Is(err, ErrMissingToken) {
		test.Fatalf("expected ErrMissingToken for basic auth, got %v", err)
	}
	lowercase := metadata.NewIncomingContext(context.Background(), metadata.Pairs(MetadataKey, "bearer "+token))
	userID, err := authenticator.Authenticate(lowercase)
	if err != nil {
		test.Fatalf("authenticate: %v", err)
	}
	if userID.String() != "bob" {
		test.Fatalf("expected bob, got %s", userID)
	}
}

func TestUnaryServerInterceptor(test *testing.T) {
	test.Parallel()
	authenticator := newTestAuthenticator(test)
	interceptor := authenticator.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/moneys.v1.MoneysService/Spend"}

	var observed moneys.UserID
	handler := func(ctx context.Context, request interface{}) (interface{}, error) {
		userID, err := CallerFromContext(ctx)
		if err != nil {
			return nil, err
		}
		observed = userID
		return "ok", nil
	}

	_, err := interceptor(context.Background(), nil, info, handler)
	if status.Code(err) != codes.Unauthenticated {
		test.Fatalf("expected Unauthenticated, got %v", err)
	}

	token, err := authenticator.Mint(mustUserID(test, "carol"), time.Hour, time.Now())
	if err != nil {
		test.Fatalf("mint: %v", err)
	}
	ctx := metadata.NewIncomingContext(context.Background(), metadata.New(map[string]string{MetadataKey: "Bearer " + token}))
	response, err := interceptor(ctx, nil, info, handler)
	if err != nil {
		test.Fatalf("intercept: %v", err)
	}
	if response != "ok" || observed.String() != "carol" {
		test.Fatalf("expected handler to see carol, got %v %s", response, observed)
	}

	healthInfo := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	if _, err := interceptor(context.Background(), nil, healthInfo, func(context.Context, interface{}) (interface{}, error) {
		return "serving", nil
	}); err != nil {
		test.Fatalf("expected health checks to bypass auth, got %v", err)
	}
}

func TestCallerFromContextRequiresCaller(test *testing.T) {
	test.Parallel()
	if _, err := CallerFromContext(context.Background()); err == nil {
		test.Fatalf("expected error without caller")
	}
	userID, err := CallerFromContext(WithCaller(context.Background(), mustUserID(test, "dave")))
	if err != nil || userID.String() != "dave" {
		test.Fatalf("expected dave, got %s %v", userID, err)
	}
}
