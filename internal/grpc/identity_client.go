package grpc

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"chatroom-service/internal/identity"
)

// ResolveTokenMethod is the identity service RPC used to verify tokens.
// Request and response are google.protobuf.Struct values so the service
// contract does not need generated stubs.
const ResolveTokenMethod = "/identity.v1.IdentityService/ResolveToken"

// IdentityClient resolves tokens through the remote identity service.
type IdentityClient struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

// NewIdentityClient wraps conn.
func NewIdentityClient(conn grpc.ClientConnInterface, timeout time.Duration) *IdentityClient {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &IdentityClient{conn: conn, timeout: timeout}
}

// Dial opens an instrumented plaintext connection to addr.
func Dial(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
}

// Resolve implements identity.Provider.
func (c *IdentityClient) Resolve(ctx context.Context, token string) (identity.Identity, error) {
	if token == "" {
		return identity.Identity{}, identity.ErrMissingToken
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := structpb.NewStruct(map[string]any{"token": token})
	if err != nil {
		return identity.Identity{}, err
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, ResolveTokenMethod, req, resp); err != nil {
		switch status.Code(err) {
		case codes.Unauthenticated, codes.PermissionDenied, codes.NotFound:
			return identity.Identity{}, identity.ErrInvalidToken
		default:
			return identity.Identity{}, fmt.Errorf("resolve token: %w", err)
		}
	}

	fields := resp.GetFields()
	userID := int(fields["user_id"].GetNumberValue())
	if !fields["valid"].GetBoolValue() || userID <= 0 {
		return identity.Identity{}, identity.ErrInvalidToken
	}
	return identity.Identity{
		UserID:       userID,
		Username:     fields["username"].GetStringValue(),
		Name:         fields["name"].GetStringValue(),
		ProfileImage: fields["profile_image"].GetStringValue(),
	}, nil
}

var _ identity.Provider = (*IdentityClient)(nil)
