package realm

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// gRPC metadata keys for the two credentials. Metadata keys are lowercase
// by convention.
const (
	metadataEndUserAuthentication = "authorization"
	metadataClientAuthentication  = "es-client-authentication"
)

// UnaryServerInterceptor returns a gRPC unary server interceptor that
// authenticates incoming requests against the realm.
//
// The interceptor extracts the bearer JWT from the "authorization"
// metadata value and the optional client secret from
// "es-client-authentication", authenticates via [Realm.Authenticate], and
// stores the resulting [User] in the request context. Requests without a
// bearer credential or with unsuccessful authentication receive a gRPC
// Unauthenticated error.
func UnaryServerInterceptor(r *Realm) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ctx, err := authenticateGRPC(ctx, r)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor returns a gRPC stream server interceptor that
// performs the same authentication steps as [UnaryServerInterceptor] and
// wraps the stream to carry the enriched context.
func StreamServerInterceptor(r *Realm) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx, err := authenticateGRPC(ss.Context(), r)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

// authenticateGRPC extracts and authenticates the credentials from
// incoming metadata, returning a context carrying the authenticated user.
func authenticateGRPC(ctx context.Context, r *Realm) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing request metadata")
	}

	token, ok := TokenFromHeaders(
		firstMetadataValue(md, metadataEndUserAuthentication),
		firstMetadataValue(md, metadataClientAuthentication),
	)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization metadata")
	}

	result, err := authenticateBlocking(ctx, r, token)
	if err != nil {
		return nil, status.Error(codes.Internal, "authentication failed")
	}
	if !result.Authenticated() {
		return nil, status.Error(codes.Unauthenticated, "authentication failed")
	}

	return ContextWithUser(ctx, result.User()), nil
}

func firstMetadataValue(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}

// wrappedServerStream overrides the embedded stream's context with the
// authenticated one.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the context carrying the authenticated user.
func (w *wrappedServerStream) Context() context.Context { return w.ctx }
