package auth

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func actorFromMetadata(ctx context.Context, verifier *JWTVerifier, actorType string) (Actor, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return Actor{}, status.Error(codes.Unauthenticated, "missing metadata")
	}
	authz := md.Get("authorization")
	if len(authz) == 0 {
		return Actor{}, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	tok, ok := bearer(authz[0])
	if !ok {
		return Actor{}, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	actor, err := verifier.ParseActor(tok)
	if err != nil {
		return Actor{}, status.Error(codes.Unauthenticated, "invalid token")
	}
	if actorType != "" && actor.Type != actorType {
		return Actor{}, status.Error(codes.PermissionDenied, "actor type not allowed")
	}
	return actor, nil
}

// UnaryJWTInterceptor authenticates every unary call except the listed
// full method names (health probes).
func UnaryJWTInterceptor(verifier *JWTVerifier, actorType string, allowUnauthenticated []string) grpc.UnaryServerInterceptor {
	allow := make(map[string]struct{}, len(allowUnauthenticated))
	for _, m := range allowUnauthenticated {
		allow[m] = struct{}{}
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := allow[info.FullMethod]; ok {
			return handler(ctx, req)
		}
		actor, err := actorFromMetadata(ctx, verifier, actorType)
		if err != nil {
			return nil, err
		}
		return handler(WithActor(ctx, actor), req)
	}
}

type actorStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s actorStream) Context() context.Context { return s.ctx }

func StreamJWTInterceptor(verifier *JWTVerifier, actorType string, allowUnauthenticated []string) grpc.StreamServerInterceptor {
	allow := make(map[string]struct{}, len(allowUnauthenticated))
	for _, m := range allowUnauthenticated {
		allow[m] = struct{}{}
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if _, ok := allow[info.FullMethod]; ok {
			return handler(srv, ss)
		}
		actor, err := actorFromMetadata(ss.Context(), verifier, actorType)
		if err != nil {
			return err
		}
		return handler(srv, actorStream{ServerStream: ss, ctx: WithActor(ss.Context(), actor)})
	}
}
