package grpcserver

import (
	"context"
	"testing"

	"google.golang.org/grpc/metadata"
)

func TestWithOperator_And_OperatorFromCtx(t *testing.T) {
	t.Parallel()

	if s, ok := OperatorFromCtx(context.Background()); ok || s != "" {
		t.Fatalf("expected no operator in empty ctx")
	}

	ctx := WithOperator(context.Background(), "ops")
	got, ok := OperatorFromCtx(ctx)
	if !ok || got != "ops" {
		t.Fatalf("mismatch: got %q ok=%v", got, ok)
	}

	if _, ok := OperatorFromCtx(WithOperator(context.Background(), "")); ok {
		t.Fatalf("expected miss on empty subject")
	}

	bad := context.WithValue(context.Background(), operatorKey, 42)
	if _, ok := OperatorFromCtx(bad); ok {
		t.Fatalf("expected miss on wrong typed value")
	}
}

func Test_bearerTokenFromMD_OkAndErrors(t *testing.T) {
	t.Parallel()

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer abc.def.ghi"))
	got, err := bearerTokenFromMD(ctx)
	if err != nil || got != "abc.def.ghi" {
		t.Fatalf("ok: got=%q err=%v", got, err)
	}

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "bearer xyz"))
	if got, err := bearerTokenFromMD(ctx); err != nil || got != "xyz" {
		t.Fatalf("lowercase scheme: got=%q err=%v", got, err)
	}

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Basic foo"))
	if _, err := bearerTokenFromMD(ctx); err == nil {
		t.Fatalf("want error on non-bearer")
	}

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer   "))
	if _, err := bearerTokenFromMD(ctx); err == nil {
		t.Fatalf("want error on empty token")
	}

	if _, err := bearerTokenFromMD(context.Background()); err == nil {
		t.Fatalf("want error on no metadata")
	}
}
