package main

import (
	"context"
	"testing"

	"github.com/oriys/entrypoint/internal/propagation"
	"github.com/oriys/entrypoint/internal/worker"
)

func TestRegisterEcho(t *testing.T) {
	reg := worker.NewRegistry()
	if err := registerEcho(reg, "svc", []string{"default", "orders"}); err != nil {
		t.Fatalf("registerEcho: %v", err)
	}
	want := []string{"svc.echo.get", "svc.echo.post", "svc.orders.echo.get", "svc.orders.echo.post"}
	got := reg.Names()
	if len(got) != len(want) {
		t.Fatalf("names = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("names = %v, want %v", got, want)
		}
	}

	h, err := reg.Lookup("svc.orders.echo.post")
	if err != nil {
		t.Fatal(err)
	}
	ctx := propagation.WithValues(context.Background(), map[string]any{"request_id": "r-1"})
	out, err := h(ctx, map[string]any{"x": 1})
	if err != nil {
		t.Fatal(err)
	}
	m := out.(map[string]any)
	if m["context"].(map[string]any)["request_id"] != "r-1" {
		t.Fatalf("echo = %v", m)
	}
}
