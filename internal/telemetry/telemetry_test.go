package telemetry

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestResolveTarget(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw  string
		want target
	}{
		{"collector", target{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{"collector:9000", target{protocol: "grpc", endpoint: "collector:9000", insecure: true}},
		{"grpcs://collector", target{protocol: "grpc", endpoint: "collector:4317"}},
		{"http://collector/v1/traces/", target{protocol: "http", endpoint: "collector:4318", path: "/v1/traces", insecure: true}},
		{"https://collector:443", target{protocol: "http", endpoint: "collector:443"}},
	}
	for _, tc := range cases {
		got, err := resolveTarget(tc.raw)
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %+v want %+v", tc.raw, got, tc.want)
		}
	}
	if _, err := resolveTarget("ftp://collector"); err == nil {
		t.Fatalf("unknown scheme must fail")
	}
}

func TestSetupDisabled(t *testing.T) {
	t.Parallel()
	b, err := Setup(context.Background(), Options{}, nil)
	if err != nil || b != nil {
		t.Fatalf("disabled setup = %v, %v", b, err)
	}
	if err := b.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
	if _, err := Setup(context.Background(), Options{RuntimeMetrics: true}, nil); err == nil {
		t.Fatalf("runtime metrics without listener must fail")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ctx := context.Background()
	b, err := Setup(ctx, Options{MetricsListen: "127.0.0.1:0"}, nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer b.Shutdown(ctx)
	resp, err := http.Get("http://" + b.MetricsAddr() + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "target_info") {
		t.Fatalf("scrape missing target_info:\n%s", body)
	}
}
