package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	var target string
	var units string
	var timeout time.Duration
	flag.StringVar(&target, "target", "127.0.0.1:9090", "kernel gRPC address")
	flag.StringVar(&units, "units", "", "comma separated unit names to check; empty checks the kernel itself")
	flag.DurationVar(&timeout, "timeout", 3*time.Second, "per-check timeout")
	flag.Parse()

	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		panic(fmt.Errorf("dial %s: %w", target, err))
	}
	defer conn.Close()

	c := healthpb.NewHealthClient(conn)

	services := []string{""}
	if units != "" {
		services = strings.Split(units, ",")
	}

	healthy := true
	for _, svc := range services {
		svc = strings.TrimSpace(svc)
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
		cancel()

		label := svc
		if label == "" {
			label = "kernel"
		}
		if err != nil {
			fmt.Printf("%s: check failed: %v\n", label, err)
			healthy = false
			continue
		}
		fmt.Printf("%s: %s\n", label, resp.GetStatus())
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			healthy = false
		}
	}
	if !healthy {
		os.Exit(1)
	}
}
