package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestE2ESmoke_KernelDemoUnits(t *testing.T) {
	if os.Getenv("KERNEL_E2E") == "" {
		t.Skip("set KERNEL_E2E=1 to run the daemon smoke test")
	}
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go not found in PATH")
	}

	repoRoot := findRepoRoot(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	adminPort := pickFreePort(t)
	grpcPort := pickFreePort(t)
	adminAddr := fmt.Sprintf("127.0.0.1:%d", adminPort)
	grpcAddr := fmt.Sprintf("127.0.0.1:%d", grpcPort)

	configPath := filepath.Join(t.TempDir(), "kernel.toml")
	config := "name = \"kernel-e2e\"\nbootstrap_timeout = \"10s\"\n\n[runtime]\ntenant = \"e2e\"\n"
	if err := os.WriteFile(configPath, []byte(config), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	// Start the daemon out of cluster; the demo units are published in process.
	kernelCtx, kernelCancel := context.WithCancel(ctx)
	defer kernelCancel()

	kernelCmd := exec.CommandContext(kernelCtx, "go", "run", ".",
		"--config="+configPath,
		"--admin-bind-address="+adminAddr,
		"--grpc-bind-address="+grpcAddr,
	)
	kernelCmd.Dir = repoRoot
	kernelCmd.Env = append(os.Environ(), "KUBECONFIG="+filepath.Join(t.TempDir(), "missing"))
	var kernelOut bytes.Buffer
	kernelCmd.Stdout = &kernelOut
	kernelCmd.Stderr = &kernelOut
	if err := kernelCmd.Start(); err != nil {
		t.Fatalf("start kernel: %v", err)
	}
	t.Cleanup(func() {
		kernelCancel()
		_ = kernelCmd.Wait()
	})

	httpClient := &http.Client{Timeout: 2 * time.Second}
	url := fmt.Sprintf("http://%s/units", adminAddr)

	// Poll the admin listing until every demo unit bootstrapped.
	want := []string{"telemetry", "identity", "shell", "dashboard"}
	deadline := time.Now().Add(3 * time.Minute)
	for {
		if time.Now().After(deadline) {
			t.Logf("kernel output:\n%s", kernelOut.String())
			t.Fatalf("timeout waiting for demo units to bootstrap (%s)", url)
		}

		resp, err := httpClient.Get(url)
		if err == nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()

			var listing unitListing
			if err := json.Unmarshal(body, &listing); err == nil && listing.bootstrapped(want...) {
				break
			}
		}
		time.Sleep(time.Second)
	}

	out := runOrFail(t, ctx, repoRoot, nil, "go", "run", "./cmd/kernel-probe",
		"-target", grpcAddr,
		"-units", strings.Join(want, ","),
	)
	if strings.Contains(out, "NOT_SERVING") {
		t.Fatalf("probe reported unhealthy units:\n%s", out)
	}
}

type unitListing struct {
	Units []struct {
		Name  string `json:"name"`
		Phase string `json:"phase"`
	} `json:"units"`
}

func (l unitListing) bootstrapped(names ...string) bool {
	phases := map[string]string{}
	for _, u := range l.Units {
		phases[u.Name] = u.Phase
	}
	for _, n := range names {
		if phases[n] != "Bootstrapped" {
			return false
		}
	}
	return true
}

func pickFreePort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func findRepoRoot(t *testing.T) string {
	t.Helper()

	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	// e2e/smoke_test.go -> repo root
	return filepath.Clean(filepath.Join(filepath.Dir(file), ".."))
}

func runOrFail(t *testing.T, ctx context.Context, dir string, env []string, name string, args ...string) string {
	t.Helper()

	out, err := runOut(ctx, dir, env, name, args...)
	if err != nil {
		t.Fatalf("%s %s failed: %v\n%s", name, strings.Join(args, " "), err, out)
	}
	return out
}

func runOut(ctx context.Context, dir string, env []string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if env != nil {
		cmd.Env = env
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}
