package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr/testr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bayleafwalker/bindery-kernel/internal/extension"
	"github.com/bayleafwalker/bindery-kernel/internal/kernel"
	"github.com/bayleafwalker/bindery-kernel/internal/registry"
	"github.com/bayleafwalker/bindery-kernel/internal/transport"
	"github.com/bayleafwalker/bindery-kernel/internal/unit"
)

func newTestServer(t *testing.T) (*Server, *kernel.Kernel) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	catalog := transport.NewCatalog()
	catalog.Register("mem://shell/1.0.0/unit-entry.js", &transport.StaticContainer{
		ContainerName:    "shell",
		ContainerVersion: "1.0.0",
		Modules: map[string]func() transport.Module{
			unit.ExposeMain: func() transport.Module {
				return transport.Module{
					unit.SymbolMain:  &unit.Main{Uses: []any{"shell::theme"}},
					"extensionTheme": &extension.Extension{Name: "theme"},
				}
			},
		},
	})
	reg := registry.NewStatic(registry.Publication{Name: "shell", Version: "1.0.0", DistBase: "mem://shell/1.0.0"})
	promReg := prometheus.NewRegistry()

	k, err := kernel.New(kernel.Options{
		Registry:   reg,
		Transport:  catalog,
		Registerer: promReg,
		Logger:     testr.New(t),
	})
	if err != nil {
		t.Fatalf("new kernel: %v", err)
	}
	t.Cleanup(k.Close)
	return New("kernel-test", k, promReg, testr.New(t)), k
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	var out map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return rr, out
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rr, body := do(t, s, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK || body["status"] != "ok" || body["service"] != "kernel-test" {
		t.Fatalf("unexpected health response %d %v", rr.Code, body)
	}
}

func TestLoadAndList(t *testing.T) {
	s, k := newTestServer(t)

	rr, body := do(t, s, http.MethodPost, "/units/load", `{"requests":[{"name":"shell"}]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if loaded := body["loaded"].([]any); len(loaded) != 1 || loaded[0] != "shell@1.0.0" {
		t.Fatalf("unexpected loaded list %v", body["loaded"])
	}

	rr, body = do(t, s, http.MethodGet, "/units", "")
	units := body["units"].([]any)
	if rr.Code != http.StatusOK || len(units) != 1 {
		t.Fatalf("unexpected units response %d %v", rr.Code, body)
	}
	shell := units[0].(map[string]any)
	if shell["phase"] != "Bootstrapped" || shell["uses"].([]any)[0] != "shell::theme" {
		t.Fatalf("unexpected unit view %v", shell)
	}

	rr, body = do(t, s, http.MethodGet, "/units/shell", "")
	if rr.Code != http.StatusOK || body["version"] != "1.0.0" {
		t.Fatalf("unexpected unit response %d %v", rr.Code, body)
	}

	rr, body = do(t, s, http.MethodGet, "/extensions", "")
	exts := body["extensions"].([]any)
	if rr.Code != http.StatusOK || len(exts) != 1 || exts[0].(map[string]any)["key"] != "shell@1.0.0::theme" {
		t.Fatalf("unexpected extensions response %d %v", rr.Code, body)
	}

	rr, _ = do(t, s, http.MethodPost, "/reset", "")
	if rr.Code != http.StatusOK || len(k.Units()) != 0 {
		t.Fatalf("expected reset to drop units")
	}
}

func TestLoadErrors(t *testing.T) {
	s, _ := newTestServer(t)

	rr, body := do(t, s, http.MethodPost, "/units/load", `{"requests":[{"name":"ghost"}]}`)
	if rr.Code != http.StatusNotFound || body["code"] != "DependencyNotFound" {
		t.Fatalf("expected 404 DependencyNotFound, got %d %v", rr.Code, body)
	}

	rr, _ = do(t, s, http.MethodPost, "/units/load", `{"requests":[]}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty request list, got %d", rr.Code)
	}

	rr, _ = do(t, s, http.MethodGet, "/units/ghost", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown unit, got %d", rr.Code)
	}
}

// busyKernel refuses resets; other methods are not reached.
type busyKernel struct{ Kernel }

func (busyKernel) Reset() error { return kernel.ErrBusy }

func TestResetConflictWhileBusy(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := New("kernel-test", busyKernel{}, prometheus.NewRegistry(), testr.New(t))

	rr, body := do(t, s, http.MethodPost, "/reset", "")
	if rr.Code != http.StatusConflict || body["error"] != kernel.ErrBusy.Error() {
		t.Fatalf("expected 409 while busy, got %d %v", rr.Code, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	do(t, s, http.MethodPost, "/units/load", `{"requests":[{"name":"shell"}]}`)

	rr, _ := do(t, s, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "bindery_kernel_units_loaded 1") {
		t.Fatalf("expected units gauge in metrics output:\n%s", rr.Body.String())
	}
}
