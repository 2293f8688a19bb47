// Package admin serves the kernel daemon's HTTP surface: health, unit and extension
// listings, on-demand loads and Prometheus metrics.
package admin

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bayleafwalker/bindery-kernel/internal/bootstrap"
	"github.com/bayleafwalker/bindery-kernel/internal/extension"
	"github.com/bayleafwalker/bindery-kernel/internal/kernel"
	"github.com/bayleafwalker/bindery-kernel/internal/kernelerr"
	"github.com/bayleafwalker/bindery-kernel/internal/manifest"
	"github.com/bayleafwalker/bindery-kernel/internal/unit"
)

// Kernel is the part of the kernel session the admin routes drive.
type Kernel interface {
	Units() []*unit.Unit
	Unit(name string) (*unit.Unit, bool)
	Phase(name string) bootstrap.Phase
	Extensions() []extension.Registration
	LoadUnitsByName(ctx context.Context, reqs []manifest.Request, lo kernel.LoadOptions) ([]*unit.Unit, error)
	Reset() error
}

var _ Kernel = (*kernel.Kernel)(nil)

type Server struct {
	Name     string
	Appeared time.Time

	kernel Kernel
	router *gin.Engine
}

// UnitView is the JSON form of a loaded unit.
type UnitView struct {
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Phase    string   `json:"phase"`
	Uses     []string `json:"uses,omitempty"`
	Provides []string `json:"provides,omitempty"`
	Exposes  []string `json:"exposes,omitempty"`
}

type ExtensionView struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	Provider  string `json:"provider"`
	Version   string `json:"version"`
	Default   bool   `json:"default"`
	AutoApply string `json:"autoApply,omitempty"`
}

// LoadRequest is the body of POST /units/load.
type LoadRequest struct {
	Requests    []manifest.Request `json:"requests" binding:"required,min=1"`
	Concurrency int                `json:"concurrency,omitempty"`
	LoadID      string             `json:"loadId,omitempty"`
}

// New builds the admin router. gatherer backs /metrics; nil uses the default registry.
func New(name string, k Kernel, gatherer prometheus.Gatherer, logger logr.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger.WithName("admin")))
	if err := r.SetTrustedProxies([]string{"127.0.0.1", "::1"}); err != nil {
		logger.Error(err, "unable to set trusted proxies")
	}

	s := &Server{Name: name, Appeared: time.Now(), kernel: k, router: r}
	r.GET("/healthz", s.health)
	r.GET("/units", s.listUnits)
	r.GET("/units/:name", s.getUnit)
	r.POST("/units/load", s.load)
	r.GET("/extensions", s.listExtensions)
	r.POST("/reset", s.reset)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": s.Name,
		"uptime":  time.Since(s.Appeared).Round(time.Second).String(),
		"units":   len(s.kernel.Units()),
	})
}

func (s *Server) view(u *unit.Unit) UnitView {
	v := UnitView{
		Name:     u.Name,
		Version:  u.Version,
		Phase:    string(s.kernel.Phase(u.Name)),
		Provides: u.Provided(),
		Exposes:  u.Exposes(),
	}
	if v.Phase == "" {
		v.Phase = "Loaded"
	}
	for _, use := range u.Uses {
		v.Uses = append(v.Uses, use.String())
	}
	return v
}

func (s *Server) listUnits(c *gin.Context) {
	units := s.kernel.Units()
	out := make([]UnitView, 0, len(units))
	for _, u := range units {
		out = append(out, s.view(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	c.JSON(http.StatusOK, gin.H{"units": out})
}

func (s *Server) getUnit(c *gin.Context) {
	u, ok := s.kernel.Unit(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unit not loaded"})
		return
	}
	c.JSON(http.StatusOK, s.view(u))
}

func (s *Server) listExtensions(c *gin.Context) {
	regs := s.kernel.Extensions()
	out := make([]ExtensionView, 0, len(regs))
	for _, r := range regs {
		out = append(out, ExtensionView{
			Key:       r.FullKey(),
			Name:      r.Name,
			Provider:  r.Provider,
			Version:   r.Version,
			Default:   r.Version == r.DefaultVersion,
			AutoApply: string(r.Extension.AutoApply),
		})
	}
	c.JSON(http.StatusOK, gin.H{"extensions": out})
}

func (s *Server) load(c *gin.Context) {
	var req LoadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	units, err := s.kernel.LoadUnitsByName(c.Request.Context(), req.Requests, kernel.LoadOptions{
		Concurrency: req.Concurrency,
		LoadID:      req.LoadID,
	})
	loaded := make([]string, 0, len(units))
	for _, u := range units {
		loaded = append(loaded, u.Key())
	}
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "code": kernelerr.CodeOf(err).String(), "loaded": loaded})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "loaded": loaded})
}

func (s *Server) reset(c *gin.Context) {
	if err := s.kernel.Reset(); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, kernelerr.ErrDependencyNotFound):
		return http.StatusNotFound
	case errors.Is(err, kernelerr.ErrDependencyCycle), errors.Is(err, kernel.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
