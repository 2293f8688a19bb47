package extension

import (
	"context"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/bayleafwalker/bindery-kernel/internal/kernelerr"
	"github.com/bayleafwalker/bindery-kernel/internal/unit"
)

// ApplyAutoScope runs setup and apply for every auto-apply extension in u's scope that u
// did not request explicitly. Failures are logged and counted; one extension failing
// never stops the others. It returns the context of the first applied extension that
// overrides u's execution, or nil.
func (e *Executor) ApplyAutoScope(ctx context.Context, u *unit.Unit, rt *unit.Runtime) *CallContext {
	logger := log.FromContext(ctx).WithValues("unit", u.Key())

	target := ScopeUnit
	if u.IsProvider() {
		target = ScopeProvider
	}

	explicit := map[string]struct{}{}
	for _, use := range u.Uses {
		if reg := e.cfg.Manager.LookupVersion(use.Name, use.Provider, use.Version); reg.Found() {
			explicit[reg.Key] = struct{}{}
		}
	}

	var override *CallContext
	for _, reg := range e.cfg.Manager.AutoApply(target) {
		if _, ok := explicit[reg.Key]; ok {
			continue
		}
		ext := reg.Extension

		if ext.Filter != nil {
			ok, err := ext.Filter(u)
			if err != nil {
				e.cfg.Metrics.ExtensionError("filter")
				logger.Error(kernelerr.New(kernelerr.CodeFilterError, "filter "+reg.FullKey(), err), "auto-apply filter failed")
				continue
			}
			if !ok {
				continue
			}
		}

		cc := e.newContext(u, reg, rt, nil)
		if ext.Setup != nil {
			res, err := ext.Setup(ctx, cc)
			if err != nil {
				e.cfg.Metrics.ExtensionError("setup")
				logger.Error(kernelerr.New(kernelerr.CodeSetupFailed, "setup "+reg.FullKey(), err), "auto-apply setup failed")
				continue
			}
			switch res.Status {
			case StatusDefer:
				e.cfg.Metrics.ExtensionSetup(string(StatusDefer))
				e.deferContext(cc)
				logger.V(1).Info("auto-apply extension deferred, not applying", "extension", reg.FullKey())
				continue
			case StatusSkip:
				e.cfg.Metrics.ExtensionSetup(string(StatusSkip))
				e.setStatus(cc, StatusSkip)
				continue
			}
			e.cfg.Metrics.ExtensionSetup(string(StatusReady))
			e.markReady(ctx, cc, res.Share)
		} else {
			e.markReady(ctx, cc, nil)
		}

		if ext.Apply != nil {
			if err := ext.Apply(ctx, cc); err != nil {
				e.cfg.Metrics.ExtensionError("apply")
				logger.Error(kernelerr.New(kernelerr.CodeApplyFailed, "apply "+reg.FullKey(), err), "auto-apply failed")
				continue
			}
		}

		if override == nil && ext.Override.matches(u) {
			override = cc
		}
	}
	return override
}
