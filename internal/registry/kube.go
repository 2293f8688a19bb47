package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	kernelv1alpha1 "github.com/bayleafwalker/bindery-kernel/api/v1alpha1"
	"github.com/bayleafwalker/bindery-kernel/internal/semver"
)

// Kube resolves units against UnitManifest resources in one namespace.
//
// Resources whose spec.unit.version is not valid semver are ignored. Ties between
// resources publishing the same version are broken by resource name (ascending).
type Kube struct {
	Reader    client.Reader
	Namespace string
}

func NewKube(reader client.Reader, namespace string) *Kube {
	return &Kube{Reader: reader, Namespace: namespace}
}

func (k *Kube) Resolve(ctx context.Context, name, rng string) (Resolution, error) {
	logger := log.FromContext(ctx).WithValues("resolver", "kube", "namespace", k.Namespace, "unit", name)

	var list kernelv1alpha1.UnitManifestList
	if err := k.Reader.List(ctx, &list, client.InNamespace(k.Namespace)); err != nil {
		return Resolution{}, fmt.Errorf("list unitmanifests in %s: %w", k.Namespace, err)
	}

	candidates := make([]candidate, 0)
	for i := range list.Items {
		um := &list.Items[i]
		if strings.TrimSpace(um.Spec.Unit.Name) != name {
			continue
		}
		raw := strings.TrimSpace(um.Spec.Unit.Version)
		v, err := semver.ParseVersion(raw)
		if err != nil {
			logger.V(1).Info("ignoring unitmanifest with invalid version", "unitManifest", um.Name, "version", raw)
			continue
		}
		declared, err := declaredManifest(name, raw, &um.Spec)
		if err != nil {
			logger.Info("ignoring unitmanifest dependency declarations", "unitManifest", um.Name, "error", err.Error())
		}
		candidates = append(candidates, candidate{
			version:  v,
			tieBreak: um.Name,
			res: Resolution{
				Name:        name,
				Version:     raw,
				ManifestURL: um.Spec.ManifestURL,
				DistBase:    um.Spec.DistBase,
				Manifest:    declared,
			},
		})
	}

	if len(candidates) == 0 {
		return Resolution{}, fmt.Errorf("resolve %s: %w", name, ErrUnitNotFound)
	}
	return selectHighest(name, rng, candidates)
}

// declaredManifest renders the dependency declarations of spec as a manifest document,
// or nil when it declares none.
func declaredManifest(name, version string, spec *kernelv1alpha1.UnitManifestSpec) ([]byte, error) {
	if len(spec.Requires) == 0 && len(spec.ImportExposed) == 0 && len(spec.SharedProviders) == 0 {
		return nil, nil
	}
	return json.Marshal(struct {
		Name            string                                             `json:"name"`
		Version         string                                             `json:"version"`
		Requires        []kernelv1alpha1.UnitRequirement                   `json:"requires,omitempty"`
		ImportExposed   map[string]map[string]kernelv1alpha1.ExposedModule `json:"import-exposed,omitempty"`
		SharedProviders map[string]kernelv1alpha1.SharedProvider           `json:"shared-providers,omitempty"`
	}{name, version, spec.Requires, spec.ImportExposed, spec.SharedProviders})
}
