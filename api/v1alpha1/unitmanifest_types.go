package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// UnitManifest publishes one version of a unit: where its manifest and distribution
// live, plus the dependency declarations the kernel would otherwise fetch.
//
// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:scope=Namespaced,shortName=um
// +kubebuilder:printcolumn:name="Unit",type=string,JSONPath=`.spec.unit.name`
// +kubebuilder:printcolumn:name="Version",type=string,JSONPath=`.spec.unit.version`
// +kubebuilder:printcolumn:name="Phase",type=string,JSONPath=`.status.phase`
// +kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`
type UnitManifest struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   UnitManifestSpec   `json:"spec"`
	Status UnitManifestStatus `json:"status,omitempty"`
}

type UnitManifestSpec struct {
	Unit UnitIdentity `json:"unit"`
	// ManifestURL points at the canonical manifest document. Optional when DistBase is set.
	ManifestURL string `json:"manifestUrl,omitempty"`
	// DistBase is the base URL the unit's entry and exposed modules are served from.
	DistBase string `json:"distBase,omitempty"`

	Requires        []UnitRequirement                  `json:"requires,omitempty"`
	ImportExposed   map[string]map[string]ExposedModule `json:"importExposed,omitempty"`
	SharedProviders map[string]SharedProvider          `json:"sharedProviders,omitempty"`
}

type UnitIdentity struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type UnitRequirement struct {
	Name  string `json:"name"`
	Range string `json:"range,omitempty"`
}

type ExposedModule struct {
	Type           string `json:"type,omitempty"`
	RequireVersion string `json:"requireVersion,omitempty"`
}

type SharedProvider struct {
	RequireVersion string `json:"requireVersion,omitempty"`
}

type UnitManifestStatus struct {
	Phase   string `json:"phase,omitempty"`
	Message string `json:"message,omitempty"`
}

// +kubebuilder:object:root=true
type UnitManifestList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []UnitManifest `json:"items"`
}

func init() {
	SchemeBuilder.Register(&UnitManifest{}, &UnitManifestList{})
}
