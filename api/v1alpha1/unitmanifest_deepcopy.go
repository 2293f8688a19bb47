package v1alpha1

import (
	"k8s.io/apimachinery/pkg/runtime"
)

// DeepCopyInto copies the receiver, writing into out. in must be non-nil.
func (in *UnitManifest) DeepCopyInto(out *UnitManifest) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	in.Spec.DeepCopyInto(&out.Spec)
	out.Status = in.Status
}

// DeepCopy copies the receiver, creating a new UnitManifest.
func (in *UnitManifest) DeepCopy() *UnitManifest {
	if in == nil {
		return nil
	}
	out := new(UnitManifest)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyObject copies the receiver, creating a new runtime.Object.
func (in *UnitManifest) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}

// DeepCopyInto copies the receiver, writing into out. in must be non-nil.
func (in *UnitManifestSpec) DeepCopyInto(out *UnitManifestSpec) {
	*out = *in
	if in.Requires != nil {
		out.Requires = make([]UnitRequirement, len(in.Requires))
		copy(out.Requires, in.Requires)
	}
	if in.ImportExposed != nil {
		out.ImportExposed = make(map[string]map[string]ExposedModule, len(in.ImportExposed))
		for pkg, modules := range in.ImportExposed {
			if modules == nil {
				out.ImportExposed[pkg] = nil
				continue
			}
			cp := make(map[string]ExposedModule, len(modules))
			for path, m := range modules {
				cp[path] = m
			}
			out.ImportExposed[pkg] = cp
		}
	}
	if in.SharedProviders != nil {
		out.SharedProviders = make(map[string]SharedProvider, len(in.SharedProviders))
		for pkg, p := range in.SharedProviders {
			out.SharedProviders[pkg] = p
		}
	}
}

// DeepCopy copies the receiver, creating a new UnitManifestSpec.
func (in *UnitManifestSpec) DeepCopy() *UnitManifestSpec {
	if in == nil {
		return nil
	}
	out := new(UnitManifestSpec)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyInto copies the receiver, writing into out. in must be non-nil.
func (in *UnitManifestList) DeepCopyInto(out *UnitManifestList) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ListMeta.DeepCopyInto(&out.ListMeta)
	if in.Items != nil {
		out.Items = make([]UnitManifest, len(in.Items))
		for i := range in.Items {
			in.Items[i].DeepCopyInto(&out.Items[i])
		}
	}
}

// DeepCopy copies the receiver, creating a new UnitManifestList.
func (in *UnitManifestList) DeepCopy() *UnitManifestList {
	if in == nil {
		return nil
	}
	out := new(UnitManifestList)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyObject copies the receiver, creating a new runtime.Object.
func (in *UnitManifestList) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}
