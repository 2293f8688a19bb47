package registry

// Resolution is the registry's answer for one name+range request.
type Resolution struct {
	Name    string
	Version string
	// ManifestURL is the canonical manifest document location. May be empty, in which
	// case the manifest is looked up relative to DistBase.
	ManifestURL string
	// DistBase is the base URL the unit's entry and exposed modules are served from.
	DistBase string
	// Manifest is a manifest document declared alongside the publication, if any.
	Manifest []byte
}

// Publication is one published version of a unit as held by the static registry.
type Publication struct {
	Name        string
	Version     string
	ManifestURL string
	DistBase    string
}

func (p Publication) resolution() Resolution {
	return Resolution{
		Name:        p.Name,
		Version:     p.Version,
		ManifestURL: p.ManifestURL,
		DistBase:    p.DistBase,
	}
}
