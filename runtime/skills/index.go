package skills

import "strings"

type (
	// Index resolves skill references across any number of manifests. Each
	// manifest is reachable through all its alias forms; the first manifest
	// indexed under an alias wins.
	Index struct {
		byAlias   map[string]*Manifest
		manifests []*Manifest
	}
)

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{byAlias: make(map[string]*Manifest)}
}

// Add indexes the manifests under all their aliases.
func (ix *Index) Add(manifests ...Manifest) {
	for i := range manifests {
		m := &manifests[i]
		ix.manifests = append(ix.manifests, m)
		for _, alias := range m.Aliases() {
			if _, ok := ix.byAlias[alias]; !ok {
				ix.byAlias[alias] = m
			}
		}
	}
}

// Resolve looks a reference up, trying the exact spelling first and the
// lowercased spelling second.
func (ix *Index) Resolve(ref string) (*Manifest, bool) {
	if m, ok := ix.byAlias[ref]; ok {
		return m, true
	}
	if m, ok := ix.byAlias[strings.ToLower(ref)]; ok {
		return m, true
	}
	return nil, false
}

// Size returns the number of indexed manifests.
func (ix *Index) Size() int {
	return len(ix.manifests)
}
