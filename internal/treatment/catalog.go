// Package treatment defines experimental conditions and the pure assignment
// function that picks one for each dispatched group.
package treatment

import (
	"fmt"

	perrors "github.com/cohortlab/cohort/internal/platform/errors"
)

// ParamNoiseStd is the standard deviation of the ranking noise applied by
// the scoring collaborator under a condition.
const ParamNoiseStd = "noise_std"

// Treatment is a named experimental condition with numeric parameters.
// Treatments are immutable once defined and looked up by name.
type Treatment struct {
	Name        string
	FullName    string
	Description string
	Params      map[string]float64
}

// Catalog is a fixed set of treatments keyed by name.
type Catalog struct {
	byName map[string]Treatment
	names  []string
}

// NewCatalog builds a catalog from the given treatments. Later duplicates
// overwrite earlier entries.
func NewCatalog(treatments ...Treatment) Catalog {
	c := Catalog{byName: make(map[string]Treatment, len(treatments))}
	for _, tr := range treatments {
		if _, ok := c.byName[tr.Name]; !ok {
			c.names = append(c.names, tr.Name)
		}
		c.byName[tr.Name] = tr
	}
	return c
}

// Get returns the treatment for name.
func (c Catalog) Get(name string) (Treatment, error) {
	tr, ok := c.byName[name]
	if !ok {
		return Treatment{}, perrors.WithMetadata(perrors.CodeUnknownTreatment,
			fmt.Sprintf("treatment %q not in catalog", name),
			map[string]string{"treatment": name})
	}
	return tr, nil
}

// Names returns the catalog entry names in definition order.
func (c Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

// Len returns the number of catalog entries.
func (c Catalog) Len() int {
	return len(c.names)
}

// DefaultCatalog returns the stock meritocracy condition set.
func DefaultCatalog() Catalog {
	return NewCatalog(
		Treatment{
			Name:        "exo_perfect",
			FullName:    "Perfect Meritocracy",
			Description: "Zero variance for perfect meritocracy.",
			Params:      map[string]float64{ParamNoiseStd: 0},
		},
		Treatment{
			Name:        "exo_v3",
			FullName:    "High Meritocracy V3",
			Description: "Low level of variance for a high level of meritocracy.",
			Params:      map[string]float64{ParamNoiseStd: 1.732051},
		},
		Treatment{
			Name:        "exo_v20",
			FullName:    "Low Meritocracy V20",
			Description: "High level of variance for a low level of meritocracy.",
			Params:      map[string]float64{ParamNoiseStd: 4.472136},
		},
		Treatment{
			Name:        "exo_v50",
			FullName:    "Low Meritocracy V50",
			Description: "High variance condition used in the rotation ladder.",
			Params:      map[string]float64{ParamNoiseStd: 7.071068},
		},
		Treatment{
			Name:        "exo_v100",
			FullName:    "Minimal Meritocracy V100",
			Description: "Very high variance for near-random ranking.",
			Params:      map[string]float64{ParamNoiseStd: 10},
		},
		Treatment{
			Name:        "exo_v1000",
			FullName:    "Minimal Meritocracy V1000",
			Description: "Extreme variance for effectively random ranking.",
			Params:      map[string]float64{ParamNoiseStd: 31.62278},
		},
		Treatment{
			Name:        "random",
			FullName:    "Random",
			Description: "Completely random matching for no meritocracy.",
			Params:      map[string]float64{},
		},
	)
}
