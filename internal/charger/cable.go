package charger

import "sort"

// CableSpec describes the current capability of a charging cable
type CableSpec struct {
	Name           string `json:"name" yaml:"name"`
	MaxCurrentAmps int    `json:"max_current" yaml:"max_current"`
	Description    string `json:"description" yaml:"description"`
}

const (
	CableType16A = "16A"
	CableType32A = "32A"

	// DefaultCableType is used when the configured tag is unknown
	DefaultCableType = CableType16A
)

var cableTypes = map[string]CableSpec{
	CableType16A: {
		Name:           "Type 2 Cable (16A Max)",
		MaxCurrentAmps: 16,
		Description:    "Standard charging cable, maximum 16A",
	},
	CableType32A: {
		Name:           "Type 2 Cable (32A Max)",
		MaxCurrentAmps: 32,
		Description:    "High power charging cable, maximum 32A",
	},
}

// ResolveCable returns the capabilities of a cable type tag, falling back to the
// default cable for unknown tags.
func ResolveCable(cableType string) CableSpec {
	if spec, ok := cableTypes[cableType]; ok {
		return spec
	}
	return cableTypes[DefaultCableType]
}

// IsKnownCableType reports whether the tag is in the cable table
func IsKnownCableType(cableType string) bool {
	_, ok := cableTypes[cableType]
	return ok
}

// CableTypes returns the known cable type tags in sorted order
func CableTypes() []string {
	tags := make([]string, 0, len(cableTypes))
	for tag := range cableTypes {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
