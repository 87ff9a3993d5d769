package location

import "fmt"

// Kind is the closed set of location types in the hierarchy.
type Kind string

const (
	KindCountry          Kind = "country"
	KindProvince         Kind = "province"
	KindFederalRiding    Kind = "federalRiding"
	KindProvincialRiding Kind = "provincialRiding"
	KindTown             Kind = "town"
	KindFirstNation      Kind = "firstNation"
	KindAdhocGroup       Kind = "adhocGroup"
)

var kinds = map[Kind]int{
	KindCountry:          0,
	KindProvince:         1,
	KindFederalRiding:    2,
	KindProvincialRiding: 2,
	KindTown:             2,
	KindFirstNation:      2,
	KindAdhocGroup:       2,
}

// ParseKind validates a kind name.
func ParseKind(value string) (Kind, error) {
	kind := Kind(value)
	if _, ok := kinds[kind]; !ok {
		return "", fmt.Errorf("unknown location kind %q", value)
	}
	return kind, nil
}

// Level is the depth of the kind in the tree: 0 for country, 1 for province,
// 2 for everything under a province.
func (k Kind) Level() int {
	level, ok := kinds[k]
	if !ok {
		return -1
	}
	return level
}

// LegalParent returns the kind a location of kind k must hang under. Country
// has no parent.
func (k Kind) LegalParent() (Kind, bool) {
	switch k.Level() {
	case 1:
		return KindCountry, true
	case 2:
		return KindProvince, true
	default:
		return "", false
	}
}

func (k Kind) Adhoc() bool {
	return k == KindAdhocGroup
}
