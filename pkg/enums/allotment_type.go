package enums

import "fmt"

// AllotmentType is the contract flavour of a pre-committed room block.
type AllotmentType string

const (
	AllotmentElastic    AllotmentType = "ELASTIC"
	AllotmentNonElastic AllotmentType = "NON_ELASTIC"
	AllotmentCommitted  AllotmentType = "COMMITTED"
	AllotmentTentative  AllotmentType = "TENTATIVE"
)

var validAllotmentTypes = []AllotmentType{
	AllotmentElastic,
	AllotmentNonElastic,
	AllotmentCommitted,
	AllotmentTentative,
}

func (a AllotmentType) IsValid() bool {
	for _, candidate := range validAllotmentTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

func ParseAllotmentType(value string) (AllotmentType, error) {
	for _, candidate := range validAllotmentTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid allotment type %q", value)
}
