package domain

// LocationType classifies where a cost center or measure belongs organisationally.
type LocationType string

const (
	// LocationFloor is a regional sales-floor location.
	LocationFloor LocationType = "Floor"
	// LocationHQ is the head office.
	LocationHQ LocationType = "HQ"
	// LocationUnknown is used when no classification could be made.
	LocationUnknown LocationType = "Unknown"
)

// LocationInfo is the organisational position resolved for a cost center.
// Any field may be empty.
type LocationInfo struct {
	Department string `json:"department"`
	Region     string `json:"region"`
	District   string `json:"district"`
}

// IsZero reports whether no location field is set.
func (l LocationInfo) IsZero() bool {
	return l.Department == "" && l.Region == "" && l.District == ""
}

// MappingEntry is one row of a cost-center mapping table.
type MappingEntry struct {
	Key string
	LocationInfo
}
