package reconcile

import (
	"strings"

	"github.com/dvloznov/msp-reconciler/internal/domain"
)

type regionCode struct {
	code       string
	department string
}

// regionCodes is ordered; earlier entries win ties.
var regionCodes = []regionCode{
	{"BW", "Baden-Württemberg"},
	{"BY", "Bayern"},
	{"NRW Nord", "Nordrhein-Westfalen Nord"},
	{"NRW Süd", "Nordrhein-Westfalen Süd"},
	{"Nord", "Region Nord"},
	{"Ost", "Region Ost"},
	{"Mitte", "Region Mitte"},
	{"Südwest", "Region Südwest"},
}

// groupBoilerplate is removed from each group-membership entry before matching.
var groupBoilerplate = []string{"Marketing-Gruppe", "Regionalteam"}

var (
	floorIndicators = []string{"Region", "Baden-Württemberg", "Bayern", "Nordrhein-Westfalen"}
	hqIndicators    = []string{"HV", "Hauptverwaltung"}
)

// InferDepartment derives a department from a comma-separated
// group-membership field. The region code matched by the most entries
// wins. It returns "" when nothing matches.
func InferDepartment(groupMembership string) string {
	counts := make([]int, len(regionCodes))
	for _, entry := range strings.Split(groupMembership, ",") {
		for _, phrase := range groupBoilerplate {
			entry = strings.ReplaceAll(entry, phrase, "")
		}
		entry = strings.TrimSpace(entry)
		for i, rc := range regionCodes {
			if entry == rc.code {
				counts[i]++
				break
			}
		}
	}

	best := -1
	for i, n := range counts {
		if n > 0 && (best < 0 || n > counts[best]) {
			best = i
		}
	}
	if best < 0 {
		return ""
	}
	return regionCodes[best].department
}

// InferLocationType classifies a department name.
func InferLocationType(department string) domain.LocationType {
	if department == "" {
		return domain.LocationUnknown
	}
	for _, s := range floorIndicators {
		if strings.Contains(department, s) {
			return domain.LocationFloor
		}
	}
	for _, s := range hqIndicators {
		if strings.Contains(department, s) {
			return domain.LocationHQ
		}
	}
	return domain.LocationUnknown
}
