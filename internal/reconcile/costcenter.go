package reconcile

import (
	"strings"

	"github.com/dvloznov/msp-reconciler/internal/domain"
)

const (
	minCostCenterLen = 5
	floorPrefix      = "FLOOR_"
	// hqDistrict is used when an HQ mapping row carries no district.
	hqDistrict = "HQ"
)

// Resolution is the outcome of a cost-center lookup.
type Resolution struct {
	Location     domain.LocationInfo
	LocationType domain.LocationType
	Found        bool
}

// normalizeCode trims the code and drops anything from the first '.',
// so exports such as "10045.0" match "10045".
func normalizeCode(code string) string {
	code = strings.TrimSpace(code)
	if i := strings.IndexByte(code, '.'); i >= 0 {
		code = code[:i]
	}
	return code
}

// ResolveCostCenter maps a cost center to its location. Codes starting
// with '1' are HQ codes looked up directly; codes starting with '3' are
// floor codes whose digits 1..5 (fewer when the code is short) are tried
// as-is, with a FLOOR_ prefix, and again without leading zeros.
func ResolveCostCenter(code string, floor, hq map[string]domain.LocationInfo) Resolution {
	code = normalizeCode(code)
	if len(code) < minCostCenterLen {
		return Resolution{}
	}

	switch code[0] {
	case '1':
		loc, ok := hq[code]
		if !ok {
			return Resolution{}
		}
		if loc.District == "" {
			loc.District = hqDistrict
		}
		return Resolution{Location: loc, LocationType: domain.LocationHQ, Found: true}

	case '3':
		// A five-character code leaves a four-character window.
		window := code[1:min(len(code), 6)]
		for _, key := range floorKeys(window) {
			if loc, ok := floor[key]; ok {
				return Resolution{Location: loc, LocationType: domain.LocationFloor, Found: true}
			}
		}
	}
	return Resolution{}
}

func floorKeys(window string) []string {
	keys := []string{window, floorPrefix + window}
	if stripped := strings.TrimLeft(window, "0"); stripped != "" && stripped != window {
		keys = append(keys, stripped, floorPrefix+stripped)
	}
	return keys
}
