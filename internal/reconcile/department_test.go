package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dvloznov/msp-reconciler/internal/domain"
)

func TestInferDepartment(t *testing.T) {
	tests := []struct {
		name  string
		group string
		want  string
	}{
		{name: "single code", group: "Marketing-Gruppe BW", want: "Baden-Württemberg"},
		{name: "boilerplate both phrases", group: "Regionalteam NRW Süd", want: "Nordrhein-Westfalen Süd"},
		{name: "majority wins", group: "Marketing-Gruppe BY, Regionalteam Ost, Marketing-Gruppe Ost", want: "Region Ost"},
		{name: "tie broken by table order", group: "Marketing-Gruppe Mitte, Marketing-Gruppe BW", want: "Baden-Württemberg"},
		{name: "multi word code", group: "NRW Nord", want: "Nordrhein-Westfalen Nord"},
		{name: "partial match ignored", group: "Marketing-Gruppe BWX", want: ""},
		{name: "no match", group: "Alle Mitarbeiter", want: ""},
		{name: "empty", group: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InferDepartment(tt.group); got != tt.want {
				t.Errorf("InferDepartment(%q) = %q, want %q", tt.group, got, tt.want)
			}
		})
	}
}

func TestInferLocationType(t *testing.T) {
	assert.Equal(t, domain.LocationFloor, InferLocationType("Bayern"))
	assert.Equal(t, domain.LocationFloor, InferLocationType("Region Nord"))
	assert.Equal(t, domain.LocationHQ, InferLocationType("HV Marketing"))
	assert.Equal(t, domain.LocationHQ, InferLocationType("Hauptverwaltung"))
	assert.Equal(t, domain.LocationUnknown, InferLocationType("Sonstiges"))
	assert.Equal(t, domain.LocationUnknown, InferLocationType(""))
}
