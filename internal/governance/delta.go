package governance

import (
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/models"
)

// comparableMetrics lists, per model type, the metrics a delta snapshot reports.
var comparableMetrics = map[models.ModelType][]string{
	models.ModelTypeForecast:       {"mape", "coverage", "piCoverage"},
	models.ModelTypeOptimization:   {"serviceLevel", "stockouts", "inventoryValue"},
	models.ModelTypeWorkingCapital: {"ccc", "minCash", "breachMonths"},
}

func init() {
	if err := checkComparableMetrics(comparableMetrics); err != nil {
		panic(err)
	}
}

func checkComparableMetrics(m map[models.ModelType][]string) error {
	for _, typ := range models.ModelTypes {
		names, ok := m[typ]
		if !ok || len(names) == 0 {
			return fmt.Errorf("governance: no comparable metrics for model type %q", typ)
		}
		seen := map[string]bool{}
		for _, name := range names {
			if name == "" || seen[name] {
				return fmt.Errorf("governance: bad comparable metric %q for %q", name, typ)
			}
			seen[name] = true
		}
	}
	for typ := range m {
		if !typ.Valid() {
			return fmt.Errorf("governance: comparable metrics for unknown model type %q", typ)
		}
	}
	return nil
}

// ComparableMetrics returns the metric names compared for typ.
func ComparableMetrics(typ models.ModelType) []string {
	return append([]string(nil), comparableMetrics[typ]...)
}

const precision = 1e9

func round(v float64) float64 {
	return math.Round(v*precision) / precision
}

// ComputeDeltas compares the allow-listed metrics of typ present on both
// sides. Metrics missing from either side are left out, never zero-filled.
func ComputeDeltas(typ models.ModelType, current, proposed map[string]float64) map[string]models.MetricDelta {
	out := map[string]models.MetricDelta{}
	for _, name := range comparableMetrics[typ] {
		cur, ok := current[name]
		if !ok {
			continue
		}
		prop, ok := proposed[name]
		if !ok {
			continue
		}
		delta := prop - cur
		d := models.MetricDelta{
			Current:  cur,
			Proposed: prop,
			Delta:    round(delta),
		}
		if cur != 0 {
			pct := round(delta / cur * 100)
			d.DeltaPercent = &pct
		}
		out[name] = d
	}
	return out
}

// ComputeSnapshot freezes the comparison between the scope's current baseline
// (nil when unset) and the proposed artifact.
func ComputeSnapshot(typ models.ModelType, current *models.ModelBaseline, currentArtifact *models.ModelArtifact, proposed models.ModelArtifact) models.DeltaSnapshot {
	snap := models.DeltaSnapshot{
		ProposedArtifactID: proposed.ID,
		Metrics:            map[string]models.MetricDelta{},
	}
	if current != nil {
		id, artifactID := current.ID, current.ArtifactID
		snap.CurrentBaselineID = &id
		snap.CurrentArtifactID = &artifactID
	}
	if currentArtifact != nil {
		snap.Metrics = ComputeDeltas(typ, currentArtifact.Metrics, proposed.Metrics)
	}
	return snap
}

func expectedFrom(snap models.DeltaSnapshot) *uuid.UUID {
	if snap.CurrentBaselineID != nil {
		id := *snap.CurrentBaselineID
		return &id
	}
	none := uuid.Nil
	return &none
}
