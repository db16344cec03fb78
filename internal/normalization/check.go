package normalization

import "fmt"

// Topology is the part of the exported model the sidecar must agree with.
// Zero values mean unknown and are not checked.
type Topology struct {
	// InputFeatures is the last dimension of the model input.
	InputFeatures int
	// OutputUnits is the width of the final classification layer.
	OutputUnits int
}

// Check reports ways in which p would misbehave in the browser recognizer
// running the model described by topo. An empty result means no findings.
func Check(p Params, topo Topology) []string {
	var warnings []string

	if len(p.Mean) != len(p.Std) {
		warnings = append(warnings, fmt.Sprintf("mean has %d entries but std has %d", len(p.Mean), len(p.Std)))
	}
	if len(p.ClassNames) == 0 {
		warnings = append(warnings, "class_names is empty")
	}

	if topo.InputFeatures > 0 && topo.InputFeatures != len(p.Mean) {
		warnings = append(warnings, fmt.Sprintf(
			"model expects %d input features but normalization params cover %d",
			topo.InputFeatures, len(p.Mean)))
	}
	if topo.OutputUnits > 0 && topo.OutputUnits != len(p.ClassNames) {
		warnings = append(warnings, fmt.Sprintf(
			"model outputs %d classes but class_names has %d",
			topo.OutputUnits, len(p.ClassNames)))
	}

	// Non-finite values never get this far: the preprocessor loader rejects
	// them and WriteJSON cannot encode them.
	for i, s := range p.Std {
		if s == 0 {
			warnings = append(warnings, fmt.Sprintf("std for %s is 0, normalized values will be infinite", FeatureName(i)))
		}
	}

	seen := make(map[string]int, len(p.ClassNames))
	for i, name := range p.ClassNames {
		if j, ok := seen[name]; ok {
			warnings = append(warnings, fmt.Sprintf("class %q appears at index %d and %d", name, j, i))
			continue
		}
		seen[name] = i
	}

	return warnings
}
