package processor

import "github.com/lwhitby/sift/internal/catalog"

// Prediction is one step of a forecast processing chain: the processor,
// the (possibly simulated) input it would consume, and its estimated
// cost.
type Prediction struct {
	Processor     string
	InputPath     string
	OutputPath    string
	EstimatedCost float64
}

// Ready returns the processors the given file can run right now: those
// applicable to it whose dependencies have all completed. Results are in
// the registrys topological order, so a caller enqueueing them preserves
// dependency order.
func Ready(reg *Registry, path string, kind catalog.FileKind, tagKeys []string, completed []string) []*Descriptor {
	done := make(map[string]struct{}, len(completed))
	for _, c := range completed {
		done[c] = struct{}{}
	}

	var ready []*Descriptor
	for _, d := range reg.All() {
		if _, alreadyDone := done[d.Name]; alreadyDone {
			continue
		}
		if !applicable(d, path, kind, tagKeys) {
			continue
		}

		depsSatisfied := true
		for _, dep := range d.DependsOn {
			if _, ok := done[dep]; !ok {
				depsSatisfied = false
				break
			}
		}

		if depsSatisfied {
			ready = append(ready, d)
		}
	}

	return ready
}

// Applicable reports whether the descriptor targets this file at all,
// irrespective of dependency completion.
func Applicable(d *Descriptor, path string, kind catalog.FileKind, tagKeys []string) bool {
	return applicable(d, path, kind, tagKeys)
}

func applicable(d *Descriptor, path string, kind catalog.FileKind, tagKeys []string) bool {
	if kind == catalog.Derivative && !d.AllowDerivedFiles {
		return false
	}

	return d.MatchesExtension(path) && d.MatchesTags(tagKeys)
}

// maxPredictionDepth caps how many derivative generations PredictChain
// simulates. A processor whose output extension matches its own input
// filter would otherwise cascade indefinitely.
const maxPredictionDepth = 16

// PredictChain simulates the full processing cascade for a file: each
// predicted output re-enters as a simulated derivative (no tags, empty
// completion set) and is resolved in turn, down to maxPredictionDepth
// generations. Used for approval cost forecasting. A (path, processor)
// pair is never predicted twice.
func PredictChain(reg *Registry, path string, kind catalog.FileKind, tagKeys []string, completed []string) []Prediction {
	seen := make(map[string]struct{})
	var predictions []Prediction

	var expand func(path string, kind catalog.FileKind, tagKeys []string, completed []string, depth int)
	expand = func(path string, kind catalog.FileKind, tagKeys []string, completed []string, depth int) {
		if depth > maxPredictionDepth {
			return
		}

		for _, d := range Ready(reg, path, kind, tagKeys, completed) {
			key := d.Name + "\x00" + path
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			output := d.OutputPath(path)
			cost := 0.0
			if d.Runner != nil {
				cost = d.Runner.EstimateCost(path)
			}

			predictions = append(predictions, Prediction{
				Processor:     d.Name,
				InputPath:     path,
				OutputPath:    output,
				EstimatedCost: cost,
			})

			// Siblings whose dependencies include this processor
			// become ready once it completes.
			expand(path, kind, tagKeys, append(completed, d.Name), depth)
			expand(output, catalog.Derivative, nil, nil, depth+1)
		}
	}

	expand(path, kind, tagKeys, completed, 0)
	return predictions
}

// TotalCost sums the estimated cost of a predicted chain.
func TotalCost(predictions []Prediction) float64 {
	total := 0.0
	for _, p := range predictions {
		total += p.EstimatedCost
	}

	return total
}
