// Package processor defines the registry of file processors and the pure
// dependency resolution used to decide which processors a file is ready
// for. Processors form a DAG via DependsOn; the registry rejects cycles
// and dangling references at construction time.
package processor

import (
	"context"
	"path/filepath"
	"strings"
)

type (
	// Runner is a processor implementation bound to its configuration.
	// Run must write its result to outputPath and respect ctx
	// cancellation; a non-nil error marks the parse failed.
	Runner interface {
		Run(ctx context.Context, inputPath string, outputPath string) error
		EstimateCost(inputPath string) float64
	}

	// RunnerFactory builds a Runner from the free-form config stored
	// alongside the processor binding.
	RunnerFactory func(config map[string]interface{}) (Runner, error)

	// Descriptor is a named processor binding: which files it applies to,
	// what it depends on, and the runner which does the work.
	Descriptor struct {
		Name              string
		InputExtensions   []string
		InputTags         []string
		OutputExt         string
		DependsOn         []string
		AllowDerivedFiles bool
		UserSelectable    bool
		Runner            Runner
	}
)

// OutputPath is the deterministic location of this processors derivative
// for the given input: the input path with the output extension appended.
func (d *Descriptor) OutputPath(inputPath string) string {
	return inputPath + d.OutputExt
}

// MatchesExtension reports whether the descriptor accepts the files
// extension. An empty extension list accepts everything.
func (d *Descriptor) MatchesExtension(path string) bool {
	if len(d.InputExtensions) == 0 {
		return true
	}

	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range d.InputExtensions {
		if strings.ToLower(normaliseExt(allowed)) == ext {
			return true
		}
	}

	return false
}

// MatchesTags reports whether every required tag key is present.
func (d *Descriptor) MatchesTags(tagKeys []string) bool {
	if len(d.InputTags) == 0 {
		return true
	}

	present := make(map[string]struct{}, len(tagKeys))
	for _, t := range tagKeys {
		present[t] = struct{}{}
	}

	for _, required := range d.InputTags {
		if _, ok := present[required]; !ok {
			return false
		}
	}

	return true
}

func normaliseExt(ext string) string {
	if ext == "" || strings.HasPrefix(ext, ".") {
		return ext
	}

	return "." + ext
}
