package processor_test

import (
	"context"
	"testing"

	"github.com/lwhitby/sift/internal/catalog"
	"github.com/lwhitby/sift/internal/processor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type costRunner struct{ cost float64 }

func (costRunner) Run(_ context.Context, _ string, _ string) error { return nil }
func (r costRunner) EstimateCost(_ string) float64                 { return r.cost }

func names(descriptors []*processor.Descriptor) []string {
	out := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, d.Name)
	}
	return out
}

func Test_Descriptor_MatchesExtension(t *testing.T) {
	tests := []struct {
		summary    string
		extensions []string
		path       string
		expected   bool
	}{
		{"empty list accepts anything", nil, "/drop/a.bin", true},
		{"matching extension", []string{".mp4"}, "/drop/a.mp4", true},
		{"extension without leading dot", []string{"mp4"}, "/drop/a.mp4", true},
		{"case insensitive", []string{".MP4"}, "/drop/a.mp4", true},
		{"non matching extension", []string{".mp4"}, "/drop/a.wav", false},
		{"no extension on path", []string{".mp4"}, "/drop/a", false},
	}

	for _, test := range tests {
		t.Run(test.summary, func(t *testing.T) {
			d := &processor.Descriptor{Name: "x", InputExtensions: test.extensions}
			assert.Equal(t, test.expected, d.MatchesExtension(test.path))
		})
	}
}

func Test_Descriptor_MatchesTags(t *testing.T) {
	d := &processor.Descriptor{Name: "x", InputTags: []string{"meeting", "priority"}}

	assert.False(t, d.MatchesTags(nil))
	assert.False(t, d.MatchesTags([]string{"meeting"}))
	assert.True(t, d.MatchesTags([]string{"meeting", "priority"}))
	assert.True(t, d.MatchesTags([]string{"priority", "meeting", "extra"}))

	unrestricted := &processor.Descriptor{Name: "y"}
	assert.True(t, unrestricted.MatchesTags(nil))
}

func Test_Resolver_Ready_GatesOnDependencies(t *testing.T) {
	reg, err := processor.NewRegistry([]*processor.Descriptor{
		{Name: "extract", InputExtensions: []string{".mp4"}, OutputExt: ".wav", Runner: nopRunner{}},
		{Name: "transcribe", InputExtensions: []string{".mp4"}, OutputExt: ".txt", DependsOn: []string{"extract"}, Runner: nopRunner{}},
	})
	require.NoError(t, err)

	ready := processor.Ready(reg, "/drop/a.mp4", catalog.Original, nil, nil)
	assert.Equal(t, []string{"extract"}, names(ready))

	ready = processor.Ready(reg, "/drop/a.mp4", catalog.Original, nil, []string{"extract"})
	assert.Equal(t, []string{"transcribe"}, names(ready))

	ready = processor.Ready(reg, "/drop/a.mp4", catalog.Original, nil, []string{"extract", "transcribe"})
	assert.Empty(t, ready)
}

func Test_Resolver_Ready_ExcludesDerivativesUnlessAllowed(t *testing.T) {
	reg, err := processor.NewRegistry([]*processor.Descriptor{
		{Name: "originals-only", OutputExt: ".a", Runner: nopRunner{}},
		{Name: "any-file", OutputExt: ".b", AllowDerivedFiles: true, Runner: nopRunner{}},
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"originals-only", "any-file"}, names(processor.Ready(reg, "/drop/a.mp4", catalog.Original, nil, nil)))
	assert.Equal(t, []string{"any-file"}, names(processor.Ready(reg, "/drop/a.mp4.wav", catalog.Derivative, nil, nil)))
}

func Test_Resolver_Ready_FollowsRegistryOrder(t *testing.T) {
	reg, err := processor.NewRegistry([]*processor.Descriptor{
		{Name: "second", DependsOn: []string{"first"}, OutputExt: ".2", Runner: nopRunner{}},
		{Name: "first", OutputExt: ".1", Runner: nopRunner{}},
		{Name: "third", DependsOn: []string{"second"}, OutputExt: ".3", Runner: nopRunner{}},
	})
	require.NoError(t, err)

	ready := processor.Ready(reg, "/drop/a.txt", catalog.Original, nil, []string{"first", "second"})
	assert.Equal(t, []string{"third"}, names(ready))

	ready = processor.Ready(reg, "/drop/a.txt", catalog.Original, nil, nil)
	assert.Equal(t, []string{"first"}, names(ready))
}

func Test_Resolver_PredictChain_FollowsDerivatives(t *testing.T) {
	reg, err := processor.NewRegistry([]*processor.Descriptor{
		{Name: "extract", InputExtensions: []string{".mp4"}, OutputExt: ".wav", Runner: costRunner{cost: 10}},
		{Name: "transcribe", InputExtensions: []string{".wav"}, OutputExt: ".txt", AllowDerivedFiles: true, Runner: costRunner{cost: 5}},
		{Name: "summarize", InputExtensions: []string{".txt"}, OutputExt: ".md", AllowDerivedFiles: true, Runner: costRunner{cost: 1}},
	})
	require.NoError(t, err)

	chain := processor.PredictChain(reg, "/drop/a.mp4", catalog.Original, nil, nil)
	require.Len(t, chain, 3)

	assert.Equal(t, "extract", chain[0].Processor)
	assert.Equal(t, "/drop/a.mp4", chain[0].InputPath)
	assert.Equal(t, "/drop/a.mp4.wav", chain[0].OutputPath)

	assert.Equal(t, "transcribe", chain[1].Processor)
	assert.Equal(t, "/drop/a.mp4.wav", chain[1].InputPath)
	assert.Equal(t, "/drop/a.mp4.wav.txt", chain[1].OutputPath)

	assert.Equal(t, "summarize", chain[2].Processor)
	assert.Equal(t, "/drop/a.mp4.wav.txt.md", chain[2].OutputPath)

	assert.InDelta(t, 16.0, processor.TotalCost(chain), 0.0001)
}

func Test_Resolver_PredictChain_UnlocksDependentSiblings(t *testing.T) {
	reg, err := processor.NewRegistry([]*processor.Descriptor{
		{Name: "extract", InputExtensions: []string{".mp4"}, OutputExt: ".wav", Runner: costRunner{cost: 2}},
		{Name: "thumbnail", InputExtensions: []string{".mp4"}, OutputExt: ".png", DependsOn: []string{"extract"}, Runner: costRunner{cost: 3}},
	})
	require.NoError(t, err)

	chain := processor.PredictChain(reg, "/drop/a.mp4", catalog.Original, nil, nil)
	require.Len(t, chain, 2)
	assert.Equal(t, "extract", chain[0].Processor)
	assert.Equal(t, "thumbnail", chain[1].Processor)
	assert.Equal(t, "/drop/a.mp4", chain[1].InputPath)
}

// A processor whose output extension matches its own input filter must
// not predict forever.
func Test_Resolver_PredictChain_TerminatesOnSelfMatchingOutput(t *testing.T) {
	reg, err := processor.NewRegistry([]*processor.Descriptor{
		{Name: "compress", InputExtensions: []string{".gz"}, OutputExt: ".gz", AllowDerivedFiles: true, Runner: costRunner{cost: 1}},
	})
	require.NoError(t, err)

	chain := processor.PredictChain(reg, "/drop/a.gz", catalog.Original, nil, nil)
	assert.Less(t, len(chain), 100)
	require.NotEmpty(t, chain)
	assert.Equal(t, "/drop/a.gz", chain[0].InputPath)
}
