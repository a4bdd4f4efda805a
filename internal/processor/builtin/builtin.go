// Package builtin provides the processor implementations shipped with
// Sift. Bindings in the processor_configs table refer to these by
// implementation name; the JSONB config column carries the options each
// implementation decodes here.
package builtin

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/lwhitby/sift/internal/processor"
	"github.com/mitchellh/mapstructure"
)

const (
	ImplExtractAudio = "extract_audio"
	ImplCommand      = "command"
)

var validate = validator.New()

// Factories maps implementation names to their runner constructors.
func Factories() map[string]processor.RunnerFactory {
	return map[string]processor.RunnerFactory{
		ImplExtractAudio: NewAudioExtractor,
		ImplCommand:      NewCommandRunner,
	}
}

// decodeOptions maps the raw config into a typed options struct and
// validates it.
func decodeOptions(raw map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      out,
		ErrorUnused: true,
	})
	if err != nil {
		return err
	}

	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("malformed processor options: %w", err)
	}

	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("invalid processor options: %w", err)
	}

	return nil
}
