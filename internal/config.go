package internal

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/lwhitby/sift/internal/api"
	"github.com/lwhitby/sift/internal/database"
	"github.com/lwhitby/sift/internal/queue"
	"github.com/lwhitby/sift/internal/watcher"
)

// SiftConfig is the user-supplied configuration, loaded from a YAML
// file with environment variable overrides.
type SiftConfig struct {
	Watcher     watcher.Config          `yaml:"watcher" env-required:"true"`
	Queue       queue.Config            `yaml:"queue"`
	Services    ServiceConfig           `yaml:"docker_services"`
	Database    database.DatabaseConfig `yaml:"database" env-required:"true"`
	RestConfig  api.RestConfig          `yaml:"api"`
	ScratchRoot string                  `yaml:"scratch_root" env:"SCRATCH_ROOT"`
}

// ServiceConfig enables/disables the embedded supporting services. When
// Postgres is enabled Sift provisions its own database server via
// Docker; installations with an external server disable this.
type ServiceConfig struct {
	EnablePostgres bool `yaml:"enable_postgres" env:"SERVICE_ENABLE_POSTGRES" env-default:"true"`
}

// LoadFromFile reads the YAML config at the given path, applying any
// environment overrides declared on the struct tags.
func (config *SiftConfig) LoadFromFile(configPath string) error {
	if err := cleanenv.ReadConfig(configPath, config); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	return nil
}
