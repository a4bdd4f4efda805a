package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	"github.com/lwhitby/sift/pkg/docker"
)

// DatabaseConfig is a subset of the configuration focusing solely
// on database connection items. The Postgres server it points at is
// both the file catalog and the job broker.
type DatabaseConfig struct {
	User     string `yaml:"username" env:"DB_USERNAME" env-required:"true"`
	Password string `yaml:"password" env:"DB_PASSWORD" env-required:"true"`
	Name     string `yaml:"name" env:"DB_NAME" env-default:"SIFT_DB"`
	Host     string `yaml:"host" env:"DB_HOST" env-default:"0.0.0.0"`
	Port     string `yaml:"port" env:"DB_PORT" env-default:"5432"`
}

const postgresImage = "postgres:14.1-alpine"

// InitialiseDockerDatabase spawns a Postgres container via the Docker SDK
// for installations without their own database server. The containers data
// directory is bind-mounted under the users home dir so the catalog and
// queued jobs survive container recreation.
func InitialiseDockerDatabase(dockerManager docker.DockerManager, config DatabaseConfig, crashHandler func(error)) (docker.DockerContainer, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot initialise docker db volume mount as user home dir is unavailable: %w", err)
	}

	dbDataPath := filepath.Join(homeDir, "sift_db.dat")
	if err := os.MkdirAll(dbDataPath, os.ModeDir|os.ModePerm); err != nil {
		return nil, err
	}

	containerConfig := &container.Config{
		Image: postgresImage,
		Env: []string{
			fmt.Sprintf("POSTGRES_PASSWORD=%s", config.Password),
			fmt.Sprintf("POSTGRES_USER=%s", config.User),
			fmt.Sprintf("POSTGRES_DB=%s", config.Name),
			fmt.Sprintf("DATABASE_HOST=%s", config.Host),
		},
		ExposedPorts: nat.PortSet{
			"5432": struct{}{},
		},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			nat.Port(config.Port): []nat.PortBinding{{
				HostIP:   config.Host,
				HostPort: config.Port,
			}},
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: dbDataPath,
				Target: "/var/lib/postgresql/data",
			},
		},
	}

	db := docker.NewDockerContainer("db", postgresImage, containerConfig, hostConfig)
	if err := dockerManager.SpawnContainer(db); err != nil {
		return nil, err
	}

	// Watch for container crash (teardown)
	go func() {
		st, err := dockerManager.WaitForContainer(db, docker.ContainerCrashed)
		if st != docker.ContainerCrashed || err != nil {
			return
		}

		crashHandler(fmt.Errorf("container %s has crashed", db))
	}()

	return db, nil
}
