// Package config loads the server configuration from a YAML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/spear-bpm/spear/pkg/bpmn"
)

type Config struct {
	Name   string `yaml:"name" json:"name" env:"SPEAR_NAME" env-default:"spear"`
	Server Server `yaml:"server" json:"server"`
	Store  Store  `yaml:"store" json:"store"`

	Engine bpmn.Config `yaml:"engine" json:"engine"`

	LogLevel string `yaml:"logLevel" json:"logLevel" env:"SPEAR_LOG_LEVEL" env-default:"info"`
}

// Server configures the public REST API.
type Server struct {
	Addr string `yaml:"addr" json:"addr" env:"SPEAR_API_ADDR" env-default:":8080"`
}

// Store configures the graph store's snapshot directory.
type Store struct {
	Dir string `yaml:"dir" json:"dir" env:"SPEAR_STORE_DIR" env-default:"data"`
}

// Init reads the configuration file named by SPEAR_CONFIG_FILE (default
// conf.yaml in the working directory); a missing file falls back to
// environment variables only.
func Init() (Config, error) {
	c := Config{}
	fileName := os.Getenv("SPEAR_CONFIG_FILE")
	if fileName == "" {
		wd, err := os.Getwd()
		if err != nil {
			return c, err
		}
		fileName = filepath.Join(wd, "conf.yaml")
	}
	var err error
	if _, statErr := os.Stat(fileName); errors.Is(statErr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		return c, fmt.Errorf("read configuration: %w", err)
	}
	return c, nil
}
