// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config reads and writes the viewclr configuration file.
package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"

	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".viewclr"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// PageCachePages is the number of target memory pages kept in the
	// read cache. 0 disables caching.
	PageCachePages *int `yaml:"page-cache-pages,omitempty"`
	// PageSize is the size of one cached page, e.g. "4KB".
	PageSize string `yaml:"page-size,omitempty"`

	// ReferenceListSize is the size in bytes of the packed reference
	// lists used by gcroot.
	ReferenceListSize *int `yaml:"reference-list-size,omitempty"`

	// Careful makes heap walks recover from corrupt objects by default.
	Careful bool `yaml:"careful"`

	// MaxStringLen is the maximum string length that obj prints.
	MaxStringLen *int `yaml:"max-string-len,omitempty"`
	// MaxArrayValues is the maximum number of array elements obj prints.
	MaxArrayValues *int `yaml:"max-array-values,omitempty"`

	// Color is "auto", "always" or "never".
	Color string `yaml:"color,omitempty"`
}

// Defaults for unset options.
const (
	DefaultPageCachePages    = 4096
	DefaultPageSize          = 0x1000
	DefaultReferenceListSize = 32
	DefaultMaxStringLen      = 128
	DefaultMaxArrayValues    = 16
)

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func (c *Config) GetPageCachePages() int { return intOr(c.PageCachePages, DefaultPageCachePages) }

func (c *Config) GetReferenceListSize() int {
	return intOr(c.ReferenceListSize, DefaultReferenceListSize)
}

func (c *Config) GetMaxStringLen() int { return intOr(c.MaxStringLen, DefaultMaxStringLen) }

func (c *Config) GetMaxArrayValues() int { return intOr(c.MaxArrayValues, DefaultMaxArrayValues) }

// GetPageSize parses PageSize.
func (c *Config) GetPageSize() (int64, error) {
	if c.PageSize == "" {
		return DefaultPageSize, nil
	}
	b, err := bytesize.Parse(c.PageSize)
	if err != nil {
		return 0, fmt.Errorf("bad page-size %q: %v", c.PageSize, err)
	}
	n := int64(b)
	if n <= 0 || n&(n-1) != 0 {
		return 0, fmt.Errorf("page-size %q is not a power of 2", c.PageSize)
	}
	return n, nil
}

// LoadConfig attempts to populate a Config object from the config.yml file
// in the user's home directory, creating a default one if there is none.
// Problems are reported to errOut and yield an empty Config.
func LoadConfig(errOut io.Writer) *Config {
	dir, err := GetConfigFilePath("")
	if err != nil {
		fmt.Fprintf(errOut, "Unable to get config file path: %v.\n", err)
		return &Config{}
	}
	c, err := LoadConfigFrom(dir)
	if err != nil {
		fmt.Fprintf(errOut, "%v\n", err)
		return &Config{}
	}
	return c
}

// LoadConfigFrom reads config.yml in dir, creating dir and a default
// config.yml if they do not exist.
func LoadConfigFrom(dir string) (*Config, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("could not create config directory: %v", err)
	}
	fullConfigFile := filepath.Join(dir, configFile)

	data, err := os.ReadFile(fullConfigFile)
	if os.IsNotExist(err) {
		if err := createDefaultConfig(fullConfigFile); err != nil {
			return nil, fmt.Errorf("error creating default config file: %v", err)
		}
		data, err = os.ReadFile(fullConfigFile)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to config.yml in dir.
func SaveConfig(dir string, conf *Config) error {
	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, configFile), out, 0600)
}

func createDefaultConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create config file: %v", err)
	}
	defer f.Close()
	if err := writeDefaultConfig(f); err != nil {
		return fmt.Errorf("unable to write default configuration: %v", err)
	}
	return nil
}

func writeDefaultConfig(w io.Writer) error {
	_, err := io.WriteString(w,
		`# Configuration file for viewclr.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Number of target memory pages kept in the read cache, and their size.
# page-cache-pages: 4096
# page-size: 4KB

# Size in bytes of each packed reference list used by gcroot.
# reference-list-size: 32

# Walk the heap carefully, skipping over corrupt objects.
careful: false

# Maximum string length and array elements printed by obj.
# max-string-len: 128
# max-array-values: 16

# Colorize output: auto, always or never.
# color: auto
`)
	return err
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return filepath.Join(userHomeDir, configDir, file), nil
}
