package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"

	"github.com/daimatz/jweave/pkg/hierarchy"
	"github.com/daimatz/jweave/pkg/identifier"
	"github.com/daimatz/jweave/pkg/weave"
)

const DefaultConfigFile = "jweave.toml"

// Config is the jweave.toml project configuration.
type Config struct {
	Classpath Classpath   `toml:"classpath"`
	Weave     WeaveConfig `toml:"weave"`
	Log       LogConfig   `toml:"log"`

	// Dir is the directory of the configuration file; relative paths are
	// resolved against it.
	Dir string `toml:"-"`
}

type Classpath struct {
	Dirs []string `toml:"dirs"`
	Jars []string `toml:"jars"`

	// Jmod is java.base.jmod. Empty means guess from JAVA_BASE_JMOD and
	// JAVA_HOME.
	Jmod string `toml:"jmod"`
}

type WeaveConfig struct {
	Accessors      []string `toml:"accessors"`
	Mappings       []string `toml:"mappings"`
	Output         string   `toml:"output"`
	HierarchyCache string   `toml:"hierarchy_cache"`
	Parallel       int      `toml:"parallel"`
}

type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// LoadConfig reads the configuration at path. A missing file is an error
// only when required; otherwise the defaults are used.
func LoadConfig(path string, required bool) (*Config, error) {
	var c Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse error in %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !required:
	default:
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}

	// Defaults
	if c.Weave.Output == "" {
		c.Weave.Output = "woven"
	}
	if c.Weave.Parallel <= 0 {
		c.Weave.Parallel = runtime.GOMAXPROCS(0)
	}
	if c.Classpath.Jmod == "" {
		c.Classpath.Jmod = hierarchy.FindJmodPath()
	}
	return &c, nil
}

// Path resolves p against the configuration directory.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// Locators builds the classpath locators: directories, then jars, then
// the jmod.
func (c *Config) Locators() []hierarchy.Locator {
	var out []hierarchy.Locator
	for _, d := range c.Classpath.Dirs {
		out = append(out, &hierarchy.DirLocator{Dir: c.Path(d)})
	}
	for _, j := range c.Classpath.Jars {
		out = append(out, hierarchy.NewJarLocator(c.Path(j)))
	}
	if c.Classpath.Jmod != "" {
		out = append(out, hierarchy.NewJmodLocator(c.Path(c.Classpath.Jmod)))
	} else {
		log.Warning("no java.base.jmod configured or found; JDK classes cannot be resolved")
	}
	return out
}

// Environment builds an initializing environment: the hierarchy cache is
// restored, then extra and configured locators, mapping files and
// accessors are registered.
func (c *Config) Environment(extra ...hierarchy.Locator) (*weave.Environment, error) {
	resolver := hierarchy.NewResolver()
	if cache := c.Path(c.Weave.HierarchyCache); cache != "" {
		if _, err := resolver.LoadSnapshot(cache, nil); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warningf("ignoring hierarchy cache %s: %s", cache, err)
		}
	}

	locators := append(append([]hierarchy.Locator(nil), extra...), c.Locators()...)
	env := weave.New(weave.WithResolver(resolver), weave.WithLocators(locators...))
	for _, path := range c.Weave.Mappings {
		m, err := identifier.LoadMappingFile(c.Path(path))
		if err != nil {
			return nil, err
		}
		if err := env.RegisterMapper(m); err != nil {
			return nil, err
		}
	}
	for _, name := range c.Weave.Accessors {
		if err := env.RegisterAccessor(name); err != nil {
			return nil, err
		}
	}
	return env, nil
}

// SaveHierarchy writes the bootstrap context of resolver to the
// configured cache, if any.
func (c *Config) SaveHierarchy(resolver *hierarchy.Resolver) error {
	cache := c.Path(c.Weave.HierarchyCache)
	if cache == "" {
		return nil
	}
	return resolver.SaveSnapshot(cache, nil)
}
