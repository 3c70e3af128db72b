package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/test"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	test.That(t, cfg.Validate(), test.ShouldBeNil)
	test.That(t, cfg.MaxUploadBytes(), test.ShouldEqual, int64(100*1024*1024))
	test.That(t, cfg.Threshold, test.ShouldEqual, 0.5)
	test.That(t, cfg.ClassNames, test.ShouldResemble, []string{"Human"})
	// Long videos keep their connection until processing finishes.
	test.That(t, cfg.WriteTimeout, test.ShouldEqual, time.Duration(0))
}

func TestValidateRejects(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"threshold high": func(c *Config) { c.Threshold = 1.5 },
		"threshold low":  func(c *Config) { c.Threshold = -0.1 },
		"pool size":      func(c *Config) { c.PoolSize = 0 },
		"threads":        func(c *Config) { c.IntraOpThreads = -1 },
		"upload size":    func(c *Config) { c.MaxUploadSize = "lots" },
		"no model":       func(c *Config) { c.ModelPath = "" },
		"no dirs":        func(c *Config) { c.UploadDir = "" },
		"write timeout":  func(c *Config) { c.WriteTimeout = -time.Second },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			test.That(t, cfg.Validate(), test.ShouldNotBeNil)
		})
	}
}

func TestValidateParsesUploadSize(t *testing.T) {
	cfg := Default()
	cfg.MaxUploadSize = "8m"
	test.That(t, cfg.Validate(), test.ShouldBeNil)
	test.That(t, cfg.MaxUploadBytes(), test.ShouldEqual, int64(8*1024*1024))
}

func TestLoadClassNames(t *testing.T) {
	dir := t.TempDir()

	list := filepath.Join(dir, "list.yaml")
	test.That(t, os.WriteFile(list, []byte("path: ../data\nnc: 2\nnames: ['Human', 'Dog']\n"), 0o644), test.ShouldBeNil)
	names, err := LoadClassNames(list)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, names, test.ShouldResemble, []string{"Human", "Dog"})

	byID := filepath.Join(dir, "map.yaml")
	test.That(t, os.WriteFile(byID, []byte("names:\n  0: Human\n  2: Rubble\n"), 0o644), test.ShouldBeNil)
	names, err = LoadClassNames(byID)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, names, test.ShouldResemble, []string{"Human", "Class 1", "Rubble"})

	missing := filepath.Join(dir, "empty.yaml")
	test.That(t, os.WriteFile(missing, []byte("nc: 1\n"), 0o644), test.ShouldBeNil)
	_, err = LoadClassNames(missing)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = LoadClassNames(filepath.Join(dir, "nope.yaml"))
	test.That(t, err, test.ShouldNotBeNil)
}
