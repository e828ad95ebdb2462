package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type sampleConfig struct {
	Name    string        `split_words:"true" required:"true"`
	Retries int           `split_words:"true" default:"3"`
	Timeout time.Duration `split_words:"true" default:"5s"`
}

func (c *sampleConfig) Validate() error {
	if c.Retries < 0 {
		return errors.New("retries must be >= 0")
	}
	return nil
}

func TestProcessAppliesDefaults(t *testing.T) {
	t.Setenv("CFGTEST_NAME", "argo")

	conf, err := Process[sampleConfig]("CFGTEST")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if conf.Name != "argo" {
		t.Fatalf("Name = %q, want argo", conf.Name)
	}
	if conf.Retries != 3 {
		t.Fatalf("Retries = %d, want 3", conf.Retries)
	}
	if conf.Timeout != 5*time.Second {
		t.Fatalf("Timeout = %v, want 5s", conf.Timeout)
	}
}

func TestProcessRunsValidate(t *testing.T) {
	t.Setenv("CFGBAD_NAME", "argo")
	t.Setenv("CFGBAD_RETRIES", "-1")

	if _, err := Process[sampleConfig]("CFGBAD"); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestProcessRequiredMissing(t *testing.T) {
	if _, err := Process[sampleConfig]("CFGMISSING"); err == nil {
		t.Fatal("expected error for missing required field")
	}
}

func TestExportEnvironmentKeepsExistingValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	content := "CFGFILE_NAME=from-file\nCFGFILE_RETRIES=7\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("CFGFILE_NAME", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("CFGFILE_RETRIES") })

	if err := exportEnvironment(path); err != nil {
		t.Fatalf("exportEnvironment() error = %v", err)
	}

	conf, err := Process[sampleConfig]("CFGFILE")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if conf.Name != "from-env" {
		t.Fatalf("Name = %q, want from-env", conf.Name)
	}
	if conf.Retries != 7 {
		t.Fatalf("Retries = %d, want 7", conf.Retries)
	}
}
