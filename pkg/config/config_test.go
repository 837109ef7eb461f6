package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/smartystreets/goconvey/convey"

	"mrimicrofit/pkg/config"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mrimicrofit.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestConfigLoader(t *testing.T) {
	ctx := context.Background()

	convey.Convey("Given a config loader", t, func() {
		convey.Convey("When loading with defaults only", func() {
			t.Setenv(config.EnvConfigFile, "")
			cfg, err := config.Load(ctx, "")

			convey.So(err, convey.ShouldBeNil)
			convey.So(cfg.LogLevel, convey.ShouldEqual, "info")
			convey.So(cfg.LogFormat, convey.ShouldEqual, "text")
			convey.So(cfg.Engine.Command, convey.ShouldEqual, "mrimicrofit-engine")
			convey.So(cfg.Metrics.Namespace, convey.ShouldEqual, "mrimicrofit")
			convey.So(cfg.Mirror.Enabled, convey.ShouldBeFalse)
			convey.So(cfg.QC.Enabled, convey.ShouldBeFalse)
		})

		convey.Convey("When loading a YAML file", func() {
			path := writeFile(t, `
log_level: debug
engine:
  command: /opt/engine/bin/fit
  args: ["--threads", "4"]
qc:
  enabled: true
`)
			cfg, err := config.Load(ctx, path)

			convey.So(err, convey.ShouldBeNil)
			convey.So(cfg.LogLevel, convey.ShouldEqual, "debug")
			convey.So(cfg.Engine.Command, convey.ShouldEqual, "/opt/engine/bin/fit")
			convey.So(cfg.Engine.Args, convey.ShouldResemble, []string{"--threads", "4"})
			convey.So(cfg.QC.Enabled, convey.ShouldBeTrue)
			convey.So(cfg.LogFormat, convey.ShouldEqual, "text")
		})

		convey.Convey("When the file comes from the environment and env overrides it", func() {
			path := writeFile(t, "log_level: warn\nengine:\n  command: from-file\n")
			t.Setenv(config.EnvConfigFile, path)
			t.Setenv("MRIMICROFIT_ENGINE__COMMAND", "from-env")
			t.Setenv("MRIMICROFIT_ENGINE__KEEP_WORK_DIR", "true")

			cfg, err := config.Load(ctx, "")

			convey.So(err, convey.ShouldBeNil)
			convey.So(cfg.LogLevel, convey.ShouldEqual, "warn")
			convey.So(cfg.Engine.Command, convey.ShouldEqual, "from-env")
			convey.So(cfg.Engine.KeepWorkDir, convey.ShouldBeTrue)
		})

		convey.Convey("When the file does not exist", func() {
			_, err := config.Load(ctx, filepath.Join(t.TempDir(), "missing.yaml"))
			convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
		})

		convey.Convey("When the mirror is enabled without an endpoint", func() {
			path := writeFile(t, "mirror:\n  enabled: true\n")
			_, err := config.Load(ctx, path)
			convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
		})

		convey.Convey("When the log level is unknown", func() {
			path := writeFile(t, "log_level: chatty\n")
			_, err := config.Load(ctx, path)
			convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
		})

		convey.Convey("When the preview core count is negative", func() {
			path := writeFile(t, "qc:\n  cores: -2\n")
			_, err := config.Load(ctx, path)
			convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
		})

		convey.Convey("When the log format is unknown", func() {
			path := writeFile(t, "log_format: xml\n")
			_, err := config.Load(ctx, path)
			convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
		})
	})
}

func TestCreateDefaultConfigFile(t *testing.T) {
	convey.Convey("Given a fresh default config file", t, func() {
		t.Setenv(config.EnvConfigFile, "")
		path := filepath.Join(t.TempDir(), "nested", "mrimicrofit.yaml")
		convey.So(config.CreateDefaultConfigFile(path), convey.ShouldBeNil)

		convey.Convey("It loads back to the defaults", func() {
			cfg, err := config.Load(context.Background(), path)
			convey.So(err, convey.ShouldBeNil)
			convey.So(cfg, convey.ShouldResemble, config.DefaultConfig())
		})
	})
}
