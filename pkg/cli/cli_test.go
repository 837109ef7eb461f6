package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"mrimicrofit/internal/models"
	"mrimicrofit/pkg/config"
	"mrimicrofit/pkg/engine/enginetest"
	"mrimicrofit/pkg/logger"
	"mrimicrofit/pkg/microstructure"
	"mrimicrofit/pkg/nifti"
	"mrimicrofit/pkg/runner"
)

type fakeEngine struct {
	*enginetest.Fitter
	*enginetest.AMICO
}

type harness struct {
	app     *App
	stdout  *bytes.Buffer
	stderr  *bytes.Buffer
	engine  *fakeEngine
	engines int
}

func newHarness() *harness {
	var outputs []microstructure.Output
	for _, key := range microstructure.Keys() {
		d, _ := microstructure.Lookup(key)
		outputs = append(outputs, d.Outputs...)
	}
	outputs = append(outputs, microstructure.Output{Field: "odf"})

	h := &harness{
		stdout: &bytes.Buffer{},
		stderr: &bytes.Buffer{},
		engine: &fakeEngine{Fitter: enginetest.NewFitter(outputs), AMICO: &enginetest.AMICO{}},
	}
	h.app = &App{
		Stdout: h.stdout,
		Stderr: h.stderr,
		NewEngine: func(cfg *config.Config, log logger.Logger) Engine {
			h.engines++
			return h.engine
		},
		NewPublisher: func(ctx context.Context, cfg *config.Config) (runner.Publisher, error) {
			return nil, nil
		},
	}
	return h
}

// subject writes a 3-volume DWI, a mask, FSL files and a scheme table.
func subject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dwi := models.NewVolume([]int{2, 2, 2, 3}, nil)
	for i := range dwi.Data {
		dwi.Data[i] = float64(i)
	}
	mask := models.NewVolume([]int{2, 2, 2}, nil)
	for i := range mask.Data {
		mask.Data[i] = 1
	}
	if err := nifti.Save(filepath.Join(dir, "dwi.nii.gz"), dwi); err != nil {
		t.Fatal(err)
	}
	if err := nifti.Save(filepath.Join(dir, "mask.nii.gz"), mask); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"bvals":      "0 1000 2000\n",
		"bvecs":      "0 1 0\n0 0 1\n0 0 0\n",
		"acq.scheme": "VERSION: STEJSKALTANNER\n1 0 0 0 0.0129 0.0218\n0 1 0 40 0.0129 0.0218\n0 0 1 60 0.0129 0.0218\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func positionals(dir string) []string {
	return []string{dir, "dwi.nii.gz", "bvals", "bvecs", "mask.nii.gz"}
}

func TestVersionAndHelp(t *testing.T) {
	ctx := context.Background()

	Convey("Given the version flag", t, func() {
		for _, flagName := range []string{"-v", "--version", "-version"} {
			h := newHarness()
			code := h.app.Main(ctx, "freewater", []string{flagName})
			So(code, ShouldEqual, ExitOK)
			So(h.stdout.String(), ShouldEqual, "1.0\n")
			So(h.engines, ShouldEqual, 0)
		}
	})

	Convey("Given the help flag", t, func() {
		h := newHarness()
		code := h.app.Main(ctx, "mapmri", []string{"-h"})

		So(code, ShouldEqual, ExitOK)
		So(h.stdout.String(), ShouldContainSubstring, "usage: fit-mapmri")
		So(h.stdout.String(), ShouldContainSubstring, "-big_delta")
		So(h.stdout.String(), ShouldContainSubstring, "anisoMAPL")
	})

	Convey("Given the QTDMRI help", t, func() {
		h := newHarness()
		h.app.Main(ctx, "qtdmri", []string{"--help"})
		So(h.stdout.String(), ShouldContainSubstring, "schemeFile")
		So(h.stdout.String(), ShouldContainSubstring, "-odf_sphere")
	})
}

func TestUsageErrors(t *testing.T) {
	ctx := context.Background()
	t.Setenv(config.EnvConfigFile, "")

	Convey("Given too few positionals", t, func() {
		h := newHarness()
		code := h.app.Main(ctx, "freewater", []string{"/data/sub-01", "dwi.nii.gz"})

		So(code, ShouldEqual, ExitUsage)
		So(h.stderr.String(), ShouldContainSubstring, "usage: fit-freewater")
		So(h.engines, ShouldEqual, 0)
	})

	Convey("Given the scheme form on a model without it", t, func() {
		h := newHarness()
		code := h.app.Main(ctx, "freewater", []string{"/s", "dwi", "acq.scheme", "mask"})
		So(code, ShouldEqual, ExitUsage)
	})

	Convey("Given a malformed option value", t, func() {
		h := newHarness()
		code := h.app.Main(ctx, "noddi", append(positionals("/s"), "-b0thr", "ten"))
		So(code, ShouldEqual, ExitUsage)
		So(h.stderr.String(), ShouldContainSubstring, "b0thr")
	})

	Convey("Given an unknown flag", t, func() {
		h := newHarness()
		code := h.app.Main(ctx, "ivim", append(positionals("/s"), "-model", "isoMAPL"))
		So(code, ShouldEqual, ExitUsage)
	})

	Convey("Given an unknown log level", t, func() {
		h := newHarness()
		code := h.app.Main(ctx, "ivim", append(positionals(t.TempDir()), "-log_level", "chatty"))
		So(code, ShouldEqual, ExitUsage)
	})

	Convey("Given an unknown log level from the environment", t, func() {
		t.Setenv("MRIMICROFIT_LOG_LEVEL", "chatty")
		h := newHarness()
		code := h.app.Main(ctx, "ivim", positionals(subject(t)))
		So(code, ShouldEqual, ExitFailure)
		So(h.stderr.String(), ShouldContainSubstring, "log_level")
		So(h.engines, ShouldEqual, 0)
	})

	Convey("Given an unknown model key", t, func() {
		h := newHarness()
		So(h.app.Main(ctx, "dti", nil), ShouldEqual, ExitUsage)
	})
}

func TestRuns(t *testing.T) {
	ctx := context.Background()
	t.Setenv(config.EnvConfigFile, "")

	Convey("Given a FreeWater command line", t, func() {
		dir := subject(t)
		h := newHarness()
		code := h.app.Main(ctx, "freewater", positionals(dir))

		So(code, ShouldEqual, ExitOK)
		entries, err := os.ReadDir(filepath.Join(dir, "FWDTI"))
		So(err, ShouldBeNil)
		So(entries, ShouldHaveLength, 6)
		So(h.stdout.String(), ShouldBeEmpty)
	})

	Convey("Given options interleaved with positionals", t, func() {
		dir := subject(t)
		h := newHarness()
		code := h.app.Main(ctx, "mapmri", []string{
			dir, "-model", "isoMAP+", "dwi.nii.gz", "bvals", "-big_delta", "0.03", "bvecs", "mask.nii.gz",
		})

		So(code, ShouldEqual, ExitOK)
		_, err := os.Stat(filepath.Join(dir, "anisoMAPL", "RTOP.nii.gz"))
		So(err, ShouldBeNil)
		acq := h.engine.Fitter.Calls()[0].Acquisition
		So(acq.BigDelta[0], ShouldEqual, 0.03)
		So(acq.SmallDelta[0], ShouldEqual, 0.0129)
	})

	Convey("Given an unknown MAP-MRI variant", t, func() {
		dir := subject(t)
		h := newHarness()
		code := h.app.Main(ctx, "mapmri", append(positionals(dir), "-model", "superMAP"))

		So(code, ShouldEqual, ExitFailure)
		So(h.stderr.String(), ShouldContainSubstring, "anisoCMAPL")
		So(h.engines, ShouldEqual, 0)
		_, err := os.Stat(filepath.Join(dir, "anisoMAPL"))
		So(os.IsNotExist(err), ShouldBeTrue)
	})

	Convey("Given the QTDMRI scheme form with ODF output", t, func() {
		dir := subject(t)
		h := newHarness()
		code := h.app.Main(ctx, "qtdmri", []string{
			dir, "dwi.nii.gz", "acq.scheme", "mask.nii.gz", "-odf_sphere", "repulsion724", "-odf_s", "2",
		})

		So(code, ShouldEqual, ExitOK)
		_, err := os.Stat(filepath.Join(dir, "QTDMRI", "ODF.nii.gz"))
		So(err, ShouldBeNil)
		acq := h.engine.Fitter.Calls()[0].Acquisition
		So(acq.GradientStrengths, ShouldHaveLength, 3)
		So(acq.GradientStrengths[1], ShouldAlmostEqual, 0.04, 1e-12)
		So(acq.GradientStrengths[2], ShouldAlmostEqual, 0.06, 1e-12)
	})

	Convey("Given only one ODF option", t, func() {
		dir := subject(t)
		h := newHarness()
		code := h.app.Main(ctx, "qtdmri", []string{dir, "dwi.nii.gz", "acq.scheme", "mask.nii.gz", "-odf_s", "2"})
		So(code, ShouldEqual, ExitFailure)
	})

	Convey("Given an engine failure", t, func() {
		dir := subject(t)
		h := newHarness()
		h.engine.Fitter.Err = errors.New("engine exploded")
		code := h.app.Main(ctx, "msdki", positionals(dir))

		So(code, ShouldEqual, ExitFailure)
		So(h.stderr.String(), ShouldContainSubstring, "engine exploded")
	})

	Convey("Given two AMICO runs in one process", t, func() {
		dir := subject(t)
		h := newHarness()
		So(h.app.Main(ctx, "noddi", positionals(dir)), ShouldEqual, ExitOK)
		So(h.app.Main(ctx, "sandi", append(positionals(dir), "-TE", "0.05")), ShouldEqual, ExitOK)

		So(h.engine.AMICO.SetupCalls(), ShouldEqual, 1)
		jobs := h.engine.AMICO.Jobs()
		So(jobs, ShouldHaveLength, 2)
		So(jobs[0].Model, ShouldEqual, "NODDI")
		So(jobs[1].Model, ShouldEqual, "SANDI")
		_, err := os.Stat(filepath.Join(dir, "SANDI.scheme"))
		So(err, ShouldBeNil)
	})

	Convey("Given a config file with previews and a metrics textfile", t, func() {
		dir := subject(t)
		prom := filepath.Join(t.TempDir(), "mrimicrofit.prom")
		cfgPath := filepath.Join(t.TempDir(), "cfg.yaml")
		So(os.WriteFile(cfgPath, []byte("qc:\n  enabled: true\nmetrics:\n  textfile: "+prom+"\n"), 0o644), ShouldBeNil)
		h := newHarness()

		code := h.app.Main(ctx, "ivim", append(positionals(dir), "-config", cfgPath))

		So(code, ShouldEqual, ExitOK)
		previews, err := os.ReadDir(filepath.Join(dir, "IVIM", "qc"))
		So(err, ShouldBeNil)
		So(previews, ShouldHaveLength, 9)
		data, err := os.ReadFile(prom)
		So(err, ShouldBeNil)
		So(string(data), ShouldContainSubstring, `mrimicrofit_runs_total{model="ivim",outcome="success"} 1`)
	})
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	t.Setenv(config.EnvConfigFile, "")

	Convey("Given the umbrella command", t, func() {
		h := newHarness()

		Convey("A model key runs that model", func() {
			dir := subject(t)
			So(h.app.Dispatch(ctx, append([]string{"wmti"}, positionals(dir)...)), ShouldEqual, ExitOK)
			_, err := os.Stat(filepath.Join(dir, "WMTI", "AWF.nii.gz"))
			So(err, ShouldBeNil)
		})

		Convey("init-config writes a loadable default file", func() {
			path := filepath.Join(t.TempDir(), "mrimicrofit.yaml")
			So(h.app.Dispatch(ctx, []string{"init-config", path}), ShouldEqual, ExitOK)
			cfg, err := config.Load(ctx, path)
			So(err, ShouldBeNil)
			So(cfg.Engine.Command, ShouldEqual, config.DefaultConfig().Engine.Command)
		})

		Convey("Unknown commands and empty argument lists are usage errors", func() {
			So(h.app.Dispatch(ctx, []string{"segment"}), ShouldEqual, ExitUsage)
			So(h.app.Dispatch(ctx, nil), ShouldEqual, ExitUsage)
			So(h.app.Dispatch(ctx, []string{"init-config"}), ShouldEqual, ExitUsage)
		})

		Convey("The version is printed", func() {
			So(h.app.Dispatch(ctx, []string{"--version"}), ShouldEqual, ExitOK)
			So(h.stdout.String(), ShouldEqual, "1.0\n")
		})
	})
}

func TestExitCode(t *testing.T) {
	Convey("Given run errors", t, func() {
		So(ExitCode(nil), ShouldEqual, ExitOK)
		So(ExitCode(&UsageError{Msg: "bad"}), ShouldEqual, ExitUsage)
		So(ExitCode(&runner.StageError{Stage: runner.StageFitted, Err: errors.New("x")}), ShouldEqual, ExitFailure)
		So(ExitCode(&microstructure.ConfigurationError{Model: "MAP-MRI", Token: "x"}), ShouldEqual, ExitFailure)
	})
}
