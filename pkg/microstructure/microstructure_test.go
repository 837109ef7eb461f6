package microstructure

import (
	"errors"
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"mrimicrofit/internal/models"
)

func request(model, variant string, params map[string]float64, options map[string]string, scheme bool) models.RunRequest {
	files := models.RequestFiles{DWI: "dwi.nii.gz", Mask: "mask.nii.gz", Bval: "bvals", Bvec: "bvecs"}
	if scheme {
		files.Scheme = "acq.scheme"
	}
	return models.NewRunRequest(model, "/subject", files, variant, params, options)
}

func TestMAPMRIDispatch(t *testing.T) {
	want := map[string]MAPMRI{
		"anisoMAPL":  {6, true, false, false, true},
		"anisoCMAP":  {6, false, true, false, true},
		"anisoCMAPL": {6, true, true, false, true},
		"anisoMAP+":  {6, false, true, true, true},
		"isoMAPL":    {8, true, false, false, false},
		"isoCMAP":    {8, false, true, false, false},
		"isoCMAPL":   {8, true, true, false, false},
		"isoMAP+":    {8, false, true, true, false},
	}

	Convey("Given the closed MAP-MRI variant table", t, func() {
		Convey("The token list and the table agree exactly", func() {
			So(len(MAPMRIVariants), ShouldEqual, len(mapmriTable))
			So(len(MAPMRIVariants), ShouldEqual, 8)
			for _, token := range MAPMRIVariants {
				_, ok := mapmriTable[token]
				So(ok, ShouldBeTrue)
			}
		})

		Convey("Every token maps to its documented shape", func() {
			for token, shape := range want {
				got, err := LookupMAPMRI(token)
				So(err, ShouldBeNil)
				So(got, ShouldResemble, shape)
			}
		})

		Convey("An unknown token is a configuration error listing the valid tokens", func() {
			_, err := LookupMAPMRI("anisoMAPLX")
			var cfgErr *ConfigurationError
			So(errors.As(err, &cfgErr), ShouldBeTrue)
			So(cfgErr.Token, ShouldEqual, "anisoMAPLX")
			So(cfgErr.Valid, ShouldResemble, MAPMRIVariants)
			for _, token := range MAPMRIVariants {
				So(err.Error(), ShouldContainSubstring, token)
			}
		})

		Convey("Laplacian variants carry GCV weighting and every variant uses MOSEK", func() {
			for _, token := range MAPMRIVariants {
				shape, _ := LookupMAPMRI(token)
				cfg := shape.Configuration(token)
				solver, _ := cfg.Option("cvxpy_solver")
				So(solver, ShouldEqual, "MOSEK")
				weighting, ok := cfg.Option("laplacian_weighting")
				So(ok, ShouldEqual, shape.LaplacianRegularization)
				if ok {
					So(weighting, ShouldEqual, "GCV")
				}
				order, _ := cfg.Option("radial_order")
				So(order, ShouldEqual, shape.RadialOrder)
				So(cfg.Variant(), ShouldEqual, token)
			}
		})
	})
}

func TestResolve(t *testing.T) {
	Convey("Given the MAP-MRI runner", t, func() {
		Convey("Defaults select anisoMAPL with the documented timing", func() {
			plan, err := Resolve(request("mapmri", "", nil, nil, false))
			So(err, ShouldBeNil)
			So(plan.OutputDir, ShouldEqual, "anisoMAPL")
			So(plan.Configuration.Variant(), ShouldEqual, "anisoMAPL")
			So(plan.Timing, ShouldNotBeNil)
			So(plan.Timing.BigDelta, ShouldEqual, 0.0218)
			So(plan.Timing.SmallDelta, ShouldEqual, 0.0129)
			So(len(plan.Outputs), ShouldEqual, 17)
		})

		Convey("A chosen variant still writes to anisoMAPL", func() {
			plan, err := Resolve(request("mapmri", "isoMAP+", map[string]float64{ParamBigDelta: 0.03}, nil, false))
			So(err, ShouldBeNil)
			So(plan.OutputDir, ShouldEqual, "anisoMAPL")
			So(plan.Configuration.Variant(), ShouldEqual, "isoMAP+")
			So(plan.Timing.BigDelta, ShouldEqual, 0.03)
			global, _ := plan.Configuration.Option("global_constraints")
			So(global, ShouldEqual, true)
		})

		Convey("An unknown variant fails before anything else", func() {
			_, err := Resolve(request("mapmri", "fancyMAP", nil, nil, false))
			var cfgErr *ConfigurationError
			So(errors.As(err, &cfgErr), ShouldBeTrue)
		})
	})

	Convey("Given single-variant runners", t, func() {
		Convey("Timing is left to the engine", func() {
			for _, key := range []string{"freewater", "ivim", "msdki", "wmti", "qtdmri"} {
				plan, err := Resolve(request(key, "", nil, nil, false))
				So(err, ShouldBeNil)
				So(plan.Timing, ShouldBeNil)
				So(plan.AMICO, ShouldBeNil)
			}
		})

		Convey("Output lists match the documented map names", func() {
			names := func(key string) string {
				plan, err := Resolve(request(key, "", nil, nil, false))
				So(err, ShouldBeNil)
				var out []string
				for _, o := range plan.Outputs {
					out = append(out, o.Name)
				}
				return strings.Join(out, ",")
			}
			So(names("freewater"), ShouldEqual, "FA,MD,FW,RD,AD,ADC")
			So(names("ivim"), ShouldEqual, "Perfusion,D_star,D")
			So(names("msdki"), ShouldEqual, "MSD,MSK,F,DI,uFA")
			So(names("wmti"), ShouldEqual, "AWF,Tortuosity,Restricted,Hindered,Axonal,Hindered_AD,Hindered_RD")
			So(names("qtdmri"), ShouldStartWith, "RTOP,RTAP,RTPP,QIV,MSD")
			So(names("mapmri"), ShouldEqual, "MSD,QIV,RTOP,RTAP,RTPP,NG,NGper,NGpar,ODF,"+
				"RTOP_cortex_norm,RTAP_cortex_norm,RTPP_cortex_norm,PDF,NOLS,ISF,SH,COEF")
		})

		Convey("IVIM uses the variable projection fit", func() {
			plan, _ := Resolve(request("ivim", "", nil, nil, false))
			method, _ := plan.Configuration.Option("fit_method")
			So(method, ShouldEqual, "VarPro")
		})

		Convey("A scheme table is refused by models that do not take one", func() {
			_, err := Resolve(request("freewater", "", nil, nil, true))
			var cfgErr *ConfigurationError
			So(errors.As(err, &cfgErr), ShouldBeTrue)
		})

		Convey("Unknown runner keys are rejected", func() {
			_, err := Resolve(request("dti", "", nil, nil, false))
			So(errors.Is(err, ErrUnknownModel), ShouldBeTrue)
		})
	})

	Convey("Given the QTDMRI runner", t, func() {
		Convey("ODF output is absent unless both options are given", func() {
			plan, err := Resolve(request("qtdmri", "", nil, nil, true))
			So(err, ShouldBeNil)
			for _, o := range plan.Outputs {
				So(o.Name, ShouldNotEqual, "ODF")
			}
			_, ok := plan.Configuration.Option("odf_sphere")
			So(ok, ShouldBeFalse)
		})

		Convey("Both options opt into an ODF map", func() {
			plan, err := Resolve(request("qtdmri", "",
				map[string]float64{ParamODFSharpening: 2},
				map[string]string{OptionODFSphere: "repulsion724"}, true))
			So(err, ShouldBeNil)
			So(plan.Outputs[len(plan.Outputs)-1].Name, ShouldEqual, "ODF")
			s, _ := plan.Configuration.Option("odf_sharpening")
			So(s, ShouldEqual, 2.0)
		})

		Convey("Only one ODF option is a configuration error", func() {
			_, err := Resolve(request("qtdmri", "", nil, map[string]string{OptionODFSphere: "repulsion724"}, true))
			var cfgErr *ConfigurationError
			So(errors.As(err, &cfgErr), ShouldBeTrue)
		})

		Convey("ODF options on the FSL form are a configuration error", func() {
			_, err := Resolve(request("qtdmri", "",
				map[string]float64{ParamODFSharpening: 2},
				map[string]string{OptionODFSphere: "repulsion724"}, false))
			var cfgErr *ConfigurationError
			So(errors.As(err, &cfgErr), ShouldBeTrue)
		})

		Convey("The fixed time-dependent options are set", func() {
			plan, _ := Resolve(request("qtdmri", "", nil, nil, false))
			order, _ := plan.Configuration.Option("time_order")
			So(order, ShouldEqual, 2)
			l1, _ := plan.Configuration.Option("l1_weighting")
			So(l1, ShouldEqual, "CV")
		})
	})

	Convey("Given the AMICO runners", t, func() {
		Convey("NODDI writes a BVECTOR scheme with the default thresholds", func() {
			plan, err := Resolve(request("noddi", "", nil, nil, false))
			So(err, ShouldBeNil)
			So(plan.Descriptor.Engine, ShouldEqual, EngineAMICO)
			So(plan.AMICO.Format, ShouldEqual, SchemeBVector)
			So(plan.AMICO.B0Threshold, ShouldEqual, 10)
			So(plan.AMICO.BStep, ShouldEqual, 100)
			So(plan.AMICO.KernelDirs, ShouldEqual, 0)
			So(plan.SchemeFile(), ShouldEqual, "NODDI.scheme")
		})

		Convey("SANDI carries timing, flags and the fixed grid", func() {
			plan, err := Resolve(request("sandi", "", map[string]float64{ParamEchoTime: 0.045}, nil, false))
			So(err, ShouldBeNil)
			So(plan.AMICO.Format, ShouldEqual, SchemeStejskalTanner)
			So(plan.AMICO.Timing.EchoTime, ShouldEqual, 0.045)
			So(plan.AMICO.Timing.BigDelta, ShouldEqual, 0.020)
			So(plan.AMICO.Timing.SmallDelta, ShouldEqual, 0.0055)
			So(plan.AMICO.Flags["doDebiasSignal"], ShouldEqual, false)
			So(plan.AMICO.Flags["doDirectionalAverage"], ShouldEqual, true)
			So(plan.AMICO.KernelDirs, ShouldEqual, 1)
			So(plan.AMICO.SaveDirAvg, ShouldBeTrue)
			So(plan.AMICO.Grid, ShouldNotBeNil)
			So(plan.SchemeFile(), ShouldEqual, "SANDI.scheme")
		})
	})
}

func TestDefaultSANDIGrid(t *testing.T) {
	Convey("Given the fixed SANDI dictionary", t, func() {
		g := DefaultSANDIGrid()

		Convey("Soma radii span 1 to 12 micrometres in five points", func() {
			So(g.SomaRadii, ShouldHaveLength, 5)
			So(g.SomaRadii[0], ShouldAlmostEqual, 1e-6, 1e-15)
			So(g.SomaRadii[2], ShouldAlmostEqual, 6.5e-6, 1e-15)
			So(g.SomaRadii[4], ShouldAlmostEqual, 12e-6, 1e-15)
		})

		Convey("Diffusivity grids span 0.25 to 3.0 e-3 in five points", func() {
			for _, grid := range [][]float64{g.IntraNeuriteDiffusivities, g.ExtraIsotropicDiffusivities} {
				So(grid, ShouldHaveLength, 5)
				So(grid[0], ShouldAlmostEqual, 0.25e-3, 1e-15)
				So(grid[1], ShouldAlmostEqual, 0.9375e-3, 1e-15)
				So(grid[4], ShouldAlmostEqual, 3.0e-3, 1e-15)
			}
		})

		Convey("Constants match the fixed solver setup", func() {
			So(g.IntraSomaDiffusivity, ShouldEqual, 3.0e-3)
			So(g.Lambda1, ShouldEqual, 0)
			So(g.Lambda2, ShouldEqual, 5.0e-3)
		})
	})
}

func TestConfigurationIsImmutable(t *testing.T) {
	Convey("Given a configuration", t, func() {
		cfg := newConfiguration("engine", "", map[string]any{"a": 1})

		Convey("Mutating the returned options leaves it intact", func() {
			opts := cfg.Options()
			opts["a"] = 2
			opts["b"] = 3
			v, _ := cfg.Option("a")
			So(v, ShouldEqual, 1)
			So(cfg.OptionNames(), ShouldResemble, []string{"a"})
		})
	})
}
