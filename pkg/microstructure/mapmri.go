package microstructure

// MAPMRI is the shape of one MAP-MRI variant.
type MAPMRI struct {
	RadialOrder             int
	LaplacianRegularization bool
	PositivityConstraint    bool
	GlobalConstraints       bool
	AnisotropicScaling      bool
}

const (
	mapmriEngine  = "dipy.reconst.mapmri.MapmriModel"
	mapmriSolver  = "MOSEK"
	mapmriWeight  = "GCV"
	odfSphere     = "repulsion724"
	odfSharpening = 2.0
)

// MAPMRIVariants lists the valid variant tokens in presentation order.
var MAPMRIVariants = []string{
	"anisoMAPL", "anisoCMAP", "anisoCMAPL", "anisoMAP+",
	"isoMAPL", "isoCMAP", "isoCMAPL", "isoMAP+",
}

// DefaultMAPMRIVariant is used when no -model token is given.
const DefaultMAPMRIVariant = "anisoMAPL"

var mapmriTable = map[string]MAPMRI{
	"anisoMAPL":  {RadialOrder: 6, LaplacianRegularization: true, AnisotropicScaling: true},
	"anisoCMAP":  {RadialOrder: 6, PositivityConstraint: true, AnisotropicScaling: true},
	"anisoCMAPL": {RadialOrder: 6, LaplacianRegularization: true, PositivityConstraint: true, AnisotropicScaling: true},
	"anisoMAP+":  {RadialOrder: 6, PositivityConstraint: true, GlobalConstraints: true, AnisotropicScaling: true},
	"isoMAPL":    {RadialOrder: 8, LaplacianRegularization: true},
	"isoCMAP":    {RadialOrder: 8, PositivityConstraint: true},
	"isoCMAPL":   {RadialOrder: 8, LaplacianRegularization: true, PositivityConstraint: true},
	"isoMAP+":    {RadialOrder: 8, PositivityConstraint: true, GlobalConstraints: true},
}

// LookupMAPMRI maps a variant token to its configuration shape. Unknown
// tokens fail; there is no fallback.
func LookupMAPMRI(token string) (MAPMRI, error) {
	m, ok := mapmriTable[token]
	if !ok {
		return MAPMRI{}, &ConfigurationError{Model: "MAP-MRI", Token: token, Valid: MAPMRIVariants}
	}
	return m, nil
}

// Configuration renders the variant as engine options.
func (m MAPMRI) Configuration(token string) Configuration {
	opts := map[string]any{
		"radial_order":             m.RadialOrder,
		"laplacian_regularization": m.LaplacianRegularization,
		"positivity_constraint":    m.PositivityConstraint,
		"global_constraints":       m.GlobalConstraints,
		"anisotropic_scaling":      m.AnisotropicScaling,
		"cvxpy_solver":             mapmriSolver,
		"odf_sphere":               odfSphere,
		"odf_sharpening":           odfSharpening,
	}
	if m.LaplacianRegularization {
		opts["laplacian_weighting"] = mapmriWeight
	}
	return newConfiguration(mapmriEngine, token, opts)
}
