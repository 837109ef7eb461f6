package acquisition

import (
	"bufio"
	"fmt"
	"math"
	"os"

	"mrimicrofit/internal/models"
)

const (
	// gyromagnetic ratio of 1H in rad/s/T, used to derive b-values from a raw scheme
	gamma = 2 * math.Pi * 42.576e6

	// AMICO's own constant for STEJSKALTANNER schemes
	amicoGamma = 2.675987e8

	// raw scheme gradient strengths are stored in mT/m
	strengthScale = 1.0 / 1000
)

// Scheme headers understood by AMICO.
const (
	HeaderBVector        = "VERSION: BVECTOR"
	HeaderStejskalTanner = "VERSION: STEJSKALTANNER"
)

// ReadScheme reads a raw scheme table: one header line, then one row per
// measurement with direction (cols 1-3), gradient strength (col 4), pulse
// duration (col 5) and pulse separation (col 6). Row count is not checked
// against the DWI here; the engine reports any mismatch.
func ReadScheme(path string) (*models.Acquisition, error) {
	rows, err := readTable(path, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s holds no measurements", ErrMalformed, path)
	}

	acq := &models.Acquisition{
		Bvals:             make([]float64, len(rows)),
		Bvecs:             make([][3]float64, len(rows)),
		GradientStrengths: make([]float64, len(rows)),
		SmallDelta:        make([]float64, len(rows)),
		BigDelta:          make([]float64, len(rows)),
	}
	for i, r := range rows {
		if len(r) < 6 {
			return nil, fmt.Errorf("%w: %s row %d has %d columns, want 6", ErrMalformed, path, i+1, len(r))
		}
		g := r[3] * strengthScale
		acq.Bvecs[i] = [3]float64{r[0], r[1], r[2]}
		acq.GradientStrengths[i] = g
		acq.SmallDelta[i] = r[4]
		acq.BigDelta[i] = r[5]
		acq.Bvals[i] = bvalue(g, r[4], r[5])
	}
	return acq, nil
}

// bvalue returns (gamma*delta*G)^2 * (Delta - delta/3) in s/mm^2.
func bvalue(g, smallDelta, bigDelta float64) float64 {
	q := gamma * smallDelta * g
	return q * q * (bigDelta - smallDelta/3) / 1e6
}

// roundB rounds b to the nearest multiple of step when step > 1.
func roundB(b, step float64) float64 {
	if step <= 1 {
		return b
	}
	return math.Round(b/step) * step
}

// WriteBVectorScheme writes a VERSION: BVECTOR scheme (x y z b per row).
func WriteBVectorScheme(path string, acq *models.Acquisition, bStep float64) error {
	return writeScheme(path, HeaderBVector, acq.Len(), func(i int) []float64 {
		v := acq.Bvecs[i]
		return []float64{v[0], v[1], v[2], roundB(acq.Bvals[i], bStep)}
	})
}

// PulseTiming holds the sequence timing written into a STEJSKALTANNER scheme, in seconds.
type PulseTiming struct {
	BigDelta   float64
	SmallDelta float64
	EchoTime   float64
}

// WriteStejskalTannerScheme writes a VERSION: STEJSKALTANNER scheme
// (x y z G Delta delta TE per row) with G in T/m derived from the b-values.
func WriteStejskalTannerScheme(path string, acq *models.Acquisition, timing PulseTiming, bStep float64) error {
	if timing.BigDelta <= timing.SmallDelta/3 || timing.SmallDelta <= 0 {
		return fmt.Errorf("%w: Delta=%g delta=%g do not describe a valid pulse pair",
			ErrMalformed, timing.BigDelta, timing.SmallDelta)
	}
	te := timing.EchoTime
	if te <= 0 {
		te = timing.BigDelta + timing.SmallDelta
	}
	return writeScheme(path, HeaderStejskalTanner, acq.Len(), func(i int) []float64 {
		v := acq.Bvecs[i]
		b := roundB(acq.Bvals[i], bStep)
		return []float64{v[0], v[1], v[2], GradientStrength(b, timing.BigDelta, timing.SmallDelta), timing.BigDelta, timing.SmallDelta, te}
	})
}

// GradientStrength inverts the Stejskal-Tanner relation: b in s/mm^2 to G in T/m.
func GradientStrength(b, bigDelta, smallDelta float64) float64 {
	if b <= 0 {
		return 0
	}
	gd := amicoGamma * smallDelta
	return math.Sqrt(b * 1e6 / (gd * gd * (bigDelta - smallDelta/3)))
}

func writeScheme(path, hdr string, n int, row func(int) []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	fmt.Fprintln(w, hdr)
	for i := 0; i < n; i++ {
		for j, v := range row(i) {
			if j > 0 {
				w.WriteByte('\t')
			}
			fmt.Fprintf(w, "%.6f", v)
		}
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
