// Package acquisition builds diffusion acquisition descriptors from FSL
// b-value/b-vector files or raw scheme tables, and writes the scheme files
// consumed by the AMICO engine.
package acquisition

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"mrimicrofit/internal/models"
)

// Sentinel errors for malformed acquisition files.
var (
	ErrMalformed = errors.New("malformed acquisition file")
	ErrMismatch  = errors.New("b-values and b-vectors disagree")
)

// readTable parses a whitespace (or comma) delimited numeric table,
// skipping blank lines, '#' comments and the first skip lines.
func readTable(path string, skip int) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows [][]float64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if lineNo <= skip {
			continue
		}
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.FieldsFunc(line, func(r rune) bool {
			return r == ' ' || r == '\t' || r == ',' || r == '\r'
		})
		if len(fields) == 0 {
			continue
		}
		row := make([]float64, len(fields))
		for i, s := range fields {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s line %d: %v", ErrMalformed, path, lineNo, err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

// ReadBvals reads an FSL b-value file. Values may span one or several lines.
func ReadBvals(path string) ([]float64, error) {
	rows, err := readTable(path, 0)
	if err != nil {
		return nil, err
	}
	var bvals []float64
	for _, r := range rows {
		bvals = append(bvals, r...)
	}
	if len(bvals) == 0 {
		return nil, fmt.Errorf("%w: %s holds no b-values", ErrMalformed, path)
	}
	return bvals, nil
}

// ReadBvecs reads a b-vector file laid out as Nx3 or 3xN (FSL). A table with
// three columns is read row-wise, so a square 3x3 file holds one direction per
// row, as dipy reads it.
func ReadBvecs(path string) ([][3]float64, error) {
	rows, err := readTable(path, 0)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s holds no b-vectors", ErrMalformed, path)
	}

	if !columnsOf(rows, 3) && len(rows) == 3 && len(rows[0]) == len(rows[1]) && len(rows[1]) == len(rows[2]) {
		n := len(rows[0])
		vecs := make([][3]float64, n)
		for i := 0; i < n; i++ {
			vecs[i] = [3]float64{rows[0][i], rows[1][i], rows[2][i]}
		}
		return vecs, nil
	}

	vecs := make([][3]float64, len(rows))
	for i, r := range rows {
		if len(r) != 3 {
			return nil, fmt.Errorf("%w: %s row %d has %d columns, want 3", ErrMalformed, path, i+1, len(r))
		}
		vecs[i] = [3]float64{r[0], r[1], r[2]}
	}
	return vecs, nil
}

func columnsOf(rows [][]float64, n int) bool {
	for _, r := range rows {
		if len(r) != n {
			return false
		}
	}
	return true
}

// FromFSL builds an acquisition from a b-value and a b-vector file.
// Pulse timing is left to the engine.
func FromFSL(bvalPath, bvecPath string) (*models.Acquisition, error) {
	bvals, err := ReadBvals(bvalPath)
	if err != nil {
		return nil, err
	}
	bvecs, err := ReadBvecs(bvecPath)
	if err != nil {
		return nil, err
	}
	if len(bvals) != len(bvecs) {
		return nil, fmt.Errorf("%w: %d b-values, %d b-vectors", ErrMismatch, len(bvals), len(bvecs))
	}
	return &models.Acquisition{Bvals: bvals, Bvecs: bvecs}, nil
}

// WithTiming returns a copy of acq carrying the same pulse separation and
// duration for every measurement.
func WithTiming(acq *models.Acquisition, bigDelta, smallDelta float64) *models.Acquisition {
	out := *acq
	out.BigDelta = make([]float64, acq.Len())
	out.SmallDelta = make([]float64, acq.Len())
	for i := range out.BigDelta {
		out.BigDelta[i] = bigDelta
		out.SmallDelta[i] = smallDelta
	}
	return &out
}
