package jitter

import (
	"math"

	"github.com/relief-data/jitter.solve/internal/geo"
	"github.com/relief-data/jitter.solve/internal/sensor"
)

// Synthetic scene shared by the solver tests: linescan cameras at 500 km
// moving north over WGS-84, looking nadir, imaging a grid of ground
// points. Observations are produced by projecting the points through the
// cameras, so an unperturbed scene has exactly zero reprojection error.

const (
	tAltitude = 500e3
	tSpeed    = 7000.0
	tLat0     = 0.3
	tLon0     = 0.8
	tFocalPx  = 7.0e4
	tNumLines = 100
	tDtLine   = 1e-3
	tPoseDt   = 0.02
	tPosePad  = 0.1
	tSamples  = 1000
)

func testEll() geo.Ellipsoid { return geo.WGS84() }

func tOrbitBase(ell geo.Ellipsoid) geo.Vec3 {
	return ell.ToECEF(geo.LLH{Lat: tLat0, Lon: tLon0, Height: tAltitude})
}

func tOrbitPosition(ell geo.Ellipsoid, t, eastShift float64) geo.Vec3 {
	return ell.FromENU(geo.Vec3{X: eastShift, Y: tSpeed * t, Z: 0}, tOrbitBase(ell))
}

func tNadirRotation(ell geo.Ellipsoid, pos geo.Vec3) geo.Mat3 {
	enu := ell.ENURotation(pos).Transpose()
	north := geo.Vec3{X: enu[0][1], Y: enu[1][1], Z: enu[2][1]}
	up := geo.Vec3{X: enu[0][2], Y: enu[1][2], Z: enu[2][2]}
	z := up.Scale(-1)
	y := north
	x := y.Cross(z)
	return geo.Mat3{
		{x.X, y.X, z.X},
		{x.Y, y.Y, z.Y},
		{x.Z, y.Z, z.Z},
	}
}

// newTestLinescan builds a consistent nadir-looking linescan camera whose
// scan covers t in [0, tNumLines*tDtLine], shifted east by eastShift
// meters.
func newTestLinescan(ell geo.Ellipsoid, eastShift float64) *sensor.Linescan {
	tEnd := float64(tNumLines) * tDtLine
	t0 := -tPosePad
	n := int((tEnd+2*tPosePad)/tPoseDt) + 1

	m := &sensor.Linescan{
		Intr: sensor.Intrinsics{
			FocalPx:      tFocalPx,
			CenterSample: tSamples / 2,
			Samples:      tSamples,
			Lines:        tNumLines,
		},
		T0Ephem: t0, DtEphem: tPoseDt,
		T0Quat: t0, DtQuat: tPoseDt,
		T0Line: 0, DtLine: tDtLine,
	}
	for i := 0; i < n; i++ {
		t := t0 + float64(i)*tPoseDt
		pos := tOrbitPosition(ell, t, eastShift)
		m.Positions = append(m.Positions, pos.Slice()...)
		q := sensor.MatrixToQuat(tNadirRotation(ell, pos))
		m.Quaternions = append(m.Quaternions, q[:]...)
	}
	return m
}

// tGroundGrid lays numPts points on the ellipsoid surface under the
// scanned strip.
func tGroundGrid(ell geo.Ellipsoid, numPts int) []geo.Vec3 {
	tEnd := float64(tNumLines) * tDtLine
	base := tOrbitBase(ell)
	cols := 5
	rows := (numPts + cols - 1) / cols

	var out []geo.Vec3
	for r := 0; r < rows && len(out) < numPts; r++ {
		for c := 0; c < cols && len(out) < numPts; c++ {
			alongFrac := 0.15 + 0.7*float64(r)/math.Max(1, float64(rows-1))
			east := -2000.0 + 4000.0*float64(c)/float64(cols-1)
			sub := ell.FromENU(geo.Vec3{
				X: east,
				Y: tSpeed * alongFrac * tEnd,
				Z: -tAltitude,
			}, base)
			llh := ell.ToLLH(sub)
			llh.Height = 0
			out = append(out, ell.ToECEF(llh))
		}
	}
	return out
}

// buildTestScene builds cameras with the given east shifts, the ground
// grid, and exact observations of every point visible in every camera.
func buildTestScene(ell geo.Ellipsoid, eastShifts []float64, numPts int) ([]sensor.Model, *Network) {
	var cams []sensor.Model
	for _, shift := range eastShifts {
		cams = append(cams, newTestLinescan(ell, shift))
	}

	points := tGroundGrid(ell, numPts)
	net := &Network{
		Points: append([]geo.Vec3(nil), points...),
		Obs:    make([][]Observation, len(cams)),
	}
	for icam, cam := range cams {
		for ipt, pt := range points {
			pix, err := cam.GroundToImage(pt, sensor.DefaultPrecision)
			if err != nil {
				continue
			}
			if pix.Sample < 0 || pix.Sample > tSamples || pix.Line < 0 || pix.Line > tNumLines {
				continue
			}
			net.Obs[icam] = append(net.Obs[icam], Observation{Point: ipt, Pixel: pix})
		}
	}
	return cams, net
}

// perturbQuats applies a sinusoidal attitude perturbation of the given
// amplitude (radians, about the camera x axis) to every orientation
// sample, emulating jitter.
func perturbQuats(m *sensor.Linescan, amplitude float64) {
	for i := 0; i < m.NumQuats(); i++ {
		ang := amplitude * math.Sin(2*math.Pi*float64(i)/7.0)
		s, c := math.Sincos(ang / 2)
		// Small rotation about the camera x axis, composed on the right.
		dq := [4]float64{s, 0, 0, c}
		q := m.Quaternions[i*sensor.QuatParams : (i+1)*sensor.QuatParams]
		r := sensor.QuatToMatrix(q).Mul(sensor.QuatToMatrix(dq[:]))
		nq := sensor.MatrixToQuat(r)
		copy(q, nq[:])
	}
}

// snapshotPose copies the pose arrays of a linescan model.
func snapshotPose(m *sensor.Linescan) (pos, quat []float64) {
	return append([]float64(nil), m.Positions...),
		append([]float64(nil), m.Quaternions...)
}

// tFlatDEM builds a constant-height raster covering the test swath.
func tFlatDEM(ell geo.Ellipsoid, height float64) *geo.DEM {
	const n = 60
	lon0 := tLon0 * 180 / math.Pi
	lat0 := tLat0 * 180 / math.Pi
	d := &geo.DEM{
		Ell:       ell,
		OriginLon: lon0 - 0.3,
		OriginLat: lat0 + 0.4,
		DLon:      0.01,
		DLat:      -0.01,
		Cols:      n,
		Rows:      n,
		NoData:    -32768,
		Heights:   make([]float64, n*n),
	}
	for i := range d.Heights {
		d.Heights[i] = height
	}
	return d
}

func fptr(v float64) *float64 { return &v }
func iptr(v int) *int         { return &v }
func bptr(v bool) *bool       { return &v }
