package geo

import (
	"errors"
	"math"
)

// DEM is an in-memory georeferenced height raster. Cells are indexed by
// (col, row) with the geodetic coordinate of the cell center given by the
// origin and per-cell steps, in degrees. Heights are meters above the
// ellipsoid. The raster is fully loaded before a solve; no I/O happens
// during residual evaluation.
type DEM struct {
	Ell       Ellipsoid
	OriginLon float64 // longitude of cell (0,0) center, degrees
	OriginLat float64 // latitude of cell (0,0) center, degrees
	DLon      float64 // degrees per column, nonzero
	DLat      float64 // degrees per row, typically negative
	Cols      int
	Rows      int
	NoData    float64
	Heights   []float64 // row-major, Rows*Cols
}

// ErrOutsideDEM is returned for lookups that fall off the raster or hit
// nodata cells.
var ErrOutsideDEM = errors.New("point outside DEM or nodata")

// valid reports whether the cell holds a usable height.
func (d *DEM) valid(col, row int) bool {
	if col < 0 || row < 0 || col >= d.Cols || row >= d.Rows {
		return false
	}
	return d.Heights[row*d.Cols+col] != d.NoData
}

// HeightAt bilinearly interpolates the DEM height at a geodetic
// coordinate given in degrees.
func (d *DEM) HeightAt(lonDeg, latDeg float64) (float64, error) {
	fc := (lonDeg - d.OriginLon) / d.DLon
	fr := (latDeg - d.OriginLat) / d.DLat
	c0 := int(math.Floor(fc))
	r0 := int(math.Floor(fr))
	if !d.valid(c0, r0) || !d.valid(c0+1, r0) || !d.valid(c0, r0+1) || !d.valid(c0+1, r0+1) {
		return 0, ErrOutsideDEM
	}
	wc := fc - float64(c0)
	wr := fr - float64(r0)
	h00 := d.Heights[r0*d.Cols+c0]
	h10 := d.Heights[r0*d.Cols+c0+1]
	h01 := d.Heights[(r0+1)*d.Cols+c0]
	h11 := d.Heights[(r0+1)*d.Cols+c0+1]
	return (1-wr)*((1-wc)*h00+wc*h10) + wr*((1-wc)*h01+wc*h11), nil
}

// NearestValue returns the value of the raster cell closest to the given
// ECEF position, for rasters used as per-point weight lookups.
func (d *DEM) NearestValue(pos Vec3) (float64, error) {
	llh := d.Ell.ToLLH(pos)
	lonDeg := llh.Lon * 180 / math.Pi
	latDeg := llh.Lat * 180 / math.Pi
	col := int(math.Round((lonDeg - d.OriginLon) / d.DLon))
	row := int(math.Round((latDeg - d.OriginLat) / d.DLat))
	if !d.valid(col, row) {
		return 0, ErrOutsideDEM
	}
	return d.Heights[row*d.Cols+col], nil
}

// SurfacePoint returns the ECEF point on the DEM surface below/above the
// given ECEF position: same latitude and longitude, DEM height.
func (d *DEM) SurfacePoint(pos Vec3) (Vec3, error) {
	llh := d.Ell.ToLLH(pos)
	h, err := d.HeightAt(llh.Lon*180/math.Pi, llh.Lat*180/math.Pi)
	if err != nil {
		return Vec3{}, err
	}
	llh.Height = h
	return d.Ell.ToECEF(llh), nil
}

// MeanHeight returns the mean of all valid cells, or 0 when the raster is
// all nodata.
func (d *DEM) MeanHeight() float64 {
	sum, n := 0.0, 0
	for _, h := range d.Heights {
		if h != d.NoData {
			sum += h
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// intersectEllipsoid finds the first intersection of the ray
// origin + t*dir, t > 0, with the ellipsoid inflated by height h.
func intersectEllipsoid(ell Ellipsoid, origin, dir Vec3, h float64) (Vec3, error) {
	a := ell.SemiMajor + h
	b := ell.SemiMajor*(1-ell.Flattening) + h

	// Scale z so the inflated ellipsoid becomes a sphere of radius a.
	s := a / b
	o := Vec3{origin.X, origin.Y, origin.Z * s}
	v := Vec3{dir.X, dir.Y, dir.Z * s}

	A := v.Dot(v)
	B := 2 * o.Dot(v)
	C := o.Dot(o) - a*a
	disc := B*B - 4*A*C
	if disc < 0 {
		return Vec3{}, errors.New("ray misses the ellipsoid")
	}
	t := (-B - math.Sqrt(disc)) / (2 * A)
	if t < 0 {
		t = (-B + math.Sqrt(disc)) / (2 * A)
	}
	if t < 0 {
		return Vec3{}, errors.New("ellipsoid behind ray origin")
	}
	return origin.Add(dir.Scale(t)), nil
}

// IntersectRay intersects a camera ray with the DEM surface. The iteration
// alternates between intersecting the ray with a constant-height ellipsoid
// and refreshing that height from the DEM at the current ground estimate,
// until the estimate moves less than tol meters.
func (d *DEM) IntersectRay(origin, dir Vec3, tol float64) (Vec3, error) {
	if tol <= 0 {
		tol = 1e-3
	}
	dir = dir.Unit()

	h := d.MeanHeight()
	pt, err := intersectEllipsoid(d.Ell, origin, dir, h)
	if err != nil {
		return Vec3{}, err
	}

	const maxIter = 50
	for i := 0; i < maxIter; i++ {
		llh := d.Ell.ToLLH(pt)
		h, err = d.HeightAt(llh.Lon*180/math.Pi, llh.Lat*180/math.Pi)
		if err != nil {
			return Vec3{}, err
		}
		next, err := intersectEllipsoid(d.Ell, origin, dir, h)
		if err != nil {
			return Vec3{}, err
		}
		if next.Sub(pt).Norm() < tol {
			return next, nil
		}
		pt = next
	}
	return Vec3{}, errors.New("DEM ray intersection did not converge")
}
