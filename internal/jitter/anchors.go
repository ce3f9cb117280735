package jitter

import (
	"log"
	"math"

	"github.com/relief-data/jitter.solve/internal/config"
	"github.com/relief-data/jitter.solve/internal/geo"
	"github.com/relief-data/jitter.solve/internal/sensor"
)

// pixelRay returns the camera center and viewing ray of a pixel at its
// exposure time.
func pixelRay(cam sensor.Model, pix sensor.Pixel) (geo.Vec3, geo.Vec3, bool) {
	switch m := cam.(type) {
	case *sensor.Linescan:
		t := m.TimeOfPixel(pix)
		rot := sensor.QuatToMatrix(m.QuatAt(t))
		dir := geo.Vec3{
			X: (pix.Sample - m.Intr.CenterSample) / m.Intr.FocalPx,
			Y: 0,
			Z: 1,
		}
		return m.PositionAt(t), rot.MulVec(dir).Unit(), true
	case *sensor.Frame:
		rot := sensor.QuatToMatrix(m.Quat[:])
		dir := geo.Vec3{
			X: (pix.Sample - m.Intr.CenterSample) / m.Intr.FocalPx,
			Y: (pix.Line - m.Intr.CenterLine) / m.Intr.FocalPx,
			Z: 1,
		}
		return m.Position, rot.MulVec(dir).Unit(), true
	}
	return geo.Vec3{}, geo.Vec3{}, false
}

// withinPoseRange reports whether a linescan pixel's exposure time falls
// inside both tabulated pose series. Anchor points outside these ranges
// would pull on extrapolated poses and are rejected.
func withinPoseRange(m *sensor.Linescan, pix sensor.Pixel) bool {
	t := m.TimeOfPixel(pix)
	posEnd := m.T0Ephem + float64(m.NumPositions()-1)*m.DtEphem
	quatEnd := m.T0Quat + float64(m.NumQuats()-1)*m.DtQuat
	return t >= m.T0Ephem && t <= posEnd && t >= m.T0Quat && t <= quatEnd
}

// GenerateAnchorPoints creates anchor observations uniformly distributed
// over every image and appends them to the structure: the pixel is
// intersected with the anchor DEM and the resulting ground point is held
// fixed during the solve, regularizing the cameras toward their original
// poses. Anchors may extend extraLines beyond the image, per the
// configuration. With an anchor weight image, each weight is additionally
// multiplied by the raster value at the ground point; invalid lookups
// skip the anchor.
func GenerateAnchorPoints(cfg *config.SolveConfig, cams []sensor.Model,
	anchorDEM *geo.DEM, anchorWeightImage *geo.DEM, st *Structure) error {

	perImage := cfg.GetNumAnchorPointsPerImage()
	perTile := cfg.GetNumAnchorPointsPerTile()
	if perImage <= 0 && perTile <= 0 {
		return nil
	}

	extra := float64(cfg.GetNumAnchorPointsExtraLines())
	outsideWarned := false

	for icam, cam := range cams {
		var intr sensor.Intrinsics
		switch m := cam.(type) {
		case *sensor.Linescan:
			intr = m.Intr
		case *sensor.Frame:
			intr = m.Intr
		}

		// How much image area each anchor point accounts for. Convert to
		// float early to avoid overflow on very long strips.
		width := float64(intr.Samples)
		height := float64(intr.Lines) + 2*extra
		var areaPerPoint float64
		if perImage > 0 {
			areaPerPoint = width * height / float64(perImage)
		} else {
			areaPerPoint = 1024.0 * 1024.0 / float64(perTile)
		}
		step := math.Sqrt(areaPerPoint)

		numAnchors := 0
		for line := -extra + step/2; line < float64(intr.Lines)+extra; line += step {
			for samp := step / 2; samp < width; samp += step {
				pix := sensor.Pixel{Sample: samp, Line: line}

				if ls, ok := cam.(*sensor.Linescan); ok && !withinPoseRange(ls, pix) {
					if !outsideWarned {
						log.Printf("not placing anchor points outside the tabulated " +
							"range of positions and orientations")
						outsideWarned = true
					}
					continue
				}

				origin, dir, ok := pixelRay(cam, pix)
				if !ok {
					continue
				}
				xyz, err := anchorDEM.IntersectRay(origin, dir, 0)
				if err != nil {
					continue
				}

				weight := cfg.GetAnchorWeight()
				if anchorWeightImage != nil {
					w, err := anchorWeightImage.NearestValue(xyz)
					if err != nil || math.IsNaN(w) || w <= 0 {
						continue
					}
					weight *= w
				}

				st.appendAnchor(icam, pix, weight, xyz)
				numAnchors++
			}
		}
		log.Printf("num anchor points for camera %d: %d", icam, numAnchors)
	}
	return nil
}
