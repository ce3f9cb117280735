package jitter

import (
	"github.com/relief-data/jitter.solve/internal/sensor"
)

// frameParamSize is the per-camera stride of the frame-parameter side
// array: position then quaternion.
const frameParamSize = sensor.XYZParams + sensor.QuatParams

// initFrameParams shadows every frame camera's pose into a flat side
// array the optimizer can address; the frame model hides its own
// parameter vector. Space is allocated for all cameras to keep the
// indexing uniform, even though linescan entries go unused.
func initFrameParams(cams []sensor.Model) []float64 {
	params := make([]float64, frameParamSize*len(cams))
	for icam, cam := range cams {
		fr, ok := cam.(*sensor.Frame)
		if !ok {
			continue
		}
		base := icam * frameParamSize
		copy(params[base:base+sensor.XYZParams], fr.Position.Slice())
		copy(params[base+sensor.XYZParams:base+frameParamSize], fr.Quat[:])
	}
	return params
}

// framePositionCursor returns the position parameter block of camera icam.
func framePositionCursor(params []float64, icam int) []float64 {
	base := icam * frameParamSize
	return params[base : base+sensor.XYZParams]
}

// frameQuatCursor returns the quaternion parameter block of camera icam.
func frameQuatCursor(params []float64, icam int) []float64 {
	base := icam * frameParamSize
	return params[base+sensor.XYZParams : base+frameParamSize]
}

// writeBackFrameParams copies optimized frame parameters into the models.
func writeBackFrameParams(cams []sensor.Model, params []float64) {
	for icam, cam := range cams {
		fr, ok := cam.(*sensor.Frame)
		if !ok {
			continue
		}
		fr.SetPose(framePositionCursor(params, icam), frameQuatCursor(params, icam))
	}
}
