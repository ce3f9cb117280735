package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/relief-data/jitter.solve/internal/geo"
	"github.com/relief-data/jitter.solve/internal/jitter"
	"github.com/relief-data/jitter.solve/internal/sensor"
)

// The scene file is the hand-off format from the upstream tooling (match
// finding, triangulation, camera loading): everything the core needs,
// already in memory-ready form.

type sceneFile struct {
	Datum struct {
		SemiMajorM float64 `json:"semi_major_m"`
		Flattening float64 `json:"flattening"`
	} `json:"datum"`

	Cameras []sceneCamera `json:"cameras"`

	// Triangulated points and the observations referencing them.
	Points       [][3]float64 `json:"points"`
	Observations []sceneObs   `json:"observations"`

	DEM               *sceneDEM `json:"dem,omitempty"`
	AnchorDEM         *sceneDEM `json:"anchor_dem,omitempty"`
	WeightImage       *sceneDEM `json:"weight_image,omitempty"`
	AnchorWeightImage *sceneDEM `json:"anchor_weight_image,omitempty"`

	Rig           *sceneRig `json:"rig,omitempty"`
	OrbitalGroups []int     `json:"orbital_groups,omitempty"`
}

type sceneCamera struct {
	Type string `json:"type"` // "linescan" or "frame"

	FocalPx      float64 `json:"focal_px"`
	CenterSample float64 `json:"center_sample"`
	CenterLine   float64 `json:"center_line"`
	Samples      int     `json:"samples"`
	Lines        int     `json:"lines"`

	// Linescan fields
	Positions   []float64 `json:"positions,omitempty"`
	T0Ephem     float64   `json:"t0_ephem,omitempty"`
	DtEphem     float64   `json:"dt_ephem,omitempty"`
	Quaternions []float64 `json:"quaternions,omitempty"`
	T0Quat      float64   `json:"t0_quat,omitempty"`
	DtQuat      float64   `json:"dt_quat,omitempty"`
	T0Line      float64   `json:"t0_line,omitempty"`
	DtLine      float64   `json:"dt_line,omitempty"`

	// Frame fields
	Position []float64 `json:"position,omitempty"`
	Quat     []float64 `json:"quat,omitempty"`
	Time     float64   `json:"time,omitempty"`

	SingleThreaded bool `json:"single_threaded,omitempty"`
}

type sceneObs struct {
	Camera int     `json:"camera"`
	Point  int     `json:"point"`
	Sample float64 `json:"sample"`
	Line   float64 `json:"line"`
}

type sceneDEM struct {
	OriginLon float64   `json:"origin_lon"`
	OriginLat float64   `json:"origin_lat"`
	DLon      float64   `json:"d_lon"`
	DLat      float64   `json:"d_lat"`
	Cols      int       `json:"cols"`
	Rows      int       `json:"rows"`
	NoData    float64   `json:"nodata"`
	Heights   []float64 `json:"heights"`
}

type sceneRig struct {
	NumSensors  int       `json:"num_sensors"`
	RefToSensor []float64 `json:"ref_to_sensor,omitempty"`
	Info        []struct {
		Sensor int `json:"sensor"`
		RefCam int `json:"ref_cam"`
	} `json:"info"`
}

// loadScene reads a scene file and converts it into the solver input.
func loadScene(path string) (*jitter.Input, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scene: %w", err)
	}
	var sf sceneFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parsing scene: %w", err)
	}

	ell := geo.WGS84()
	if sf.Datum.SemiMajorM > 0 {
		ell = geo.NewEllipsoid(sf.Datum.SemiMajorM, sf.Datum.Flattening)
	}

	in := &jitter.Input{Ell: ell, OrbitalGroups: sf.OrbitalGroups}

	for i, sc := range sf.Cameras {
		intr := sensor.Intrinsics{
			FocalPx:      sc.FocalPx,
			CenterSample: sc.CenterSample,
			CenterLine:   sc.CenterLine,
			Samples:      sc.Samples,
			Lines:        sc.Lines,
		}
		switch sc.Type {
		case "linescan":
			m := &sensor.Linescan{
				Intr:           intr,
				Positions:      sc.Positions,
				T0Ephem:        sc.T0Ephem,
				DtEphem:        sc.DtEphem,
				Quaternions:    sc.Quaternions,
				T0Quat:         sc.T0Quat,
				DtQuat:         sc.DtQuat,
				T0Line:         sc.T0Line,
				DtLine:         sc.DtLine,
				SingleThreaded: sc.SingleThreaded,
			}
			if m.DtEphem <= 0 || m.DtQuat <= 0 {
				return nil, fmt.Errorf("camera %d: nonpositive sample period", i)
			}
			in.Cameras = append(in.Cameras, m)
		case "frame":
			if len(sc.Position) != 3 || len(sc.Quat) != 4 {
				return nil, fmt.Errorf("camera %d: frame camera needs position[3] and quat[4]", i)
			}
			m := &sensor.Frame{
				Intr:           intr,
				Position:       geo.FromSlice(sc.Position),
				Time:           sc.Time,
				SingleThreaded: sc.SingleThreaded,
			}
			copy(m.Quat[:], sc.Quat)
			in.Cameras = append(in.Cameras, m)
		default:
			return nil, fmt.Errorf("camera %d: unknown type %q", i, sc.Type)
		}
	}

	net := &jitter.Network{Obs: make([][]jitter.Observation, len(in.Cameras))}
	for _, p := range sf.Points {
		net.Points = append(net.Points, geo.Vec3{X: p[0], Y: p[1], Z: p[2]})
	}
	for _, o := range sf.Observations {
		if o.Camera < 0 || o.Camera >= len(in.Cameras) {
			return nil, fmt.Errorf("observation references camera %d of %d", o.Camera, len(in.Cameras))
		}
		net.Obs[o.Camera] = append(net.Obs[o.Camera], jitter.Observation{
			Point: o.Point,
			Pixel: sensor.Pixel{Sample: o.Sample, Line: o.Line},
		})
	}
	in.Network = net

	in.DEM = sf.DEM.toDEM(ell)
	in.AnchorDEM = sf.AnchorDEM.toDEM(ell)
	in.WeightImage = sf.WeightImage.toDEM(ell)
	in.AnchorWeightImage = sf.AnchorWeightImage.toDEM(ell)

	if sf.Rig != nil {
		rig := jitter.NewRig(sf.Rig.NumSensors)
		if len(sf.Rig.RefToSensor) > 0 {
			if len(sf.Rig.RefToSensor) != len(rig.RefToSensor) {
				return nil, fmt.Errorf("rig transform array must hold %d values", len(rig.RefToSensor))
			}
			copy(rig.RefToSensor, sf.Rig.RefToSensor)
		}
		if len(sf.Rig.Info) != len(in.Cameras) {
			return nil, fmt.Errorf("rig info must have one entry per camera")
		}
		for _, inf := range sf.Rig.Info {
			in.RigInfo = append(in.RigInfo, jitter.RigCamInfo{
				SensorID: inf.Sensor, RefCam: inf.RefCam})
		}
		in.Rig = rig
	}

	return in, nil
}

func (d *sceneDEM) toDEM(ell geo.Ellipsoid) *geo.DEM {
	if d == nil {
		return nil
	}
	return &geo.DEM{
		Ell:       ell,
		OriginLon: d.OriginLon,
		OriginLat: d.OriginLat,
		DLon:      d.DLon,
		DLat:      d.DLat,
		Cols:      d.Cols,
		Rows:      d.Rows,
		NoData:    d.NoData,
		Heights:   d.Heights,
	}
}
