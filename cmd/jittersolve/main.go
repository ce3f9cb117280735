// Command jittersolve refines camera trajectories so that projections of
// triangulated ground points match the observed image features, absorbing
// the high-frequency attitude jitter left over after bundle adjustment.
// It reads a prepared scene file, runs the solver core, and writes the
// residual and offset reports next to the given output prefix.
package main

import (
	"flag"
	"log"

	"github.com/relief-data/jitter.solve/internal/config"
	"github.com/relief-data/jitter.solve/internal/jitter"
	"github.com/relief-data/jitter.solve/internal/report"
)

var (
	scenePath  = flag.String("scene", "", "Path to the scene JSON file (required)")
	configPath = flag.String("config", "", "Path to the solve config JSON (optional)")
	outPrefix  = flag.String("out", "jitter", "Output prefix for reports")
	storePath  = flag.String("store", "", "Optional sqlite run-store path")
	writeChart = flag.Bool("chart", false, "Write an HTML residual chart")
	writePlots = flag.Bool("plots", false, "Write PNG residual histograms")
)

func main() {
	flag.Parse()
	if *scenePath == "" {
		log.Fatalf("the -scene flag is required")
	}

	cfg := config.EmptySolveConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadSolveConfig(*configPath)
		if err != nil {
			log.Fatalf("%v", err)
		}
	}

	in, err := loadScene(*scenePath)
	if err != nil {
		log.Fatalf("%v", err)
	}

	// Pre-optimization outlier filtering; the solver only consults the
	// set, it never shrinks it.
	outliers := jitter.NewOutlierSet()
	jitter.FlagInitialOutliers(in.Cameras, in.Network,
		cfg.GetMaxInitialReprojErrorPx(), outliers)
	log.Printf("removed %d outliers based on initial reprojection error", outliers.Len())
	in.Outliers = outliers

	res, err := jitter.Run(cfg, in)
	if err != nil {
		log.Fatalf("%v", err)
	}
	log.Printf("solver finished: %s after %d iterations, cost %.6e -> %.6e",
		res.Summary.Termination, res.Summary.Iterations,
		res.Summary.InitialCost, res.Summary.FinalCost)

	if err := writeReports(res); err != nil {
		log.Fatalf("%v", err)
	}
}

func writeReports(res *jitter.Result) error {
	if err := report.WriteResidualFile(*outPrefix+"-initial_residuals.csv",
		res.InitialResiduals, res.WeightPerResidual); err != nil {
		return err
	}
	if err := report.WriteResidualFile(*outPrefix+"-final_residuals.csv",
		res.FinalResiduals, res.WeightPerResidual); err != nil {
		return err
	}
	if err := report.WriteCameraOffsets(*outPrefix+"-camera_offsets.txt",
		res.InitialCenters, res.FinalCenters); err != nil {
		return err
	}
	if err := report.WriteTriOffsets(*outPrefix+"-triangulation_offsets.txt",
		res.Structure, res.Outliers); err != nil {
		return err
	}

	initial := report.SplitReprojResiduals(res.Structure,
		res.InitialResiduals, res.WeightPerResidual)
	final := report.SplitReprojResiduals(res.Structure,
		res.FinalResiduals, res.WeightPerResidual)

	if *writeChart {
		if err := report.WriteResidualChart(*outPrefix+"-residuals.html",
			initial, final); err != nil {
			return err
		}
	}
	if *writePlots {
		var all []float64
		for _, norms := range final.Norms {
			all = append(all, norms...)
		}
		if len(all) > 0 {
			if err := report.PlotResidualHistogram(*outPrefix+"-final_residuals.png",
				"Final reprojection residuals", all); err != nil {
				return err
			}
		}
	}

	if *storePath != "" {
		store, err := report.OpenStore(*storePath)
		if err != nil {
			return err
		}
		defer store.Close()

		stats := append(initial.Stats("initial"), final.Stats("final")...)
		runID, err := store.InsertRun(report.RunRecord{
			NumCameras:         len(res.InitialCenters),
			NumResiduals:       res.Summary.NumResiduals,
			InitialCost:        res.Summary.InitialCost,
			FinalCost:          res.Summary.FinalCost,
			Termination:        res.Summary.Termination.String(),
			Iterations:         res.Summary.Iterations,
			ProjectionFailures: jitter.ProjectionFailureCount(),
		}, stats)
		if err != nil {
			return err
		}
		log.Printf("recorded solve run %s", runID)
	}
	return nil
}
