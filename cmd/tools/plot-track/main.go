// Command plot-track renders one logged run to a PNG: the receiver track
// inside the transmitter rectangle.
package main

import (
	"flag"
	"fmt"
	"image/color"
	"log"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/ultrasonic.position/internal/config"
	"github.com/banshee-data/ultrasonic.position/internal/db"
	"github.com/banshee-data/ultrasonic.position/internal/geometry"
)

var (
	dbPath     = flag.String("db", "locator.db", "Position log database")
	runID      = flag.String("run", "", "Run to plot (defaults to the latest)")
	out        = flag.String("out", "track.png", "Output PNG path")
	configPath = flag.String("config", "", "Tuning config the run used (defaults to the reference installation)")
)

func main() {
	flag.Parse()

	tuning := config.DefaultTuningConfig()
	if *configPath != "" {
		var err error
		if tuning, err = config.LoadTuningConfig(*configPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	store, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	id := *runID
	if id == "" {
		run, err := store.LatestRun()
		if err != nil {
			log.Fatalf("failed to find latest run: %v", err)
		}
		id = run.RunID
	}

	records, err := store.RunPositions(id)
	if err != nil {
		log.Fatalf("failed to load run %s: %v", id, err)
	}
	if err := renderTrack(records, tuning.Geometry(), id, *out); err != nil {
		log.Fatalf("failed to render track: %v", err)
	}
	log.Printf("wrote %d positions of run %s to %s", len(records), id, *out)
}

func renderTrack(records []db.PositionRecord, g geometry.Geometry, runID, path string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Run %s (%d positions)", runID, len(records))
	p.X.Label.Text = "X (ft)"
	p.Y.Label.Text = "Y (ft)"
	p.X.Min, p.X.Max = -g.HalfWidth()-1, g.HalfWidth()+1
	p.Y.Min, p.Y.Max = -g.HalfHeight()-1, g.HalfHeight()+1
	p.Add(plotter.NewGrid())

	tx := g.Transmitters()
	outline := make(plotter.XYs, 0, len(tx)+1)
	for _, v := range tx {
		outline = append(outline, plotter.XY{X: v.X, Y: v.Y})
	}
	outline = append(outline, outline[0])
	rect, corners, err := plotter.NewLinePoints(outline)
	if err != nil {
		return err
	}
	rect.Color = color.Gray{Y: 128}
	rect.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	corners.Shape = draw.BoxGlyph{}
	corners.Radius = vg.Points(4)
	p.Add(rect, corners)
	p.Legend.Add("transmitters", corners)

	if len(records) > 0 {
		pts := make(plotter.XYs, len(records))
		for i, r := range records {
			pts[i] = plotter.XY{X: r.X, Y: r.Y}
		}
		track, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		track.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
		track.Width = vg.Points(1)

		endpoints, err := plotter.NewScatter(plotter.XYs{pts[0], pts[len(pts)-1]})
		if err != nil {
			return err
		}
		endpoints.Shape = draw.CircleGlyph{}
		endpoints.Color = color.RGBA{R: 214, G: 39, B: 40, A: 255}
		p.Add(track, endpoints)
		p.Legend.Add("track", track)
		p.Legend.Add("first/last", endpoints)
	}

	p.Legend.Top = true
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	// keep feet square on the page
	w := 6 * vg.Inch
	h := vg.Length(float64(w) * g.Height / g.Width)
	return p.Save(w, h, path)
}
