package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/ultrasonic.position/internal/db"
	"github.com/banshee-data/ultrasonic.position/internal/httputil"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

const defaultTrackPoints = 500

// showTrack renders the logged positions over the transmitter rectangle.
// Query params:
//   - limit (optional; default 500) number of most recent estimates
func (s *Server) showTrack(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		httputil.ServiceUnavailable(w, "position log is not enabled")
		return
	}
	limit, err := httputil.QueryInt(r, "limit", defaultTrackPoints, 1, maxPositionsLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	records, err := s.store.RecentPositions(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve positions: %v", err))
		return
	}

	var buf bytes.Buffer
	if err := s.trackChart(records).Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) trackChart(records []db.PositionRecord) *charts.Scatter {
	g := s.cfg.Geometry
	padX, padY := g.HalfWidth()+1, g.HalfHeight()+1

	// records arrive newest first; draw them oldest first
	track := make([]opts.ScatterData, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		p := records[i]
		track = append(track, opts.ScatterData{Value: []interface{}{p.X, p.Y, p.Error}})
	}

	corners := make([]opts.ScatterData, 0, 4)
	for i, tx := range g.Transmitters() {
		corners = append(corners, opts.ScatterData{Name: fmt.Sprintf("T%d", i), Value: []interface{}{tx.X, tx.Y, 0}})
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Locator Track", Theme: "dark", Width: "700px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Receiver Track", Subtitle: fmt.Sprintf("%gx%g ft points=%d", g.Width, g.Height, len(track))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -padX, Max: padX, Name: "X (ft)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -padY, Max: padY, Name: "Y (ft)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Dimension:  "2",
			Min:        0,
			Max:        float32(s.cfg.Params.MaxError),
			InRange:    &opts.VisualMapInRange{Color: []string{"#35b779", "#fde725", "#d62728"}},
		}),
	)
	scatter.AddSeries("track", track, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	scatter.AddSeries("transmitters", corners, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 12}))
	return scatter
}
