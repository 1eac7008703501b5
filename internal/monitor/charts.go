package monitor

import (
	"bytes"
	"fmt"
	"image/color"
	"math"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/spinlidar/internal/httputil"
	"github.com/banshee-data/spinlidar/internal/rotation"
)

// rotationXYs projects samples from polar (distance, angle) to cartesian
// sensor counts. It also returns the largest absolute coordinate.
func rotationXYs(samples []rotation.Sample) (plotter.XYs, float64) {
	xys := make(plotter.XYs, len(samples))
	maxAbs := 0.0
	for i, s := range samples {
		theta := s.Angle * math.Pi / 180.0
		d := float64(s.Distance)
		xys[i].X = d * math.Cos(theta)
		xys[i].Y = d * math.Sin(theta)
		maxAbs = math.Max(maxAbs, math.Max(math.Abs(xys[i].X), math.Abs(xys[i].Y)))
	}
	return xys, maxAbs
}

// axisPad leaves a margin so points at the edges stay visible.
func axisPad(maxAbs float64) float64 {
	if maxAbs == 0 {
		return 1
	}
	return maxAbs * 1.05
}

// handleRotationChart renders the latest rotation as an interactive scatter.
func (ws *WebServer) handleRotationChart(w http.ResponseWriter, r *http.Request) {
	rot, ok := ws.latest(w)
	if !ok {
		return
	}

	xys, maxAbs := rotationXYs(rot.Samples)
	data := make([]opts.ScatterData, len(xys))
	for i, p := range xys {
		data[i] = opts.ScatterData{Value: []interface{}{p.X, p.Y, rot.Samples[i].Angle}}
	}
	pad := axisPad(maxAbs)

	// Square plot with symmetric axes so the room is not distorted.
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Rotation (Polar->XY)", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "Latest rotation", Subtitle: fmt.Sprintf("seq=%d rpm=%.2f points=%d", rot.Seq, rot.RPM, len(data))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (counts)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (counts)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        360,
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#3e4989", "#26828e", "#35b779", "#fde725"}},
		}),
	)
	scatter.AddSeries("rotation", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleRotationPlot renders the latest rotation as a static PNG.
func (ws *WebServer) handleRotationPlot(w http.ResponseWriter, r *http.Request) {
	rot, ok := ws.latest(w)
	if !ok {
		return
	}

	xys, maxAbs := rotationXYs(rot.Samples)
	pad := axisPad(maxAbs)

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Rotation %d at %.2f rpm", rot.Seq, rot.RPM)
	p.X.Label.Text = "X (counts)"
	p.Y.Label.Text = "Y (counts)"
	p.X.Min, p.X.Max = -pad, pad
	p.Y.Min, p.Y.Max = -pad, pad
	p.Add(plotter.NewGrid())

	points, err := plotter.NewScatter(xys)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to build plot: %v", err))
		return
	}
	points.GlyphStyle.Radius = vg.Points(1.5)
	points.GlyphStyle.Color = color.RGBA{R: 38, G: 130, B: 142, A: 255}
	p.Add(points)

	wt, err := p.WriterTo(8*vg.Inch, 8*vg.Inch, "png")
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render plot: %v", err))
		return
	}

	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
