package api

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/wastesort/internal/capacity"
	"github.com/banshee-data/wastesort/internal/httputil"
)

var tierColors = map[capacity.Tier]string{
	capacity.Safe:       "#35b779",
	capacity.NearlyFull: "#f4a300",
	capacity.Full:       "#d62728",
}

// AttachAdminRoutes adds the capacity chart to the /debug/ index.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("capacity", "bin fill levels", s.capacityChart)
}

func (s *Server) capacityChart(w http.ResponseWriter, r *http.Request) {
	readings := s.capacity()

	x := make([]string, 0, len(readings))
	y := make([]opts.BarData, 0, len(readings))
	sampled := time.Time{}
	for _, rd := range readings {
		x = append(x, string(rd.Bin))
		y = append(y, opts.BarData{
			Name:      rd.Tier.String(),
			Value:     rd.FillPercent,
			ItemStyle: &opts.ItemStyle{Color: tierColors[rd.Tier]},
		})
		if rd.SampledAt.After(sampled) {
			sampled = rd.SampledAt
		}
	}
	subtitle := "no readings yet"
	if !sampled.IsZero() {
		subtitle = "sampled " + sampled.Format(time.RFC3339)
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Bin capacity", Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Bin fill level (%)", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 100, Name: "fill %"}),
	)
	bar.SetXAxis(x).
		AddSeries("fill", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
