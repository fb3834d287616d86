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

	"github.com/banshee-data/watchtower/internal/httputil"
	"github.com/banshee-data/watchtower/internal/identity"
	"github.com/banshee-data/watchtower/internal/pipeline"
)

// AttachDebugRoutes mounts the alert trend chart and a JSON status dump on
// the /debug/ mux.
func (s *Server) AttachDebugRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.Handle("alert-trend", "Hourly detection events over the last day", http.HandlerFunc(s.handleAlertTrend))
	debug.Handle("pipeline", "Pipeline status and identity gallery as JSON", http.HandlerFunc(s.showPipelineDebug))
}

// showPipelineDebug dumps the status together with the live identity
// gallery, descriptors included.
func (s *Server) showPipelineDebug(w http.ResponseWriter, r *http.Request) {
	ids := s.p.Identities()
	if ids == nil {
		ids = []identity.Identity{}
	}
	httputil.WriteJSONOK(w, struct {
		Status     pipeline.Status     `json:"status"`
		Identities []identity.Identity `json:"identities"`
	}{Status: s.p.Status(), Identities: ids})
}

// handleAlertTrend renders the 24 hourly buckets of the analytics summary as
// a bar chart.
func (s *Server) handleAlertTrend(w http.ResponseWriter, r *http.Request) {
	now := s.clock.Now()
	sum := s.p.Summary(now)

	x := make([]string, 0, len(sum.Trend))
	y := make([]opts.BarData, 0, len(sum.Trend))
	for _, tp := range sum.Trend {
		x = append(x, time.UnixMilli(tp.Time).UTC().Format("15:04"))
		y = append(y, opts.BarData{Value: tp.Alerts})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Watchtower alert trend", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Detection events per hour (UTC)",
			Subtitle: fmt.Sprintf("total=%d critical=%d high=%d medium=%d weapon alerts=%d", sum.Total, sum.Critical, sum.High, sum.Medium, sum.CriticalAlerts),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("events", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
