package http

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"pothole-service/internal/model"
	"pothole-service/internal/service"
)

// dailyChart renders the per-day detection histogram as an HTML bar chart.
func (h *Handler) dailyChart(c *gin.Context) {
	source := service.StatsSource(c.DefaultQuery("source", string(service.StatsSourceStore)))
	stats := h.detectionService.Statistics(c.Request.Context(), source)

	data := make([]opts.BarData, 0, len(stats.DailyCounts))
	for _, n := range stats.DailyCounts {
		data = append(data, opts.BarData{Value: n})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Pothole detections", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Detections per day",
			Subtitle: fmt.Sprintf("images=%d detections=%d rate=%.1f%%", stats.TotalImages, stats.TotalDetections, stats.DetectionRate),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Date"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Potholes"}),
	)
	bar.SetXAxis(stats.Dates).
		AddSeries("detections", data,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	h.renderChart(c, bar)
}

// repairChart renders ticket counts per status.
func (h *Handler) repairChart(c *gin.Context) {
	summary, err := h.repairService.Summary(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}

	x := make([]string, 0, len(model.RepairStatuses))
	data := make([]opts.BarData, 0, len(model.RepairStatuses))
	for _, s := range model.RepairStatuses {
		x = append(x, string(s))
		data = append(data, opts.BarData{Value: summary.ByStatus[s]})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Repair requests", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Repair requests by status",
			Subtitle: fmt.Sprintf("total=%d completion=%.1f%% at %s", summary.Total, summary.CompletionRate, time.Now().Format(time.RFC3339)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("requests", data,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	h.renderChart(c, bar)
}

func (h *Handler) renderChart(c *gin.Context, chart components.Charter) {
	page := components.NewPage()
	page.AddCharts(chart)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		h.log.Error().Err(err).Msg("chart render failed")
		c.JSON(http.StatusInternalServerError, errorResponse("render error"))
		return
	}

	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}
