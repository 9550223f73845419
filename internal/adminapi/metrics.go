package adminapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"

	"github.com/talkincode/devicelink/internal/webserver"
	"github.com/talkincode/devicelink/pkg/metrics"
)

type metricPoint struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

func registerMetricRoutes() {
	webserver.ApiGET("/metrics/:name", getMetricSeries)
}

// getMetricSeries returns the points of one metric, window defaults to 1h.
func getMetricSeries(c echo.Context) error {
	window := time.Hour
	if w := c.QueryParam("window"); w != "" {
		d, err := cast.ToDurationE(w)
		if err != nil || d <= 0 {
			return fail(c, http.StatusBadRequest, "INVALID_WINDOW", "window must be a positive duration", nil)
		}
		window = d
	}
	name := c.Param("name")
	points, err := metrics.Series(name, window)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "METRICS_ERROR", "Failed to query metric", err.Error())
	}
	out := make([]metricPoint, 0, len(points))
	for _, p := range points {
		out = append(out, metricPoint{Timestamp: p.Timestamp, Value: p.Value})
	}
	return ok(c, map[string]interface{}{
		"name":    name,
		"counter": metrics.Counter(name),
		"points":  out,
	})
}
