package httpserver

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skobkin/gpumon-web/internal/nvsmi"
)

type gpuMetricsCollector struct {
	source  StatusSource
	metrics []gpuMetric

	up          *prometheus.Desc
	gpuCount    *prometheus.Desc
	timestamp   *prometheus.Desc
	age         *prometheus.Desc
	driverInfo  *prometheus.Desc
	lastSuccess *prometheus.Desc
}

type gpuMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	extract   func(device nvsmi.DeviceMetric) (float64, bool)
}

func newGPUMetricsCollector(source StatusSource) prometheus.Collector {
	if source == nil {
		return nil
	}

	collector := &gpuMetricsCollector{
		source: source,
		up: prometheus.NewDesc(
			prometheus.BuildFQName("gpumon", "", "up"),
			"Whether the latest poll cycle succeeded.",
			nil, nil,
		),
		gpuCount: prometheus.NewDesc(
			prometheus.BuildFQName("gpumon", "", "gpu_count"),
			"Number of GPUs reported by the latest snapshot.",
			nil, nil,
		),
		timestamp: prometheus.NewDesc(
			prometheus.BuildFQName("gpumon", "snapshot", "timestamp_seconds"),
			"Unix timestamp of the latest GPU snapshot.",
			nil, nil,
		),
		age: prometheus.NewDesc(
			prometheus.BuildFQName("gpumon", "snapshot", "age_seconds"),
			"Seconds elapsed since the latest GPU snapshot was collected.",
			nil, nil,
		),
		driverInfo: prometheus.NewDesc(
			prometheus.BuildFQName("gpumon", "", "driver_info"),
			"NVIDIA driver version reported by the remote host.",
			[]string{"version"}, nil,
		),
		lastSuccess: prometheus.NewDesc(
			prometheus.BuildFQName("gpumon", "", "last_success_timestamp_seconds"),
			"Unix timestamp of the last successful poll cycle.",
			nil, nil,
		),
	}

	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName("gpumon", "gpu", name),
			help,
			[]string{"index", "name", "position"},
			nil,
		)
	}
	gauge := func(name, help string, field func(device nvsmi.DeviceMetric) *float64) gpuMetric {
		return gpuMetric{
			desc:      desc(name, help),
			valueType: prometheus.GaugeValue,
			extract: func(device nvsmi.DeviceMetric) (float64, bool) {
				value := field(device)
				if value == nil {
					return 0, false
				}
				return *value, true
			},
		}
	}

	collector.metrics = []gpuMetric{
		gauge("temperature_celsius", "Current GPU temperature in Celsius.",
			func(d nvsmi.DeviceMetric) *float64 { return d.TemperatureC }),
		gauge("utilization_percent", "Current GPU utilization percentage.",
			func(d nvsmi.DeviceMetric) *float64 { return d.UtilizationGPU }),
		gauge("memory_used_mib", "Current framebuffer memory usage in MiB.",
			func(d nvsmi.DeviceMetric) *float64 { return d.MemoryUsedMB }),
		gauge("memory_total_mib", "Total framebuffer memory in MiB.",
			func(d nvsmi.DeviceMetric) *float64 { return d.MemoryTotalMB }),
		gauge("memory_utilization_percent", "Framebuffer memory usage as a percentage of total.",
			func(d nvsmi.DeviceMetric) *float64 { return d.MemoryUtilization }),
		gauge("power_draw_watts", "Current board power draw in Watts.",
			func(d nvsmi.DeviceMetric) *float64 { return d.PowerDrawW }),
		gauge("power_limit_watts", "Configured board power limit in Watts.",
			func(d nvsmi.DeviceMetric) *float64 { return d.PowerLimitW }),
		gauge("fan_speed_percent", "Current fan speed percentage.",
			func(d nvsmi.DeviceMetric) *float64 { return d.FanSpeedPct }),
	}

	return collector
}

func (c *gpuMetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	ch <- c.gpuCount
	ch <- c.timestamp
	ch <- c.age
	ch <- c.driverInfo
	ch <- c.lastSuccess
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
}

func (c *gpuMetricsCollector) Collect(ch chan<- prometheus.Metric) {
	current := c.source.Status()

	up := 0.0
	if current.OK {
		up = 1
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, up)

	if current.LastSuccessAt != nil {
		ch <- prometheus.MustNewConstMetric(c.lastSuccess, prometheus.GaugeValue, float64(current.LastSuccessAt.Unix()))
	}

	snapshot := current.Data
	if snapshot == nil {
		return
	}

	ch <- prometheus.MustNewConstMetric(c.gpuCount, prometheus.GaugeValue, float64(snapshot.Summary.GPUCount))
	if !snapshot.Timestamp.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.timestamp, prometheus.GaugeValue, float64(snapshot.Timestamp.Unix()))
		age := time.Since(snapshot.Timestamp).Seconds()
		if age < 0 {
			age = 0
		}
		ch <- prometheus.MustNewConstMetric(c.age, prometheus.GaugeValue, age)
	}
	if snapshot.DriverVersion != nil {
		ch <- prometheus.MustNewConstMetric(c.driverInfo, prometheus.GaugeValue, 1, *snapshot.DriverVersion)
	}

	// position keeps label sets unique when the reported index is absent or repeated.
	for pos, device := range snapshot.GPUs {
		index := ""
		if device.Index != nil {
			index = strconv.Itoa(*device.Index)
		}
		position := strconv.Itoa(pos)
		for _, metric := range c.metrics {
			value, ok := metric.extract(device)
			if !ok {
				continue
			}
			ch <- prometheus.MustNewConstMetric(metric.desc, metric.valueType, value, index, device.Name, position)
		}
	}
}
