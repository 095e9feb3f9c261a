package nvsmi

import "time"

// Snapshot represents one collection cycle for the remote host.
type Snapshot struct {
	Timestamp     time.Time      `json:"timestamp" yaml:"timestamp"`
	GPUs          []DeviceMetric `json:"gpus" yaml:"gpus"`
	Summary       Summary        `json:"summary" yaml:"summary"`
	DriverVersion *string        `json:"driver_version" yaml:"driver_version"`
}

// DeviceMetric contains telemetry for a single GPU. Pointer fields serialize as null when unavailable.
type DeviceMetric struct {
	Index             *int     `json:"index" yaml:"index"`
	Name              string   `json:"name" yaml:"name"`
	TemperatureC      *float64 `json:"temperature_c" yaml:"temperature_c"`
	UtilizationGPU    *float64 `json:"utilization_gpu" yaml:"utilization_gpu"`
	MemoryTotalMB     *float64 `json:"memory_total_mb" yaml:"memory_total_mb"`
	MemoryUsedMB      *float64 `json:"memory_used_mb" yaml:"memory_used_mb"`
	MemoryUtilization *float64 `json:"memory_utilization" yaml:"memory_utilization"`
	PowerDrawW        *float64 `json:"power_draw_w" yaml:"power_draw_w"`
	PowerLimitW       *float64 `json:"power_limit_w" yaml:"power_limit_w"`
	FanSpeedPct       *float64 `json:"fan_speed_pct" yaml:"fan_speed_pct"`
}

// Summary aggregates a cycle's devices.
type Summary struct {
	GPUCount          int      `json:"gpu_count" yaml:"gpu_count"`
	MemoryUsedMB      float64  `json:"memory_used_mb" yaml:"memory_used_mb"`
	MemoryTotalMB     float64  `json:"memory_total_mb" yaml:"memory_total_mb"`
	MemoryUtilization *float64 `json:"memory_utilization" yaml:"memory_utilization"`
	UtilizationAvg    *float64 `json:"utilization_avg" yaml:"utilization_avg"`
	TemperatureAvg    *float64 `json:"temperature_avg" yaml:"temperature_avg"`
	PowerDrawAvg      *float64 `json:"power_draw_avg" yaml:"power_draw_avg"`
}

// NewSnapshot assembles a snapshot from normalized devices. The timestamp is stored in UTC.
func NewSnapshot(ts time.Time, gpus []DeviceMetric, driverVersion *string) Snapshot {
	if gpus == nil {
		gpus = []DeviceMetric{}
	}
	return Snapshot{
		Timestamp:     ts.UTC(),
		GPUs:          gpus,
		Summary:       Summarize(gpus),
		DriverVersion: driverVersion,
	}
}
