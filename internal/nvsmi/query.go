// Package nvsmi turns nvidia-smi CSV query output into structured GPU metrics.
package nvsmi

import "strings"

// Query field names understood by nvidia-smi --query-gpu.
const (
	FieldIndex          = "index"
	FieldName           = "name"
	FieldTemperature    = "temperature.gpu"
	FieldUtilization    = "utilization.gpu"
	FieldMemoryTotal    = "memory.total"
	FieldMemoryUsed     = "memory.used"
	FieldPowerDraw      = "power.draw"
	FieldPowerLimit     = "power.limit"
	FieldFanSpeed       = "fan.speed"
	FieldDriverVersion  = "driver_version"
	localePrefix        = "LC_ALL=C "
	nvidiaSMIBinary     = "nvidia-smi"
	formatCSVNoHeader   = "--format=csv,noheader"
	formatCSVNoUnits    = "--format=csv,noheader,nounits"
	queryGPUFlagPrefix  = "--query-gpu="
	unknownDeviceName   = "Unknown"
	sentinelUnavailable = "N/A"
	sentinelUnsupported = "Not Supported"
)

// QueryFields is the telemetry schema in the exact order requested from the remote tool.
var QueryFields = []string{
	FieldIndex,
	FieldName,
	FieldTemperature,
	FieldUtilization,
	FieldMemoryTotal,
	FieldMemoryUsed,
	FieldPowerDraw,
	FieldPowerLimit,
	FieldFanSpeed,
}

// TelemetryCommand returns the remote command that queries per-GPU telemetry.
func TelemetryCommand() string {
	return localePrefix + nvidiaSMIBinary + " " + queryGPUFlagPrefix + strings.Join(QueryFields, ",") + " " + formatCSVNoUnits
}

// DriverVersionCommand returns the remote command that queries the driver version.
func DriverVersionCommand() string {
	return localePrefix + nvidiaSMIBinary + " " + queryGPUFlagPrefix + FieldDriverVersion + " " + formatCSVNoHeader
}

// ParseDriverVersion extracts the first cell of the first row. Empty output yields nil.
func ParseDriverVersion(output string) *string {
	rows := ParseRows(output)
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil
	}
	version := rows[0][0]
	return &version
}
