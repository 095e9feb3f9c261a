package nvsmi

import (
	"encoding/csv"
	"errors"
	"io"
	"math"
	"strconv"
	"strings"
)

// ParseRows splits comma-separated query output into trimmed cells.
// Blank lines are skipped. Parsing stops at the first unreadable record and
// returns the rows collected so far.
func ParseRows(text string) [][]string {
	reader := csv.NewReader(strings.NewReader(text))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	rows := make([][]string, 0, 8)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			break
		}
		if len(record) == 0 {
			continue
		}
		row := make([]string, len(record))
		for i, cell := range record {
			row[i] = strings.TrimSpace(cell)
		}
		rows = append(rows, row)
	}
	return rows
}

// Normalize binds a parsed row to the field schema positionally. Unparsable
// or missing cells produce nil fields; it never fails.
func Normalize(fields []string, row []string) DeviceMetric {
	raw := make(map[string]string, len(fields))
	for i, field := range fields {
		if i >= len(row) {
			break
		}
		raw[field] = row[i]
	}

	memoryTotal := parseFloat(raw[FieldMemoryTotal])
	memoryUsed := parseFloat(raw[FieldMemoryUsed])

	name := raw[FieldName]
	if name == "" {
		name = unknownDeviceName
	}

	return DeviceMetric{
		Index:             parseInt(raw[FieldIndex]),
		Name:              name,
		TemperatureC:      parseFloat(raw[FieldTemperature]),
		UtilizationGPU:    parseFloat(raw[FieldUtilization]),
		MemoryTotalMB:     memoryTotal,
		MemoryUsedMB:      memoryUsed,
		MemoryUtilization: memoryUtilization(memoryUsed, memoryTotal),
		PowerDrawW:        parseFloat(raw[FieldPowerDraw]),
		PowerLimitW:       parseFloat(raw[FieldPowerLimit]),
		FanSpeedPct:       parseFloat(raw[FieldFanSpeed]),
	}
}

// NormalizeAll normalizes every row with the telemetry schema, keeping source order.
func NormalizeAll(rows [][]string) []DeviceMetric {
	out := make([]DeviceMetric, 0, len(rows))
	for _, row := range rows {
		out = append(out, Normalize(QueryFields, row))
	}
	return out
}

func memoryUtilization(used, total *float64) *float64 {
	if total == nil || *total <= 0 || used == nil {
		return nil
	}
	return float64Ptr(roundTo(*used / *total * 100, 1))
}

func parseFloat(value string) *float64 {
	value = strings.TrimSpace(value)
	if value == "" || value == sentinelUnavailable || value == sentinelUnsupported {
		return nil
	}
	number, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil
	}
	// NaN and Inf cannot be encoded as JSON numbers.
	if math.IsNaN(number) || math.IsInf(number, 0) {
		return nil
	}
	return float64Ptr(number)
}

// parseInt goes through a float on purpose: the index column may carry
// fractional noise and must still bind to the nearest integer.
func parseInt(value string) *int {
	number := parseFloat(value)
	if number == nil {
		return nil
	}
	rounded := math.RoundToEven(*number)
	// float64(math.MaxInt) rounds up past the int range.
	if rounded >= math.MaxInt || rounded < math.MinInt {
		return nil
	}
	v := int(rounded)
	return &v
}

// roundTo rounds half-to-even on the exact binary value, as decimal formatting does.
func roundTo(value float64, places int) float64 {
	rounded, err := strconv.ParseFloat(strconv.FormatFloat(value, 'f', places, 64), 64)
	if err != nil {
		return value
	}
	return rounded
}

func float64Ptr(value float64) *float64 {
	v := value
	return &v
}
