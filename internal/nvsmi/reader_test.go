package nvsmi

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRowsSkipsBlankLinesAndTrims(t *testing.T) {
	t.Parallel()

	text := "\n0, Tesla T4 , 45\n\n1,  A100-SXM4-40GB,  51  \n"
	rows := ParseRows(text)

	require.Len(t, rows, 2)
	assert.Equal(t, []string{"0", "Tesla T4", "45"}, rows[0])
	assert.Equal(t, []string{"1", "A100-SXM4-40GB", "51"}, rows[1])
}

func TestParseRowsEmptyInput(t *testing.T) {
	t.Parallel()

	assert.Empty(t, ParseRows(""))
	assert.Empty(t, ParseRows("\n\n"))
}

func TestParseRowsQuotedCells(t *testing.T) {
	t.Parallel()

	rows := ParseRows(`0, "GPU, rev ""b""", 40` + "\n")
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"0", `GPU, rev "b"`, "40"}, rows[0])
}

func TestParseRowsVariableWidth(t *testing.T) {
	t.Parallel()

	rows := ParseRows("0, a\n1, b, c, d\n")
	require.Len(t, rows, 2)
	assert.Len(t, rows[0], 2)
	assert.Len(t, rows[1], 4)
}

func TestNormalizeTeslaT4Row(t *testing.T) {
	t.Parallel()

	rows := ParseRows("0, Tesla T4, 45, 12, 16384, 2048, 30.5, 70.0, N/A\n")
	require.Len(t, rows, 1)

	metric := Normalize(QueryFields, rows[0])

	require.NotNil(t, metric.Index)
	assert.Equal(t, 0, *metric.Index)
	assert.Equal(t, "Tesla T4", metric.Name)
	assertFloat(t, metric.TemperatureC, 45)
	assertFloat(t, metric.UtilizationGPU, 12)
	assertFloat(t, metric.MemoryTotalMB, 16384)
	assertFloat(t, metric.MemoryUsedMB, 2048)
	assertFloat(t, metric.MemoryUtilization, 12.5)
	assertFloat(t, metric.PowerDrawW, 30.5)
	assertFloat(t, metric.PowerLimitW, 70)
	assert.Nil(t, metric.FanSpeedPct)
}

func TestNormalizeSentinelsAreAbsent(t *testing.T) {
	t.Parallel()

	for _, sentinel := range []string{"N/A", "Not Supported"} {
		row := []string{sentinel, "GPU", sentinel, sentinel, sentinel, sentinel, sentinel, sentinel, sentinel}
		metric := Normalize(QueryFields, row)

		assert.Nil(t, metric.Index, sentinel)
		assert.Nil(t, metric.TemperatureC, sentinel)
		assert.Nil(t, metric.UtilizationGPU, sentinel)
		assert.Nil(t, metric.MemoryTotalMB, sentinel)
		assert.Nil(t, metric.MemoryUsedMB, sentinel)
		assert.Nil(t, metric.MemoryUtilization, sentinel)
		assert.Nil(t, metric.PowerDrawW, sentinel)
		assert.Nil(t, metric.PowerLimitW, sentinel)
		assert.Nil(t, metric.FanSpeedPct, sentinel)
	}
}

func TestNormalizeSentinelsAreCaseSensitive(t *testing.T) {
	t.Parallel()

	// "n/a" is not a sentinel but still fails float parsing.
	metric := Normalize([]string{FieldTemperature}, []string{"n/a"})
	assert.Nil(t, metric.TemperatureC)
}

func TestNormalizeMemoryUtilizationGuard(t *testing.T) {
	t.Parallel()

	cases := map[string][]string{
		"zero total":     {"0", "GPU", "", "", "0", "100"},
		"negative total": {"0", "GPU", "", "", "-5", "100"},
		"missing total":  {"0", "GPU", "", "", "N/A", "100"},
		"missing used":   {"0", "GPU", "", "", "1000", "N/A"},
	}
	for name, row := range cases {
		metric := Normalize(QueryFields, row)
		assert.Nil(t, metric.MemoryUtilization, name)
	}
}

func TestNormalizeToleratesShortAndLongRows(t *testing.T) {
	t.Parallel()

	short := Normalize(QueryFields, []string{"3"})
	require.NotNil(t, short.Index)
	assert.Equal(t, 3, *short.Index)
	assert.Equal(t, "Unknown", short.Name)
	assert.Nil(t, short.FanSpeedPct)

	long := Normalize(QueryFields, []string{"1", "GPU", "1", "2", "3", "4", "5", "6", "7", "extra", "cells"})
	assertFloat(t, long.FanSpeedPct, 7)
}

func TestNormalizeIndexRoundsFractionalNoise(t *testing.T) {
	t.Parallel()

	cases := map[string]int{
		"1.0000001": 1,
		"1.9":       2,
		"2.5":       2,
		"3.5":       4,
		"-0.4":      0,
	}
	for raw, want := range cases {
		metric := Normalize([]string{FieldIndex}, []string{raw})
		require.NotNil(t, metric.Index, raw)
		assert.Equal(t, want, *metric.Index, raw)
	}

	garbage := Normalize([]string{FieldIndex}, []string{"gpu0"})
	assert.Nil(t, garbage.Index)
}

func TestNormalizeIndexBeyondInt32(t *testing.T) {
	t.Parallel()

	wide := Normalize([]string{FieldIndex}, []string{"4294967296"})
	require.NotNil(t, wide.Index)
	assert.Equal(t, 4294967296, *wide.Index)

	overflow := Normalize([]string{FieldIndex}, []string{"1e19"})
	assert.Nil(t, overflow.Index)
}

func TestNormalizeRejectsNonFinite(t *testing.T) {
	t.Parallel()

	metric := Normalize([]string{FieldPowerDraw, FieldPowerLimit}, []string{"NaN", "Inf"})
	assert.Nil(t, metric.PowerDrawW)
	assert.Nil(t, metric.PowerLimitW)
}

func TestNormalizeAllIsDeterministic(t *testing.T) {
	t.Parallel()

	text := "0, Tesla T4, 45, 12, 16384, 2048, 30.5, 70.0, N/A\n1, Tesla T4, 50, 99, 16384, 333, 61.27, 70.0, 40\n"

	first, err := json.Marshal(NormalizeAll(ParseRows(text)))
	require.NoError(t, err)
	second, err := json.Marshal(NormalizeAll(ParseRows(text)))
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
}

func TestParseDriverVersion(t *testing.T) {
	t.Parallel()

	version := ParseDriverVersion("535.104.05\n535.104.05\n")
	require.NotNil(t, version)
	assert.Equal(t, "535.104.05", *version)

	assert.Nil(t, ParseDriverVersion(""))
}

func TestCommandsAreStable(t *testing.T) {
	t.Parallel()

	assert.Equal(t,
		"LC_ALL=C nvidia-smi --query-gpu=index,name,temperature.gpu,utilization.gpu,memory.total,memory.used,power.draw,power.limit,fan.speed --format=csv,noheader,nounits",
		TelemetryCommand(),
	)
	assert.Equal(t,
		"LC_ALL=C nvidia-smi --query-gpu=driver_version --format=csv,noheader",
		DriverVersionCommand(),
	)
}

func TestSnapshotJSONShape(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	snapshot := NewSnapshot(ts, nil, nil)

	data, err := json.Marshal(snapshot)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "2026-03-01T11:00:00Z", decoded["timestamp"])
	assert.Equal(t, []any{}, decoded["gpus"])
	assert.Nil(t, decoded["driver_version"])
}

func assertFloat(t *testing.T, value *float64, expected float64) {
	t.Helper()
	require.NotNil(t, value, "expected %.2f, got nil", expected)
	assert.InDelta(t, expected, *value, 0.0001)
}
