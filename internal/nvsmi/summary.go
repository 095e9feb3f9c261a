package nvsmi

// Summarize reduces a cycle's devices. Memory sums count absent values as
// zero; averages skip absent values and are nil when nothing is present.
func Summarize(gpus []DeviceMetric) Summary {
	var (
		memoryUsed  float64
		memoryTotal float64
	)
	utilization := make([]*float64, 0, len(gpus))
	temperature := make([]*float64, 0, len(gpus))
	powerDraw := make([]*float64, 0, len(gpus))

	for _, gpu := range gpus {
		if gpu.MemoryUsedMB != nil {
			memoryUsed += *gpu.MemoryUsedMB
		}
		if gpu.MemoryTotalMB != nil {
			memoryTotal += *gpu.MemoryTotalMB
		}
		utilization = append(utilization, gpu.UtilizationGPU)
		temperature = append(temperature, gpu.TemperatureC)
		powerDraw = append(powerDraw, gpu.PowerDrawW)
	}

	var memoryUtil *float64
	if memoryTotal > 0 {
		memoryUtil = float64Ptr(roundTo(memoryUsed/memoryTotal*100, 1))
	}

	return Summary{
		GPUCount:          len(gpus),
		MemoryUsedMB:      roundTo(memoryUsed, 1),
		MemoryTotalMB:     roundTo(memoryTotal, 1),
		MemoryUtilization: memoryUtil,
		UtilizationAvg:    average(utilization),
		TemperatureAvg:    average(temperature),
		PowerDrawAvg:      average(powerDraw),
	}
}

func average(values []*float64) *float64 {
	var (
		sum   float64
		count int
	)
	for _, value := range values {
		if value == nil {
			continue
		}
		sum += *value
		count++
	}
	if count == 0 {
		return nil
	}
	return float64Ptr(roundTo(sum/float64(count), 2))
}
