package extraction

import (
	"math"
	"time"
)

// ConversionProgress maps time spent waiting on the conversion service to a
// progress value. It rises quickly at first and flattens out, never exceeding
// ProgressConversionCap, and is non-decreasing in elapsed.
func ConversionProgress(elapsed, ceiling time.Duration) int {
	if elapsed <= 0 || ceiling <= 0 {
		return ProgressStarted
	}
	frac := math.Min(float64(elapsed)/float64(ceiling), 1)
	span := float64(ProgressConversionCap - ProgressStarted)
	p := ProgressStarted + int(span*(1-math.Exp(-4*frac)))
	return min(p, ProgressConversionCap)
}

// BatchProgress spreads image analysis linearly over 80..95.
func BatchProgress(processed, total int) int {
	if total <= 0 {
		return ProgressAnalysisCap
	}
	processed = min(max(processed, 0), total)
	return ProgressConverted + (ProgressAnalysisCap-ProgressConverted)*processed/total
}
