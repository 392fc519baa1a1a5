package utils

// Ratio returns num/den, or 0 when den is zero.
func Ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// RatioInt is Ratio over integer counts.
func RatioInt(num, den int64) float64 {
	return Ratio(float64(num), float64(den))
}
