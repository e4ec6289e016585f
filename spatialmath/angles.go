package spatialmath

import "math"

// WrapAngle maps an angle in radians onto (-pi, pi].
func WrapAngle(theta float64) float64 {
	wrapped := math.Atan2(math.Sin(theta), math.Cos(theta))
	if wrapped <= -math.Pi {
		return math.Pi
	}
	return wrapped
}

// AngleDiff returns the wrapped difference a - b, so angles either side of the ±pi seam compare as close.
func AngleDiff(a, b float64) float64 {
	return WrapAngle(a - b)
}

// DegToRad converts degrees to radians.
func DegToRad(degrees float64) float64 {
	return degrees * math.Pi / 180
}

// RadToDeg converts radians to degrees.
func RadToDeg(radians float64) float64 {
	return radians * 180 / math.Pi
}
