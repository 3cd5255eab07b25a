package l4perception

import "time"

// WorldPoint represents a point in Cartesian world coordinates (site frame).
type WorldPoint struct {
	X, Y, Z   float64   // World frame position (meters)
	Intensity uint8     // Laser return intensity
	Timestamp time.Time // Acquisition time
	SensorID  string    // Source sensor
}

// PointFeatures is the row width produced by PackFeatures: x, y, z, intensity.
const PointFeatures = 4

// PackFeatures appends one x, y, z, intensity row per point to dst and
// returns the extended slice.
func PackFeatures(dst []float32, points []WorldPoint) []float32 {
	for _, p := range points {
		dst = append(dst, float32(p.X), float32(p.Y), float32(p.Z), float32(p.Intensity))
	}
	return dst
}
