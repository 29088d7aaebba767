package controller

import (
	"math"
	"time"

	"github.com/sixdouglas/suncalc"
)

// clearSkyEstimateKW estimates what a plant should roughly produce under a
// clear sky from the sun's altitude and the plant's rated power. It is a
// plausibility signal, not a forecast: zero below the horizon, rated power
// at the zenith, sine-weighted in between.
func clearSkyEstimateKW(t time.Time, lat, lon, ratedKW float64) float64 {
	pos := suncalc.GetPosition(t, lat, lon)
	factor := math.Sin(pos.Altitude)
	if factor <= 0 {
		return 0
	}
	return ratedKW * factor
}

// productionImplausible reports whether a near-zero meter reading
// contradicts the clear-sky estimate badly enough to be worth a warning
// (panels down, snow cover, or a stuck meter). The halved estimate leaves
// headroom for ordinary clouds.
func productionImplausible(t time.Time, lat, lon, ratedKW, measuredKW float64) bool {
	expected := clearSkyEstimateKW(t, lat, lon, ratedKW) * 0.5
	return math.Abs(measuredKW) < 0.1 && expected > 1.0
}
