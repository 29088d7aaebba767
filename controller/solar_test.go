package controller

import (
	"testing"
	"time"
)

// Budapest, midsummer: the sun is well up at noon and gone at midnight.
const (
	testLat = 47.5
	testLon = 19.0
)

func TestClearSkyEstimateDayNight(t *testing.T) {
	noon := time.Date(2025, 6, 21, 12, 0, 0, 0, time.UTC)
	midnight := time.Date(2025, 6, 21, 0, 0, 0, 0, time.UTC)

	day := clearSkyEstimateKW(noon, testLat, testLon, 250)
	if day <= 0 {
		t.Errorf("noon estimate = %v, want positive", day)
	}
	if day > 250 {
		t.Errorf("noon estimate = %v exceeds rated power", day)
	}

	night := clearSkyEstimateKW(midnight, testLat, testLon, 250)
	if night != 0 {
		t.Errorf("midnight estimate = %v, want 0", night)
	}
}

func TestProductionImplausible(t *testing.T) {
	noon := time.Date(2025, 6, 21, 12, 0, 0, 0, time.UTC)
	midnight := time.Date(2025, 6, 21, 0, 0, 0, 0, time.UTC)

	if !productionImplausible(noon, testLat, testLon, 250, 0.0) {
		t.Error("zero production at summer noon must be implausible")
	}
	if productionImplausible(noon, testLat, testLon, 250, 120.0) {
		t.Error("real production at noon must be plausible")
	}
	if productionImplausible(midnight, testLat, testLon, 250, 0.0) {
		t.Error("zero production at night is expected")
	}
}
