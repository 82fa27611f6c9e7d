package ingest

import (
	"encoding/json"
	"math"

	"github.com/lox/pikasurvey/internal/models"
)

const (
	FlagCountWithoutArea = "count_without_area"
	FlagAreaNotPositive  = "area_not_positive"
	FlagCountNegative    = "count_negative"
	FlagCountFractional  = "count_fractional"
	FlagTempOutOfRange   = "temp_out_of_range"
	FlagMaxBelowMean     = "max_below_mean"
	FlagPrecipNegative   = "precip_negative"
)

func ValidateSurvey(rec *models.SurveyRecord) []string {
	var flags []string

	if rec.Active.Valid && !rec.Area.Valid {
		flags = append(flags, FlagCountWithoutArea)
	}
	if rec.Area.Valid && rec.Area.Float64 <= 0 {
		flags = append(flags, FlagAreaNotPositive)
	}
	if rec.Active.Valid {
		if rec.Active.Float64 < 0 {
			flags = append(flags, FlagCountNegative)
		}
		if rec.Active.Float64 != math.Trunc(rec.Active.Float64) {
			flags = append(flags, FlagCountFractional)
		}
	}

	return flags
}

func ValidateClimate(obs *models.ClimateObservation) []string {
	var flags []string

	if obs.TempMean.Valid && (obs.TempMean.Float64 < -60 || obs.TempMean.Float64 > 45) {
		flags = append(flags, FlagTempOutOfRange)
	} else if obs.TempMax.Valid && (obs.TempMax.Float64 < -60 || obs.TempMax.Float64 > 45) {
		flags = append(flags, FlagTempOutOfRange)
	}

	if obs.TempMax.Valid && obs.TempMean.Valid && obs.TempMax.Float64 < obs.TempMean.Float64 {
		flags = append(flags, FlagMaxBelowMean)
	}

	if obs.Precip.Valid && obs.Precip.Float64 < 0 {
		flags = append(flags, FlagPrecipNegative)
	}

	return flags
}

func QualityFlagsToJSON(flags []string) string {
	if len(flags) == 0 {
		return ""
	}
	b, _ := json.Marshal(flags)
	return string(b)
}
