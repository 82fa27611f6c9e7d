package models

import (
	"database/sql"
	"time"
)

// YearCell is one survey year's columns from the wide survey sheet.
type YearCell struct {
	Year   int
	Area   sql.NullFloat64 // surveyed area, ha
	Active sql.NullFloat64 // active haypiles
}

// WideSurvey is a survey sheet row before reshaping.
type WideSurvey struct {
	Site      string
	TalusArea sql.NullFloat64
	Years     []YearCell
}

type SurveyRecord struct {
	Site      string
	TalusArea sql.NullFloat64
	Year      int
	Area      sql.NullFloat64
	Active    sql.NullFloat64
	Density   sql.NullFloat64 // active / area
}

type SiteAttributes struct {
	Site          string
	RoadDist      sql.NullFloat64
	PowerlineDist sql.NullFloat64
	Elevation     sql.NullFloat64
	Zone          sql.NullString // geoclimatic zone
	Aspect        sql.NullString
}

type ClimateObservation struct {
	Station  string
	Date     time.Time
	TempMean sql.NullFloat64
	TempMax  sql.NullFloat64
	Precip   sql.NullFloat64
}

type ClimateYear struct {
	Year        int
	SummerMax   sql.NullFloat64
	SummerMean  sql.NullFloat64
	WinterMean  sql.NullFloat64
	WinterMin   sql.NullFloat64
	PrecipTotal sql.NullFloat64
}

// ModelRow is a survey record joined with its site attributes.
type ModelRow struct {
	SurveyRecord
	RoadDist      sql.NullFloat64
	PowerlineDist sql.NullFloat64
	Elevation     sql.NullFloat64
	Zone          sql.NullString
	Aspect        sql.NullString

	ElevationScaled sql.NullFloat64
	TalusScaled     sql.NullFloat64
	Present         sql.NullBool // active > 0
}
