package api

// Hooks for the external test package.
var (
	TrendRange = trendRange
	FilterKey  = filterKey
	TrendKey   = trendKey
)
