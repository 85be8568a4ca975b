package ta

// Subjects consumed by the technical analysis engine.
const (
	InputIndicatorSubscribe = "st.indicator.subscribe"
	InputHistoricalSuccess  = "de.historical_klines.success"
	InputHistoricalFailed   = "de.historical_klines.failed"
	InputKlineUpdate        = "de.kline.update"
)

// Subjects published by the technical analysis engine.
const (
	SubjectCalculationCompleted  = "ta.calculation.completed"
	SubjectIndicatorCreated      = "ta.indicator.created"
	SubjectIndicatorCreateFailed = "ta.indicator.create_failed"

	// OutputGetHistoricalKlines asks the data engine for the warmup
	// window after an indicator is created.
	OutputGetHistoricalKlines = "de.get_historical_klines"
)
