package st

// Subjects consumed by the strategy engine.
const (
	InputAccountLoaded        = "pm.account.loaded"
	InputCalculationCompleted = "ta.calculation.completed"
	InputPositionOpened       = "tr.position.opened"
	InputPositionClosed       = "tr.position.closed"
)

// Subjects published by the strategy engine.
const (
	SubjectStrategyLoaded     = "st.strategy.loaded"
	SubjectIndicatorSubscribe = "st.indicator.subscribe"
	SubjectSignalGenerated    = "st.signal.generated"
	SubjectGridCreate         = "st.grid.create"
)
