package pm

// Event subjects published by the portfolio manager.
const (
	SubjectAccountLoaded   = "pm.account.loaded"
	SubjectAccountEnabled  = "pm.account.enabled"
	SubjectAccountDisabled = "pm.account.disabled"
	SubjectManagerReady    = "pm.manager.ready"
	SubjectManagerShutdown = "pm.manager.shutdown"
	SubjectLoadFailed      = "pm.load.failed"
)
