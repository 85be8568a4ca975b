package tr

// Subjects consumed by the trading module.
const (
	InputAccountLoaded   = "pm.account.loaded"
	InputSignalGenerated = "st.signal.generated"
	InputGridCreate      = "st.grid.create"
	InputOrderSubmitted  = "de.order.submitted"
	InputOrderFilled     = "de.order.filled"
	InputOrderUpdate     = "de.order.update"
	InputOrderCancelled  = "de.order.cancelled"
	InputOrderFailed     = "de.order.failed"
	InputAccountBalance  = "de.account.balance"
)

// Subjects published by the trading module. The trading.* commands are
// consumed by the data engine, which answers with de.* events.
const (
	SubjectOrderCreate       = "trading.order.create"
	SubjectOrderCancel       = "trading.order.cancel"
	SubjectGetAccountBalance = "trading.get_account_balance"
	SubjectPositionOpened    = "tr.position.opened"
	SubjectPositionClosed    = "tr.position.closed"
	SubjectTaskCreated       = "tr.task.created"
	SubjectTaskCompleted     = "tr.task.completed"
	SubjectGridCreated       = "tr.grid.created"
	SubjectManagerStarted    = "tr.manager.started"
	SubjectManagerShutdown   = "tr.manager.shutdown"
)
