package de

// Subjects the data engine subscribes to.
const (
	InputAccountLoaded      = "pm.account.loaded"
	InputOrderCreate        = "trading.order.create"
	InputOrderCancel        = "trading.order.cancel"
	InputGetAccountBalance  = "trading.get_account_balance"
	InputGetHistoricalKlines = "de.get_historical_klines"
)

// Subjects the data engine publishes.
const (
	SubjectClientConnected        = "de.client.connected"
	SubjectClientConnectionFailed = "de.client.connection_failed"
	SubjectWebsocketConnected     = "de.websocket.connected"
	SubjectWebsocketDisconnected  = "de.websocket.disconnected"
	SubjectKlineUpdate            = "de.kline.update"
	SubjectHistoricalSuccess      = "de.historical_klines.success"
	SubjectHistoricalFailed       = "de.historical_klines.failed"
	SubjectOrderSubmitted         = "de.order.submitted"
	SubjectOrderFailed            = "de.order.failed"
	SubjectOrderCancelled         = "de.order.cancelled"
	SubjectOrderFilled            = "de.order.filled"
	SubjectOrderUpdate            = "de.order.update"
	SubjectAccountBalance         = "de.account.balance"
	SubjectPositionUpdate         = "de.position.update"
	SubjectAccountUpdate          = "de.account.update"
	SubjectUserStreamStarted      = "de.user_stream.started"
)

// Connection types reported in websocket lifecycle events.
const (
	ConnectionTypeMarket   = "market"
	ConnectionTypeUserData = "user_data"
)
