package logkey

// Keys shared by every slog call so log lines stay greppable across handlers and workers.
const (
	TraceID         = "trace_id"
	ERROR           = "error"
	OrderID         = "order_id"
	ExternalOrderID = "external_order_id"
	ProductID       = "product_id"
	EventType       = "event_type"
	Alert           = "alert"
)
