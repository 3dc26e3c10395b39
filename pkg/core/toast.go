package core

import "time"

// ToastVariant selects the visual style of a host toast.
type ToastVariant string

const (
	ToastInfo    ToastVariant = "info"
	ToastWarning ToastVariant = "warning"
	ToastSuccess ToastVariant = "success"
	ToastError   ToastVariant = "error"
)

// Toast is a best-effort user notification. Delivery failures are logged
// and swallowed; a host without a TUI treats it as a no-op.
type Toast struct {
	Title    string
	Message  string
	Variant  ToastVariant
	Duration time.Duration
}
