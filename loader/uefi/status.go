package uefi

import "github.com/smallkirby/norn-sub003/kernel"

// Status is an EFI_STATUS value returned by firmware calls. Error statuses
// have the high bit set.
type Status uintptr

const statusErrorBit = Status(1) << 63

const (
	StatusSuccess          Status = 0
	StatusLoadError               = statusErrorBit | 1
	StatusInvalidParameter        = statusErrorBit | 2
	StatusUnsupported             = statusErrorBit | 3
	StatusBufferTooSmall          = statusErrorBit | 5
	StatusNotReady                = statusErrorBit | 6
	StatusDeviceError             = statusErrorBit | 7
	StatusOutOfResources          = statusErrorBit | 9
	StatusNotFound                = statusErrorBit | 14
)

var (
	ErrInvalidParameter = &kernel.Error{Module: "uefi", Message: "firmware rejected a call parameter"}
	ErrUnsupported      = &kernel.Error{Module: "uefi", Message: "firmware does not support the requested operation"}
	ErrBufferTooSmall   = &kernel.Error{Module: "uefi", Message: "supplied buffer is too small"}
	ErrDeviceError      = &kernel.Error{Module: "uefi", Message: "firmware reported a device error"}
	ErrOutOfResources   = &kernel.Error{Module: "uefi", Message: "firmware is out of resources"}
	ErrNotFound         = &kernel.Error{Module: "uefi", Message: "firmware could not locate the requested item"}
	errFirmwareCall     = &kernel.Error{Module: "uefi", Message: "firmware call failed"}
)

// Err maps the status to a package error, or nil for a success status.
func (s Status) Err() *kernel.Error {
	switch s {
	case StatusSuccess:
		return nil
	case StatusInvalidParameter:
		return ErrInvalidParameter
	case StatusUnsupported:
		return ErrUnsupported
	case StatusBufferTooSmall:
		return ErrBufferTooSmall
	case StatusDeviceError:
		return ErrDeviceError
	case StatusOutOfResources:
		return ErrOutOfResources
	case StatusNotFound:
		return ErrNotFound
	default:
		return errFirmwareCall
	}
}
