package controlserver

import "github.com/pkg/errors"

var (
	ErrDeviceNotFound     = errors.New("device not connected")
	ErrResultTimeout      = errors.New("timed out waiting for results")
	ErrDeviceDisconnected = errors.New("device disconnected before sending results")
)
