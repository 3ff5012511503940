package webrtc

import (
	"errors"

	pion "github.com/pion/webrtc/v4"
)

// ErrChannelNotOpen is returned by SendText outside the open state.
var ErrChannelNotOpen = errors.New("data channel not open")

// DataChannel is a text transport over a pion data channel.
type DataChannel struct {
	dc *pion.DataChannel
}

// Label returns the channel label.
func (d *DataChannel) Label() string { return d.dc.Label() }

// IsOpen reports whether the channel can send.
func (d *DataChannel) IsOpen() bool {
	return d.dc.ReadyState() == pion.DataChannelStateOpen
}

// SendText sends one text message.
func (d *DataChannel) SendText(s string) error {
	if !d.IsOpen() {
		return ErrChannelNotOpen
	}
	return d.dc.SendText(s)
}

// Close closes the channel.
func (d *DataChannel) Close() error { return d.dc.Close() }
