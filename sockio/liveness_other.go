// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package sockio

import (
	"fmt"
)

// CheckLiveness reports whether the channel is still open.
// Peer failures are only detected by the next receive or send.
func (ch *Channel) CheckLiveness() error {
	if ch.current() == nil {
		return fmt.Errorf("%w: channel is closed", ErrConnectionLost)
	}
	return nil
}
