// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rawdata

import (
	"fmt"
	"io"
)

// Dump writes a hexadecimal dump of the words of p to w, 8 words per line.
// Trailing bytes that do not make a whole word are ignored.
func Dump(w io.Writer, p []byte) {
	n := len(p) / WordSize
	for i := 0; i < n; i++ {
		if i%8 == 0 {
			if i > 0 {
				fmt.Fprintf(w, "\n")
			}
			fmt.Fprintf(w, "%08d:", i)
		}
		fmt.Fprintf(w, " %08x", word(p, i))
	}
	if n > 0 {
		fmt.Fprintf(w, "\n")
	}
}
