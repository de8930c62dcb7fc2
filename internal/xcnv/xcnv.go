// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package xcnv provides tools to convert captured send-block streams
// to/from LCIO.
package xcnv // import "github.com/go-lpc/desser/internal/xcnv"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/go-lpc/desser/rawdata"
	"go-hep.org/x/hep/lcio"
)

const (
	// Collection is the name of the LCIO collection holding the raw
	// send-block of an event.
	Collection = "RawSendBlock"

	detector = "Belle2-DAQ"
)

// Desser2LCIO converts the send-blocks decoded from dec into LCIO events,
// one event per send-block.
// A new run header is written whenever the exp/run/subrun changes.
func Desser2LCIO(w *lcio.Writer, dec *rawdata.Decoder, freq int, msg *log.Logger) error {
	var (
		raw = &lcio.GenericObject{
			Data: []lcio.GenericObjectData{
				{I32s: nil},
			},
		}
		hdr = make([]byte, rawdata.SendHeaderWords*rawdata.WordSize)
		trl = make([]byte, rawdata.SendTrailerWords*rawdata.WordSize)
		buf []byte

		exprun = ^uint32(0)
	)

	for i := 0; ; i++ {
		if freq > 0 && i%freq == 0 {
			msg.Printf("processing send-block %d...", i)
		}
		var sb rawdata.SendBlock
		err := dec.Decode(&sb)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("could not decode send-block %d: %w", i, err)
		}

		_, run, _ := rawdata.UnpackExpRun(sb.Header.ExpRunSubrun)
		if sb.Header.ExpRunSubrun != exprun {
			exprun = sb.Header.ExpRunSubrun
			exp, run, sub := rawdata.UnpackExpRun(exprun)
			err = w.WriteRunHeader(&lcio.RunHeader{
				RunNumber: int32(run),
				Detector:  detector,
				Params: lcio.Params{
					Ints: map[string][]int32{
						"Experiment": {int32(exp)},
						"SubRun":     {int32(sub)},
					},
				},
			})
			if err != nil {
				return fmt.Errorf("could not write run header: %w", err)
			}
		}

		rawdata.PutHeader(hdr, sb.Header)
		rawdata.PutTrailer(trl, sb.Trailer)

		buf = buf[:0]
		buf = append(buf, hdr...)
		buf = append(buf, sb.Block.Bytes()...)
		buf = append(buf, trl...)

		evt := lcio.Event{
			RunNumber:   int32(run),
			EventNumber: int32(sb.Header.EventNumber),
			TimeStamp:   int64(sb.Block.Entry(0).UTCTime()),
			Detector:    detector,
		}
		raw.Data[0].I32s = i32sFrom(raw.Data[0].I32s, buf)
		evt.Add(Collection, raw)

		err = w.WriteEvent(&evt)
		if err != nil {
			return fmt.Errorf("could not write event %d: %w", sb.Header.EventNumber, err)
		}
	}
}

// LCIO2Desser converts the LCIO events read from r back into a send-block
// stream written to w.
func LCIO2Desser(w io.Writer, r *lcio.Reader, freq int, msg *log.Logger) error {
	var (
		enc = rawdata.NewEncoder(w)
		buf []byte
		i   = 0
	)

	for r.Next() {
		if freq > 0 && i%freq == 0 {
			msg.Printf("processing evt %d...", i)
		}
		evt := r.Event()
		obj, ok := evt.Get(Collection).(*lcio.GenericObject)
		if !ok || len(obj.Data) == 0 {
			return fmt.Errorf("event %d has no %q collection", evt.EventNumber, Collection)
		}

		buf = bytesFrom(buf, obj.Data[0].I32s)
		hdr, err := rawdata.DecodeHeader(buf)
		if err != nil {
			return fmt.Errorf("could not decode send header of event %d: %w", evt.EventNumber, err)
		}
		if got, want := len(buf), int(hdr.NWords)*rawdata.WordSize; got != want {
			return fmt.Errorf(
				"%w: invalid send-block size for event %d (got=%d bytes, want=%d)",
				rawdata.ErrCorruptedData, evt.EventNumber, got, want,
			)
		}

		err = enc.WriteRaw(buf)
		if err != nil {
			return fmt.Errorf("could not write send-block of event %d: %w", evt.EventNumber, err)
		}
		i++
	}

	err := r.Err()
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("could not read LCIO event %d: %w", i, err)
	}

	return nil
}

// i32sFrom reinterprets the little-endian words of p as int32s.
func i32sFrom(dst []int32, p []byte) []int32 {
	n := len(p) / rawdata.WordSize
	if cap(dst) < n {
		dst = make([]int32, n)
	}
	dst = dst[:n]
	for i := range dst {
		dst[i] = int32(binary.LittleEndian.Uint32(p[i*rawdata.WordSize:]))
	}
	return dst
}

func bytesFrom(dst []byte, vs []int32) []byte {
	n := len(vs) * rawdata.WordSize
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	for i, v := range vs {
		binary.LittleEndian.PutUint32(dst[i*rawdata.WordSize:], uint32(v))
	}
	return dst
}
