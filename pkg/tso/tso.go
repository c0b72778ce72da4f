// Copyright 2016 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package tso

import (
	"time"

	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	physicalShiftBits = 18
	maxLogical        = uint64(1 << physicalShiftBits)
)

// ComposeTS packs a physical time in milliseconds and a logical counter.
func ComposeTS(physical time.Time, logical uint64) uint64 {
	ms := uint64(physical.UnixNano() / int64(time.Millisecond))
	return ms<<physicalShiftBits + logical%maxLogical
}

// ParseTS splits a timestamp into its physical and logical parts.
func ParseTS(ts uint64) (time.Time, uint64) {
	logical := ts & (maxLogical - 1)
	ms := int64(ts >> physicalShiftBits)
	return time.Unix(ms/1e3, (ms%1e3)*int64(time.Millisecond)), logical
}

// TimestampOracle hands out strictly increasing start timestamps. Physical
// time follows the wall clock; when the clock stalls or goes backwards the
// logical part keeps the sequence increasing.
type TimestampOracle struct {
	last *atomic.Uint64
}

// NewTimestampOracle creates an oracle starting from the current time.
func NewTimestampOracle() *TimestampOracle {
	return &TimestampOracle{last: atomic.NewUint64(0)}
}

// GetTS returns a timestamp greater than every timestamp returned or
// observed before.
func (t *TimestampOracle) GetTS() uint64 {
	for {
		prev := t.last.Load()
		next := ComposeTS(time.Now(), 0)
		if next <= prev {
			next = prev + 1
			if prev&(maxLogical-1) == maxLogical-1 {
				log.Warn("the logical time may be not enough", zap.Uint64("prev", prev))
			}
		}
		if t.last.CAS(prev, next) {
			return next
		}
	}
}

// Observe moves the oracle past ts so later timestamps are larger than an
// externally assigned one.
func (t *TimestampOracle) Observe(ts uint64) {
	for {
		prev := t.last.Load()
		if ts <= prev || t.last.CAS(prev, ts) {
			return
		}
	}
}

// Last returns the most recent timestamp.
func (t *TimestampOracle) Last() uint64 {
	return t.last.Load()
}
