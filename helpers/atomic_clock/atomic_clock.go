// Package atomic_clock is convenient API around atomic int64 system clock.
// Use for time accounting, not where time zone matters.
package atomic_clock

import (
	"sync/atomic"
	"time"
)

type Clock struct{ v int64 }

func source() int64 { return time.Now().UnixNano() }

func New(v int64) *Clock { return &Clock{v: v} }

func (c *Clock) get() int64    { return atomic.LoadInt64(&c.v) }
func (c *Clock) set(new int64) { atomic.StoreInt64(&c.v, new) }

func (c *Clock) IsZero() bool { return c.get() == 0 }
func (c *Clock) SetNow()      { c.set(source()) }

func Since(begin *Clock) time.Duration { return time.Duration(source() - begin.get()) }
