// Package log2 is a thin leveled wrapper around stdlib log.
// It exists for two reasons:
// - runtime-adjustable level filtering, safe for concurrent use
// - clean redirection of library logs into t.Logf during parallel tests
package log2

import (
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"math"
	"os"
	"sync/atomic"
	"testing"
)

const (
	Lmicroseconds     int = log.Lmicroseconds
	Lshortfile        int = log.Lshortfile
	LStdFlags         int = log.Ltime | Lshortfile
	LInteractiveFlags int = log.Ltime | Lshortfile | Lmicroseconds
	LServiceFlags     int = Lshortfile
	LTestFlags        int = Lshortfile | Lmicroseconds
)

type Level int32

const (
	LError Level = iota
	LInfo
	LDebug
	LAll Level = math.MaxInt32
)

// All methods on nil *Log are no-ops, so optional logging does not require
// guards at call sites.
type Log struct {
	l      *log.Logger
	level  Level
	w      io.Writer
	fatalf Func
}

type Func func(format string, args ...interface{})

type FuncWriter struct{ Func }

func (fw FuncWriter) Write(b []byte) (int, error) {
	fw.Func(string(b))
	return len(b), nil
}

func NewStderr(level Level) *Log { return NewWriter(os.Stderr, level) }

func NewWriter(w io.Writer, level Level) *Log {
	if w == ioutil.Discard {
		return nil
	}
	return &Log{
		l:     log.New(w, "", LStdFlags),
		level: level,
		w:     w,
	}
}

func NewFunc(f Func, level Level) *Log { return NewWriter(FuncWriter{f}, level) }

func NewTest(t testing.TB, level Level) *Log {
	l := NewFunc(t.Logf, level)
	l.fatalf = t.Fatalf
	return l
}

// Clone returns a copy writing to the same destination with its own level.
// Handy to give a chatty subsystem a quieter logger.
func (lg *Log) Clone(level Level) *Log {
	if lg == nil {
		return nil
	}
	l := NewWriter(lg.w, level)
	l.SetFlags(lg.l.Flags())
	l.fatalf = lg.fatalf
	return l
}

func (lg *Log) SetLevel(l Level) {
	if lg == nil {
		return
	}
	atomic.StoreInt32((*int32)(&lg.level), int32(l))
}

func (lg *Log) SetFlags(f int) {
	if lg == nil {
		return
	}
	lg.l.SetFlags(f)
}

func (lg *Log) SetPrefix(prefix string) {
	if lg == nil {
		return
	}
	lg.l.SetPrefix(prefix)
}

func (lg *Log) Enabled(level Level) bool {
	if lg == nil {
		return false
	}
	return atomic.LoadInt32((*int32)(&lg.level)) >= int32(level)
}

func (lg *Log) Log(level Level, s string) {
	if lg.Enabled(level) {
		_ = lg.l.Output(3, s)
	}
}

func (lg *Log) Logf(level Level, format string, args ...interface{}) {
	if lg.Enabled(level) {
		_ = lg.l.Output(3, fmt.Sprintf(format, args...))
	}
}

func (lg *Log) Error(args ...interface{}) { lg.Log(LError, "error: "+fmt.Sprint(args...)) }
func (lg *Log) Errorf(format string, args ...interface{}) {
	lg.Logf(LError, "error: "+format, args...)
}
func (lg *Log) Info(args ...interface{})                 { lg.Log(LInfo, fmt.Sprint(args...)) }
func (lg *Log) Infof(format string, args ...interface{}) { lg.Logf(LInfo, format, args...) }
func (lg *Log) Debug(args ...interface{})                { lg.Log(LDebug, "debug: "+fmt.Sprint(args...)) }
func (lg *Log) Debugf(format string, args ...interface{}) {
	lg.Logf(LDebug, "debug: "+format, args...)
}

func (lg *Log) Fatal(args ...interface{}) {
	s := fmt.Sprint(args...)
	if lg != nil && lg.fatalf != nil {
		lg.fatalf("%s", s)
		return
	}
	lg.Logf(LError, "fatal: %s", s)
	os.Exit(1)
}

func (lg *Log) Fatalf(format string, args ...interface{}) {
	if lg != nil && lg.fatalf != nil {
		lg.fatalf(format, args...)
		return
	}
	lg.Logf(LError, "fatal: "+format, args...)
	os.Exit(1)
}
