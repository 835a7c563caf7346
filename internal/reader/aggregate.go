package reader

import (
	"fmt"
	"time"

	"github.com/roach88/tessel/internal/ir"
)

// AggFn is an aggregate function.
type AggFn uint8

const (
	AggCount AggFn = iota + 1
	AggSum
	AggAvg
	AggStddev
	AggVariance
	AggMin
	AggMax
	AggCardinality
	AggHMean
)

var aggNames = map[AggFn]string{
	AggCount:       "count",
	AggSum:         "sum",
	AggAvg:         "avg",
	AggStddev:      "stddev",
	AggVariance:    "variance",
	AggMin:         "min",
	AggMax:         "max",
	AggCardinality: "cardinality",
	AggHMean:       "hmean",
}

func (f AggFn) String() string {
	if n, ok := aggNames[f]; ok {
		return n
	}
	return fmt.Sprintf("agg(%d)", uint8(f))
}

// ParseAggFn maps a function name to its value.
func ParseAggFn(s string) (AggFn, bool) {
	for f, n := range aggNames {
		if n == s {
			return f, true
		}
	}
	return 0, false
}

// AccSize is the accumulator width the engine preallocates per group.
func (f AggFn) AccSize() int {
	switch f {
	case AggCount, AggCardinality:
		return 4
	case AggSum, AggMin, AggMax:
		return 8
	case AggAvg, AggHMean:
		return 16 // sum + count
	case AggStddev, AggVariance:
		return 24 // count + mean + m2
	}
	return 0
}

// ResultSize is the width of the finished value in the result buffer.
func (f AggFn) ResultSize() int {
	switch f {
	case AggCount, AggCardinality:
		return 4
	}
	return 8
}

// Interval is a time bucket width for group-by on timestamps.
type Interval uint8

const (
	IntervalNone Interval = iota
	IntervalSecond
	IntervalMinute
	IntervalHour
	IntervalDay
	IntervalWeek
	IntervalMonth
	IntervalYear
)

var intervalNames = [...]string{"", "second", "minute", "hour", "day", "week", "month", "year"}

func (i Interval) String() string {
	if int(i) < len(intervalNames) {
		return intervalNames[i]
	}
	return "interval(?)"
}

// ParseInterval maps an interval name to its value.
func ParseInterval(s string) (Interval, bool) {
	for i, n := range intervalNames {
		if n == s && s != "" {
			return Interval(i), true
		}
	}
	return IntervalNone, false
}

// BucketStart truncates a millisecond timestamp to the start of its UTC
// bucket. Weeks start on Monday.
func BucketStart(i Interval, ms int64) int64 {
	t := time.UnixMilli(ms).UTC()
	switch i {
	case IntervalSecond:
		t = t.Truncate(time.Second)
	case IntervalMinute:
		t = t.Truncate(time.Minute)
	case IntervalHour:
		t = t.Truncate(time.Hour)
	case IntervalDay:
		t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case IntervalWeek:
		back := (int(t.Weekday()) + 6) % 7
		t = time.Date(t.Year(), t.Month(), t.Day()-back, 0, 0, 0, 0, time.UTC)
	case IntervalMonth:
		t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case IntervalYear:
		t = time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return t.UnixMilli()
}

// FormatBucket renders a bucket start as its group key.
func FormatBucket(i Interval, ms int64) string {
	t := time.UnixMilli(ms).UTC()
	switch i {
	case IntervalSecond:
		return t.Format("2006-01-02T15:04:05")
	case IntervalMinute:
		return t.Format("2006-01-02T15:04")
	case IntervalHour:
		return t.Format("2006-01-02T15")
	case IntervalDay, IntervalWeek:
		return t.Format("2006-01-02")
	case IntervalMonth:
		return t.Format("2006-01")
	case IntervalYear:
		return t.Format("2006")
	}
	return fmt.Sprint(ms)
}

// AggField is one requested aggregate.
type AggField struct {
	Fn   AggFn
	Path string // empty for count
}

// Key is the result key: the function name for count, else the path.
func (a AggField) Key() string {
	if a.Fn == AggCount {
		return "count"
	}
	return a.Path
}

// GroupLayout describes how group keys are encoded.
type GroupLayout struct {
	Path     string
	Tag      ir.TypeTag
	Enum     []string
	Interval Interval
}

// AggregateLayout mirrors the aggregate block of a program.
type AggregateLayout struct {
	Fields  []AggField
	GroupBy *GroupLayout
}

// ResultLen is the byte length of one group's results.
func (l *AggregateLayout) ResultLen() int {
	n := 0
	for _, f := range l.Fields {
		n += f.Fn.ResultSize()
	}
	return n
}
