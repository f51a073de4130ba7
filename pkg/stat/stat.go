// Copyright 2026 encprobe project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package stat provides prometheus-style metrics (Val type) for
// instrumenting the enumeration loop, and a global registry queried
// by status reporting.
//
//	statProbes := stat.New("probes", "oracle probes issued", stat.Rate{})
//	statProbes.Add(1)
package stat

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VividCortex/gohistogram"
	"github.com/prometheus/client_golang/prometheus"
)

type UI struct {
	Name  string
	Desc  string
	Value string
	V     int
}

func New(name, desc string, opts ...any) *Val {
	return global.New(name, desc, opts...)
}

func Collect() []UI {
	return global.Collect()
}

var global = newSet()

type set struct {
	mu    sync.Mutex
	vals  []*Val
	start time.Time
}

func newSet() *set {
	return &set{start: time.Now()}
}

// Additional options for Val metrics.

// Rate says to visualize the metric rate per unit of time rather than
// the total value.
type Rate struct{}

// Distribution says to collect a histogram of individual samples and
// report the mean.
type Distribution struct{}

// Prometheus exports the metric to Prometheus under the given name.
type Prometheus string

func (s *set) New(name, desc string, opts ...any) *Val {
	v := &Val{
		name: name,
		desc: desc,
		fmt:  func(v int, period time.Duration) string { return strconv.Itoa(v) },
	}
	for _, o := range opts {
		switch opt := o.(type) {
		case Rate:
			v.fmt = formatRate
		case Distribution:
			v.hist = true
		case func() int:
			v.ext = opt
		case Prometheus:
			prometheus.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: string(opt),
				Help: desc,
			},
				func() float64 { return float64(v.Val()) },
			))
		default:
			panic(fmt.Sprintf("unknown stats option %#v", o))
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals = append(s.vals, v)
	return v
}

func (s *set) Collect() []UI {
	s.mu.Lock()
	defer s.mu.Unlock()
	period := time.Since(s.start)
	if period < time.Second {
		period = time.Second
	}
	var res []UI
	for _, v := range s.vals {
		val := v.Val()
		res = append(res, UI{
			Name:  v.name,
			Desc:  v.desc,
			Value: v.fmt(val, period),
			V:     val,
		})
	}
	return res
}

type Val struct {
	name    string
	desc    string
	val     atomic.Uint64
	ext     func() int
	fmt     func(int, time.Duration) string
	hist    bool
	histMu  sync.Mutex
	histVal *gohistogram.NumericHistogram
}

const histogramBuckets = 255

func (v *Val) Add(val int) {
	if v.ext != nil {
		panic(fmt.Sprintf("stat %v is in external mode", v.name))
	}
	if v.hist {
		v.histMu.Lock()
		if v.histVal == nil {
			v.histVal = gohistogram.NewHistogram(histogramBuckets)
		}
		v.histVal.Add(float64(val))
		v.histMu.Unlock()
		return
	}
	v.val.Add(uint64(val))
}

func (v *Val) Val() int {
	if v.ext != nil {
		return v.ext()
	}
	if v.hist {
		v.histMu.Lock()
		defer v.histMu.Unlock()
		if v.histVal == nil {
			return 0
		}
		return int(v.histVal.Mean())
	}
	return int(v.val.Load())
}

func formatRate(v int, period time.Duration) string {
	secs := int(period.Seconds())
	if x := v / secs; x >= 10 {
		return fmt.Sprintf("%v (%v/sec)", v, x)
	}
	if x := v * 60 / secs; x >= 10 {
		return fmt.Sprintf("%v (%v/min)", v, x)
	}
	x := v * 60 * 60 / secs
	return fmt.Sprintf("%v (%v/hour)", v, x)
}
