package ehci

import (
	"github.com/rcrowley/go-metrics"
)

// kind identifies a descriptor pool.
type kind int

const (
	kindQH kind = iota
	kindQTD
	kindITD
	numKinds
)

func (k kind) String() string {
	switch k {
	case kindQH:
		return "qh"
	case kindQTD:
		return "qtd"
	case kindITD:
		return "itd"
	default:
		return "unknown"
	}
}

// metricSet holds the instruments of one controller instance.
type metricSet struct {
	inUse     [numKinds]metrics.Gauge
	exhausted [numKinds]metrics.Counter

	doorbells metrics.Counter
	reclaimed metrics.Counter

	reaped  metrics.Counter
	tooLate metrics.Counter

	control     metrics.Timer
	bulk        metrics.Timer
	isochronous metrics.Timer
	errors      metrics.Counter

	interrupts metrics.Counter
	faults     metrics.Counter
}

func newMetricSet(r metrics.Registry) *metricSet {
	m := &metricSet{
		doorbells:   metrics.GetOrRegisterCounter("ehci.async.doorbells", r),
		reclaimed:   metrics.GetOrRegisterCounter("ehci.async.reclaimed", r),
		reaped:      metrics.GetOrRegisterCounter("ehci.periodic.reaped", r),
		tooLate:     metrics.GetOrRegisterCounter("ehci.periodic.too_late", r),
		control:     metrics.GetOrRegisterTimer("ehci.transfer.control", r),
		bulk:        metrics.GetOrRegisterTimer("ehci.transfer.bulk", r),
		isochronous: metrics.GetOrRegisterTimer("ehci.transfer.isochronous", r),
		errors:      metrics.GetOrRegisterCounter("ehci.transfer.errors", r),
		interrupts:  metrics.GetOrRegisterCounter("ehci.interrupts", r),
		faults:      metrics.GetOrRegisterCounter("ehci.faults", r),
	}
	for k := kindQH; k < numKinds; k++ {
		m.inUse[k] = metrics.GetOrRegisterGauge("ehci.pool."+k.String()+".in_use", r)
		m.exhausted[k] = metrics.GetOrRegisterCounter("ehci.pool."+k.String()+".exhausted", r)
	}
	return m
}
