package services

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cppla/stakeledger/staking"
)

type stakeMetrics struct {
	operations    *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	stakedTotal   prometheus.Counter
	unstakedTotal prometheus.Counter
	claimedPoints prometheus.Counter
}

func (m *stakeMetrics) init(reg prometheus.Registerer) {
	factory := promauto.With(reg)
	m.operations = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "stakeledger_operations_total",
		Help: "stake operations by name and result",
	}, []string{"op", "result"})
	m.latency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stakeledger_operation_duration_seconds",
		Help:    "latency of stake operations including the storage transaction",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"op"})
	m.stakedTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "stakeledger_staked_units_total",
		Help: "units moved into custody",
	})
	m.unstakedTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "stakeledger_unstaked_units_total",
		Help: "units returned from custody",
	})
	m.claimedPoints = factory.NewCounter(prometheus.CounterOpts{
		Name: "stakeledger_claimed_points_total",
		Help: "whole points claimed",
	})
}

func (m *stakeMetrics) observe(op string, err error, start time.Time) {
	m.operations.WithLabelValues(op, resultLabel(err)).Inc()
	m.latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var serr *staking.Error
	if errors.As(err, &serr) {
		return serr.Kind.String()
	}
	switch {
	case errors.Is(err, ErrRecordNotFound):
		return "not found"
	case errors.Is(err, ErrRecordExists):
		return "exists"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient funds"
	}
	return "error"
}
