// Package metrics exposes the core's prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Core struct {
	Wakes          *prometheus.CounterVec
	Sleeps         prometheus.Counter
	Evictions      prometheus.Counter
	SweepDeletions prometheus.Counter
	PoolConsumed   prometheus.Counter
	PoolRefills    prometheus.Counter
	AwakeInboxes   prometheus.Gauge
	PoolSize       prometheus.Gauge
}

func New(reg prometheus.Registerer) *Core {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Core{
		Wakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "palaver_inbox_wakes_total",
			Help: "Inbox wake transitions, by reason.",
		}, []string{"reason"}),
		Sleeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "palaver_inbox_sleeps_total",
			Help: "Inbox sleep transitions.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "palaver_inbox_evictions_total",
			Help: "Awake inboxes evicted to sleeping by the LRU policy.",
		}),
		SweepDeletions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "palaver_pending_invite_sweep_deleted_total",
			Help: "Expired pending-invite conversations deleted by the sweep.",
		}),
		PoolConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "palaver_pool_consumed_total",
			Help: "Pooled unused conversations consumed.",
		}),
		PoolRefills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "palaver_pool_refills_total",
			Help: "Pool replenishment runs.",
		}),
		AwakeInboxes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "palaver_awake_inboxes",
			Help: "Currently awake inboxes.",
		}),
		PoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "palaver_pool_size",
			Help: "Pre-provisioned unused conversations currently pooled.",
		}),
	}
	reg.MustRegister(
		m.Wakes, m.Sleeps, m.Evictions, m.SweepDeletions,
		m.PoolConsumed, m.PoolRefills, m.AwakeInboxes, m.PoolSize,
	)
	return m
}

// NewUnregistered builds instruments without registering them; tests use
// it to avoid collisions on the default registerer.
func NewUnregistered() *Core {
	return New(prometheus.NewRegistry())
}
