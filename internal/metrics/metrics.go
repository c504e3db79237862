package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	LabelKind    = "kind"
	LabelResult  = "result"
	LabelSweep   = "sweep"
	LabelVariant = "variant"
	LabelOp      = "op"
	LabelDevice  = "device"

	LabelCounterName = "name"

	ResultOK    = "ok"
	ResultError = "error"
)

var (
	SpeakerCommandDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "speaker_command_duration_seconds",
		Help:    "duration of BGP speaker command deliveries",
		Buckets: prometheus.ExponentialBuckets(0.0001, 1.5, 15),
	})

	SpeakerCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speaker_commands_total",
		Help: "BGP speaker commands sent by kind and result",
	}, []string{LabelKind, LabelResult})

	SweepDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "sweep_duration_seconds",
		Help: "duration of reconciliation sweeps",
	}, []string{LabelSweep})

	SweepRulesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sweep_rules_total",
		Help: "rules processed by reconciliation sweeps by result",
	}, []string{LabelSweep, LabelResult})

	RulesWithdrawnTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rules_withdrawn_total",
		Help: "rules moved to the withdrawn state on expiry",
	}, []string{LabelVariant})

	ActiveRules = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rules_active",
		Help: "number of active rules seen by the last announce sweep",
	}, []string{LabelVariant})

	ApplianceRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ddp_requests_total",
		Help: "DDoS Protector requests by operation and result",
	}, []string{LabelOp, LabelResult})

	ApplianceBoundRules = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ddp_device_rules",
		Help: "rules currently bound to each DDoS Protector device",
	}, []string{LabelDevice})

	FlowSpecRoutesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowspec_routes_total",
		Help: "Total number of flowspec rules mirrored to nftables",
	})

	NftablesFlushDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "nftables_flush_duration_seconds",
		Help: "duration of nftables flush operations",
	})

	NftablesCounterPackets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nftables",
		Name:      "counter_packets",
		Help:      "counted packets per counter",
	}, []string{LabelCounterName})

	NftablesCounterBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nftables",
		Name:      "counter_bytes",
		Help:      "counted bytes per counter",
	}, []string{LabelCounterName})
)

// Result maps an error to the result label value.
func Result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
