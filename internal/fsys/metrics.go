// Copyright 2021-2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package fsys

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jjeffery/kv" // MIT License
)

var (
	hostName string

	fsOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabricfs_fs_op_total",
			Help: "Number of filesystem operations served, by operation and outcome.",
		},
		[]string{"host", "op", "outcome"},
	)

	gpuBytesInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fabricfs_gpu_bytes_inuse",
			Help: "Device bytes currently materialized for the mount.",
		},
		[]string{"host"},
	)
)

func init() {
	hostName, _ = os.Hostname()

	prometheus.MustRegister(fsOps)
	prometheus.MustRegister(gpuBytesInUse)
}

// note records the outcome of one filesystem operation and refreshes the
// bytes in use gauge
func (fs *fileSystem) note(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "fail"
	}
	fsOps.With(prometheus.Labels{"host": hostName, "op": op, "outcome": outcome}).Inc()
	gpuBytesInUse.With(prometheus.Labels{"host": hostName}).Set(float64(fs.tracker.InUse()))
}

// GetCounterValue retrieves the value of a label qualified counter allowing
// tests and monitoring paths to read back accumulated counts
func GetCounterValue(metric *prometheus.CounterVec, labels prometheus.Labels) (val float64, err kv.Error) {
	m := &dto.Metric{}
	if errGo := metric.With(labels).Write(m); errGo != nil {
		return 0, kv.Wrap(errGo)
	}
	return m.Counter.GetValue(), nil
}

// OpCount exposes the operation counter for a specific operation and outcome
// on this host
func OpCount(op string, outcome string) (val float64, err kv.Error) {
	return GetCounterValue(fsOps, prometheus.Labels{"host": hostName, "op": op, "outcome": outcome})
}
