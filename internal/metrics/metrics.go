// Package metrics exposes training progress as Prometheus gauges written
// to a node-exporter textfile.
package metrics

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Training holds the gauges of one training process.
type Training struct {
	registry *prometheus.Registry

	epoch        *prometheus.GaugeVec
	loss         *prometheus.GaugeVec
	accuracy     *prometheus.GaugeVec
	testAccuracy *prometheus.GaugeVec
	f1           *prometheus.GaugeVec
}

// NewTraining registers the gauges on a private registry.
func NewTraining() *Training {
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "seqtagger",
			Name:      name,
			Help:      help,
		}, append([]string{"variant"}, labels...))
	}
	m := &Training{
		registry:     prometheus.NewRegistry(),
		epoch:        gauge("epoch", "last finished training epoch"),
		loss:         gauge("loss", "mean loss of the last epoch", "split"),
		accuracy:     gauge("accuracy", "accuracy of the last epoch", "split"),
		testAccuracy: gauge("test_accuracy", "token accuracy on the test set"),
		f1:           gauge("test_f1", "entity micro F1 on the test set"),
	}
	m.registry.MustRegister(m.epoch, m.loss, m.accuracy, m.testAccuracy, m.f1)
	return m
}

// ObserveEpoch records the metrics of one epoch.
func (m *Training) ObserveEpoch(variant string, epoch int, loss, acc, valLoss, valAcc float64) {
	m.epoch.WithLabelValues(variant).Set(float64(epoch))
	m.loss.WithLabelValues(variant, "train").Set(loss)
	m.loss.WithLabelValues(variant, "validation").Set(valLoss)
	m.accuracy.WithLabelValues(variant, "train").Set(acc)
	m.accuracy.WithLabelValues(variant, "validation").Set(valAcc)
}

// ObserveScore records the test-set scores.
func (m *Training) ObserveScore(variant string, accuracy, f1 float64) {
	m.testAccuracy.WithLabelValues(variant).Set(accuracy)
	m.f1.WithLabelValues(variant).Set(f1)
}

// Gatherer exposes the registry, for example to an HTTP handler.
func (m *Training) Gatherer() prometheus.Gatherer { return m.registry }

// WriteFile writes the current values in the text exposition format.
func (m *Training) WriteFile(path string) error {
	return errors.Wrapf(prometheus.WriteToTextfile(path, m.registry), "writing metrics to %s", path)
}
