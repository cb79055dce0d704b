package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nodetrust"

// Recorder holds the server's prometheus collectors
type Recorder struct {
	gatherer prometheus.Gatherer

	csrRequests    *prometheus.CounterVec
	csrTransitions *prometheus.CounterVec
	provisioning   *prometheus.CounterVec
	tokens         *prometheus.CounterVec
}

// NewRecorder registers the collectors on a fresh registry
func NewRecorder() *Recorder {
	return NewRecorderWithRegistry(prometheus.NewRegistry())
}

// NewRecorderWithRegistry registers the collectors on reg
func NewRecorderWithRegistry(reg *prometheus.Registry) *Recorder {
	factory := promauto.With(reg)

	return &Recorder{
		gatherer: reg,
		csrRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "csr",
			Name:      "requests_total",
			Help:      "CSR submissions by resulting status.",
		}, []string{"status"}),
		csrTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "csr",
			Name:      "transitions_total",
			Help:      "Administrative CSR actions by action and outcome.",
		}, []string{"action", "result"}),
		provisioning: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "msgbus",
			Name:      "provisioning_total",
			Help:      "Message bus user provisioning attempts by outcome.",
		}, []string{"result"}),
		tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "tokens_total",
			Help:      "Token operations by operation and outcome.",
		}, []string{"operation", "result"}),
	}
}

// CSRRequest counts one CSR submission
func (r *Recorder) CSRRequest(status string) {
	if r == nil {
		return
	}
	r.csrRequests.WithLabelValues(status).Inc()
}

// CSRTransition counts one administrative CSR action
func (r *Recorder) CSRTransition(action string, err error) {
	if r == nil {
		return
	}
	r.csrTransitions.WithLabelValues(action, result(err)).Inc()
}

// Provisioning counts one message bus user creation or removal
func (r *Recorder) Provisioning(err error) {
	if r == nil {
		return
	}
	r.provisioning.WithLabelValues(result(err)).Inc()
}

// Token counts one token issue or refresh
func (r *Recorder) Token(operation string, err error) {
	if r == nil {
		return
	}
	r.tokens.WithLabelValues(operation, result(err)).Inc()
}

// Handler serves the registry in the prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
