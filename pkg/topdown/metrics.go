package topdown

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	syncErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "topdown_parent_sync_errors",
		Help: "Number of failed parent chain polls",
	})
	syncReorgs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "topdown_parent_reorgs",
		Help: "Number of parent chain reorgs detected",
	})
	viewsAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "topdown_parent_views_appended",
		Help: "Number of parent views appended to the finality cache",
	})
	voteInvalidSignature = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "topdown_vote_signature_invalid",
		Help: "Number of votes dropped for invalid signatures",
	})
	voteUnknownValidator = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "topdown_vote_unknown_validator",
		Help: "Number of votes dropped because the signer has no power",
	})
	voteAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "topdown_vote_accepted",
		Help: "Number of votes accepted into the pool",
	})
)

// RegisterMetrics registers the top-down counters on a registry.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		syncErrors, syncReorgs, viewsAppended,
		voteInvalidSignature, voteUnknownValidator, voteAccepted,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
