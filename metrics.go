package oauth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var loginsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "oauth_logins_total",
	Help: "Number of login attempts by outcome",
}, []string{"status"})

var identityMismatches = promauto.NewCounter(prometheus.CounterOpts{
	Name: "oauth_identity_mismatches_total",
	Help: "Number of token responses whose subject did not match the resolved DID",
})

var refreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "oauth_session_refreshes_total",
	Help: "Number of upstream session refreshes by outcome",
}, []string{"status"})

var refreshWaits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "oauth_session_refresh_waits_total",
	Help: "Number of refreshes that waited on another process holding the claim",
})

var sessionsSwept = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "oauth_swept_total",
	Help: "Number of records removed by the sweeper",
}, []string{"kind"})

var logouts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "oauth_logouts_total",
	Help: "Number of logouts by revocation outcome",
}, []string{"revocation"})
