package admission

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aegis_tokens_issued_total",
		Help: "The total number of admission tokens minted",
	})

	tokensRevoked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aegis_tokens_revoked_total",
		Help: "The total number of admission tokens revoked",
	})

	tokenValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_token_validations_total",
		Help: "Admission token validations by result",
	}, []string{"result"})
)
