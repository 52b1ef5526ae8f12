package handlers

import (
	"github.com/go-chi/chi/v5"

	"github.com/example/consumption-ledger/services/ledger/internal/ledger"
)

// Mount registers the /v1 API on r. Callers attach authentication.
func Mount(r chi.Router, l *ledger.Ledger) {
	r.Post("/v1/consumption", RecordConsumption(l))
	r.Post("/v1/consumption/signed", SubmitSigned(l))

	r.Get("/v1/progress/{user_id}/{content_id}", GetProgress(l))
	r.Post("/v1/progress/{user_id}/{content_id}/flag", FlagRecord(l))
	r.Delete("/v1/progress/{user_id}/{content_id}/flag", ClearFlag(l))

	r.Post("/v1/contents", RegisterContent(l))
	r.Get("/v1/contents/{content_id}", GetContent(l))

	r.Get("/v1/reporters/{reporter_id}", GetReporter(l))
	r.Put("/v1/reporters/{reporter_id}", ApproveReporter(l))
	r.Delete("/v1/reporters/{reporter_id}", RevokeReporter(l))

	r.Get("/v1/owner", GetOwner(l))
	r.Put("/v1/owner", TransferOwnership(l))

	r.Get("/v1/totals", GetTotal(l))
	r.Get("/v1/totals/{user_id}", GetUserTotal(l))
}
