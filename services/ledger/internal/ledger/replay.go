package ledger

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/example/consumption-ledger/internal/platform/signing"
)

// replayKey identifies a report so that a resubmission returns the first
// outcome instead of being evaluated again. Reports without an id or a
// client timestamp have no stable identity and are never deduplicated.
func replayKey(r Report) string {
	switch {
	case r.ReportID != "":
		return signing.Fingerprint("id", r.UserID, r.ContentID, r.ReportID)
	case r.ReportedAt != nil:
		return signing.Fingerprint("ts", r.UserID, r.ContentID,
			strconv.FormatInt(r.Delta.Milliseconds(), 10),
			strconv.FormatInt(r.ReportedAt.UnixMilli(), 10))
	}
	return ""
}

// signedReplayKey keys a signed report by its typed-data digest, which
// covers every signed field and the deployment domain.
func signedReplayKey(d signing.Domain, r signing.Report) string {
	return signing.Fingerprint("sig", hexutil.Encode(signing.Digest(d, r)))
}
