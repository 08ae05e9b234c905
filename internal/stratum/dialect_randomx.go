package stratum

import (
	"crypto/sha256"
	"encoding/hex"
)

// randomxDialect implements Dialect for the RandomX (login / submit / job)
// wire format.
type randomxDialect struct{}

func NewRandomX() Dialect { return randomxDialect{} }

func (randomxDialect) Tag() string          { return "R" }
func (randomxDialect) TemplateAlgo() string { return "randomx" }
func (randomxDialect) SubmitMethod() string { return "rxrpcsb" }

// DeriveJob derives job_id as the lowercase hex SHA-256 digest of the
// rxrpcheader field's ASCII bytes. Unlike the ProgPoW dialect, an absent
// rxrpcheader is not treated as a fatal misconfiguration here; it simply
// yields a decode error and the long-poll loop retries on its normal
// transient-error schedule.
func (d randomxDialect) DeriveJob(raw map[string]interface{}) (*Job, error) {
	header, ok := rawString(raw, "rxrpcheader")
	if !ok {
		return nil, missingFieldErr("randomx", "rxrpcheader")
	}

	sum := sha256.Sum256([]byte(header))
	jobID := hex.EncodeToString(sum[:])

	target, _ := rawString(raw, "target")
	longpoll, _ := rawString(raw, "longpollid")
	seed, _ := rawString(raw, "rxrpcseed")
	height, _ := rawInt64(raw, "height")

	return &Job{
		Algo:       AlgoRandomX,
		JobID:      jobID,
		Height:     height,
		Target:     target,
		LongPollID: longpoll,
		RXHeader:   header,
		RXSeed:     seed,
	}, nil
}
