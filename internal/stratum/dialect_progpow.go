package stratum

// progpowDialect implements Dialect for the ProgPoW (mining.subscribe /
// mining.submit / mining.notify) wire format.
type progpowDialect struct{}

func NewProgPoW() Dialect { return progpowDialect{} }

func (progpowDialect) Tag() string          { return "P" }
func (progpowDialect) TemplateAlgo() string { return "progpow" }
func (progpowDialect) SubmitMethod() string { return "pprpcsb" }

// DeriveJob implements the fatal-misconfiguration detection: a node
// missing pprpcheader entirely is too old to speak this dialect at all,
// and one offering pprpcheader without pprpcnextepoch is new enough to
// have renamed the epoch field but not new enough to carry the epoch
// rollover hint this proxy needs, so neither case is recoverable at
// runtime.
func (d progpowDialect) DeriveJob(raw map[string]interface{}) (*Job, error) {
	header, ok := rawString(raw, "pprpcheader")
	if !ok {
		return nil, &FatalConfigError{Msg: "Your VEIL wallet is either misconfigured or not up-to-date. Please check your wallet configuration and ensure it is running the latest version."}
	}
	if _, ok := raw["pprpcnextepoch"]; !ok {
		return nil, &FatalConfigError{Msg: "Update your VEIL wallet to version 1.4.0.0 or higher"}
	}

	target, _ := rawString(raw, "target")
	longpoll, _ := rawString(raw, "longpollid")
	bits, _ := rawString(raw, "bits")
	epoch, _ := rawString(raw, "pprpcepoch")
	nextEpoch, _ := rawString(raw, "pprpcnextepoch")
	height, _ := rawInt64(raw, "height")
	nextEpochHeight, _ := rawInt64(raw, "pprpcnextepochheight")

	return &Job{
		Algo:              AlgoProgPoW,
		JobID:             header,
		Height:            height,
		Target:            target,
		LongPollID:        longpoll,
		PPHeader:          header,
		Bits:              bits,
		PPEpoch:           epoch,
		PPNextEpoch:       nextEpoch,
		PPNextEpochHeight: nextEpochHeight,
	}, nil
}
