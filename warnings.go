package vera

import "github.com/rs/zerolog"

// WarningKind names a non-fatal state condition. The operation that raises
// one always proceeds with a well-defined no-op or best-effort result.
type WarningKind string

const (
	WarnAlreadyMerged       WarningKind = "already_merged"
	WarnNotMerged           WarningKind = "not_merged"
	WarnBiasDisable         WarningKind = "bias_disable"
	WarnMergedAdapterSwitch WarningKind = "merged_adapter_switch"
	WarnFanInFanOut         WarningKind = "fan_in_fan_out_override"
	WarnProjectionNotSaved  WarningKind = "projection_not_saved"
)

// warner logs StateWarnings and counts them.
type warner struct {
	log     zerolog.Logger
	metrics *Metrics
}

// warn emits msg at warn level tagged with kind.
func (w warner) warn(kind WarningKind, msg string, fields map[string]any) {
	w.metrics.warned(kind)
	ev := w.log.Warn().Str("warning", string(kind))
	if len(fields) > 0 {
		ev = ev.Fields(fields)
	}
	ev.Msg(msg)
}
