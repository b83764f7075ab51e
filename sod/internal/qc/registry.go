package qc

import (
	"fmt"

	"github.com/seis-sod/sod-stack/sod/internal/config"
)

// Build creates the chain listed in cfg.Checks, in order. store backs the
// duplicate_window check; nil selects an in-memory store.
func Build(cfg config.QCConfig, store WindowStore) (*Chain, error) {
	seen := make(map[string]bool, len(cfg.Checks))
	checks := make([]Check, 0, len(cfg.Checks))
	for _, name := range cfg.Checks {
		if seen[name] {
			return nil, fmt.Errorf("qc check %q listed twice", name)
		}
		seen[name] = true

		switch name {
		case CheckGap:
			checks = append(checks, GapCheck{ToleranceSamples: cfg.Gap.ToleranceSamples})
		case CheckAmplitude:
			checks = append(checks, AmplitudeCheck{Min: cfg.Amplitude.Min, Max: cfg.Amplitude.Max})
		case CheckSampleRate:
			checks = append(checks, SampleRateCheck{Tolerance: cfg.SampleRate.Tolerance})
		case CheckDuplicateWindow:
			if store == nil {
				store = NewMemoryWindowStore(cfg.Duplicate.TTL)
			}
			checks = append(checks, DuplicateWindowCheck{Store: store})
		case CheckRMS:
			checks = append(checks, RMSCheck{Max: cfg.RMS.Max})
		default:
			return nil, fmt.Errorf("unknown qc check %q", name)
		}
	}
	return NewChain(cfg.Strict, checks...), nil
}
