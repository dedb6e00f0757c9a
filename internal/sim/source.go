package sim

import (
	"stairwatch/internal/replay"
)

// NewSource plays scn through the replay machinery so simulated and recorded
// runs share pacing and timestamping.
func NewSource(scn *Scenario, cfg replay.SourceConfig) (*replay.Source, error) {
	return replay.NewSourceFromRecords(cfg, Records(scn))
}

// Records converts the generated readings to sample log records.
func Records(scn *Scenario) []replay.Record {
	offs := scn.Readings()
	recs := make([]replay.Record, 0, len(offs)+1)
	recs = append(recs, replay.Record{Start: true})
	for _, o := range offs {
		recs = append(recs, replay.Record{At: o.At, Kind: o.Kind, Vec: o.Vec})
	}
	return recs
}
