package tapdisk

import "time"

// Stats snapshots reported through the control plane. Everything is a
// plain value so callers can marshal them however they like.

// ImageStats is the per-chain-layer datapath accounting, in sectors.
type ImageStats struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Driver string `json:"driver"`
	HitsRd uint64 `json:"hits_rd"`
	HitsWr uint64 `json:"hits_wr"`
	FailRd uint64 `json:"fail_rd"`
	FailWr uint64 `json:"fail_wr"`
	Extra  any    `json:"extra,omitempty"`
}

// VBDStats is the per-device snapshot.
type VBDStats struct {
	UUID     uint16       `json:"uuid"`
	Name     string       `json:"name"`
	Type     string       `json:"type"`
	Storage  string       `json:"storage"`
	State    uint16       `json:"state"`
	Size     uint64       `json:"size"`
	Rdonly   bool         `json:"rdonly"`
	Images   []ImageStats `json:"images"`

	New       int `json:"reqs_new"`
	Pending   int `json:"reqs_pending"`
	Failed    int `json:"reqs_failed"`
	Completed int `json:"reqs_completed"`

	Received    uint64 `json:"received"`
	Returned    uint64 `json:"returned"`
	Kicked      uint64 `json:"kicked"`
	Errors      uint64 `json:"errors"`
	Retries     uint64 `json:"retries"`
	SecsRd      uint64 `json:"secs_rd"`
	SecsWr      uint64 `json:"secs_wr"`
	SecsPending uint64 `json:"secs_pending"`

	Idle time.Duration `json:"idle_ns"`
}

// Stats snapshots the VBD.
func (vbd *VBD) Stats() VBDStats {
	st := VBDStats{
		UUID:     vbd.UUID,
		Name:     vbd.Name,
		Type:     TypeName(vbd.Type),
		State:    uint16(vbd.state),
		Rdonly:   vbd.Rdonly(),

		New:       len(vbd.newReqs),
		Pending:   len(vbd.pendingReqs),
		Failed:    len(vbd.failedReqs),
		Completed: len(vbd.completedReqs),

		Received:    vbd.received,
		Returned:    vbd.returned,
		Kicked:      vbd.kicked,
		Errors:      vbd.errors,
		Retries:     vbd.retries,
		SecsRd:      vbd.secs[0],
		SecsWr:      vbd.secs[1],
		SecsPending: vbd.secsPending,

		Idle: time.Since(vbd.ts),
	}

	if len(vbd.images) > 0 {
		st.Size = vbd.images[0].Info.Size
		st.Storage = vbd.images[0].driver.Storage.String()
	}

	for _, img := range vbd.images {
		is := ImageStats{
			Name:   img.Name,
			Type:   TypeName(img.Type),
			Driver: TypeName(img.driver.Type),
			HitsRd: img.hits[0],
			HitsWr: img.hits[1],
			FailRd: img.fail[0],
			FailWr: img.fail[1],
		}
		if sd, ok := img.driver.ops.(StatsDriver); ok {
			is.Extra = sd.Stats()
		}
		st.Images = append(st.Images, is)
	}
	return st
}
