package status

import (
	"net/http"
	"time"

	"github.com/pingcap-incubator/seqkv/kv/directory"
	"github.com/pingcap-incubator/seqkv/kv/sequencer"
	"github.com/pingcap-incubator/seqkv/kv/server"
	"github.com/pingcap-incubator/seqkv/kv/transaction/holdback"
	"github.com/pingcap-incubator/seqkv/kv/wire"
	"github.com/unrolled/render"
)

type holdbackHandler struct {
	svr *server.Server
	rd  *render.Render
}

// HoldbackInfo describes the holdback queue of a replica. A request that keeps waiting while the
// cursor does not move points at a lost order assignment.
type HoldbackInfo struct {
	Addr      string             `json:"addr"`
	OrderAddr string             `json:"order_addr"`
	Cursor    uint64             `json:"cursor"`
	Blocked   int                `json:"blocked"`
	Pending   []holdback.Pending `json:"pending"`
	// OldestWait is how long the longest waiting request has been held, in seconds.
	OldestWait float64 `json:"oldest_wait_seconds"`
}

func newHoldbackHandler(svr *server.Server, rd *render.Render) *holdbackHandler {
	return &holdbackHandler{
		svr: svr,
		rd:  rd,
	}
}

func (h *holdbackHandler) Get(w http.ResponseWriter, r *http.Request) {
	q := h.svr.Holdback()
	info := &HoldbackInfo{
		Addr:      h.svr.Addr(),
		OrderAddr: h.svr.OrderAddr(),
		Cursor:    q.Cursor(),
		Blocked:   q.Blocked(),
		Pending:   q.Pending(),
	}
	now := time.Now()
	for _, p := range info.Pending {
		if !p.Waiting {
			continue
		}
		if wait := now.Sub(p.WaitingSince).Seconds(); wait > info.OldestWait {
			info.OldestWait = wait
		}
	}
	h.rd.JSON(w, http.StatusOK, info)
}

type sequenceHandler struct {
	seq *sequencer.Sequencer
	rd  *render.Render
}

type SequenceInfo struct {
	Addr string `json:"addr"`
	Next uint64 `json:"next"`
}

func newSequenceHandler(seq *sequencer.Sequencer, rd *render.Render) *sequenceHandler {
	return &sequenceHandler{
		seq: seq,
		rd:  rd,
	}
}

func (h *sequenceHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.rd.JSON(w, http.StatusOK, &SequenceInfo{Addr: h.seq.Addr(), Next: h.seq.Next()})
}

type membersHandler struct {
	dir *directory.Server
	rd  *render.Render
}

func newMembersHandler(dir *directory.Server, rd *render.Render) *membersHandler {
	return &membersHandler{
		dir: dir,
		rd:  rd,
	}
}

func (h *membersHandler) Get(w http.ResponseWriter, r *http.Request) {
	records := h.dir.Records()
	if records == nil {
		records = []wire.Record{}
	}
	h.rd.JSON(w, http.StatusOK, records)
}
