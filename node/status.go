package node

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blockberries/gutsberry/store"
	"github.com/blockberries/gutsberry/types"
)

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Name            string `codec:"name"`
	ChainID         string `codec:"chain_id"`
	State           string `codec:"state"`
	Round           uint64 `codec:"round"`
	Phase           string `codec:"phase"`
	Leader          string `codec:"leader"`
	FinalizedHeight uint64 `codec:"finalized_height"`
	FinalizedID     string `codec:"finalized_id"`
	AppliedHeight   uint64 `codec:"applied_height"`
	IsValidator     bool   `codec:"is_validator"`
	Validators      int    `codec:"validators"`
	Peers           int    `codec:"peers"`
	MempoolSize     int    `codec:"mempool_size"`
	MempoolBytes    int    `codec:"mempool_bytes"`
	Evidence        int    `codec:"evidence"`
}

// BlockResponse is the body of GET /blocks/{height}.
type BlockResponse struct {
	Height       uint64   `codec:"height"`
	Round        uint64   `codec:"round"`
	ID           string   `codec:"id"`
	Parent       string   `codec:"parent"`
	Proposer     string   `codec:"proposer"`
	Timestamp    int64    `codec:"timestamp"`
	Transactions []string `codec:"transactions"`
	Signers      int      `codec:"signers"`
}

type errorResponse struct {
	Error string `codec:"error"`
}

// StatusHandler returns the router of the status endpoint:
//
//	GET /status           engine and mempool snapshot
//	GET /blocks/{height}  a finalized block
//	GET /metrics          prometheus metrics
func (n *Node) StatusHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/status", n.statusHandler).Methods(http.MethodGet)
	r.HandleFunc("/blocks/{height:[0-9]+}", n.blockHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, code int, obj interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(types.EncodeJSON(obj))
}

func (n *Node) statusHandler(w http.ResponseWriter, r *http.Request) {
	st := n.engine.Status()
	stats := n.mempool.Stats()
	writeJSON(w, http.StatusOK, StatusResponse{
		Name:            n.name,
		ChainID:         n.engine.ChainID(),
		State:           st.State.String(),
		Round:           st.Round,
		Phase:           st.Phase.String(),
		Leader:          st.Leader.String(),
		FinalizedHeight: st.FinalizedHeight,
		FinalizedID:     st.FinalizedID.String(),
		AppliedHeight:   n.engine.AppliedHeight(),
		IsValidator:     st.IsValidator,
		Validators:      st.Validators,
		Peers:           st.Peers,
		MempoolSize:     stats.Count,
		MempoolBytes:    stats.Bytes,
		Evidence:        st.Evidence,
	})
}

func (n *Node) blockHandler(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseUint(mux.Vars(r)["height"], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	fb, err := n.store.LoadBlock(height)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	h := fb.Block.Header
	resp := BlockResponse{
		Height:       h.Height,
		Round:        h.Round,
		ID:           fb.Block.ID().String(),
		Parent:       h.ParentID.String(),
		Proposer:     h.Proposer.String(),
		Timestamp:    h.Timestamp,
		Transactions: make([]string, 0, len(fb.Transactions)),
		Signers:      len(fb.Certificate.Signatures),
	}
	for _, tx := range fb.Transactions {
		resp.Transactions = append(resp.Transactions, tx.ID().String())
	}
	writeJSON(w, http.StatusOK, resp)
}
