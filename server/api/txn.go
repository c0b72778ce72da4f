// Copyright 2018 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pingcap-incubator/tinytxn/server"
	"github.com/pingcap-incubator/tinytxn/txn"
	"github.com/pingcap-incubator/tinytxn/txn/manager"
	"github.com/unrolled/render"
)

type txnHandler struct {
	svr *server.Server
	rd  *render.Render
}

func newTxnHandler(svr *server.Server, rd *render.Render) *txnHandler {
	return &txnHandler{
		svr: svr,
		rd:  rd,
	}
}

func (h *txnHandler) List(w http.ResponseWriter, r *http.Request) {
	txns := h.svr.GetManager().Transactions()
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := txns[:0]
		for _, t := range txns {
			if t.State.String() == state {
				filtered = append(filtered, t)
			}
		}
		txns = filtered
	}
	h.rd.JSON(w, http.StatusOK, txns)
}

func (h *txnHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := txn.TxnID(mux.Vars(r)["id"])
	t, ok := h.svr.GetManager().Get(id)
	if !ok {
		h.rd.JSON(w, http.StatusNotFound, (&txn.ErrTxnNotFound{Txn: id}).Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, t)
}

// Post runs a transaction to its end and answers with its outcome. Aborts
// are reported in the outcome; only rejected requests get an error status.
func (h *txnHandler) Post(w http.ResponseWriter, r *http.Request) {
	var req manager.BeginRequest
	if err := readJSONRespondError(h.rd, w, r.Body, &req); err != nil {
		return
	}
	out, err := h.svr.GetManager().Execute(r.Context(), req)
	status := http.StatusOK
	if err != nil {
		if s := errorStatus(err); s != http.StatusInternalServerError {
			status = s
		}
	}
	h.rd.JSON(w, status, out)
}

func (h *txnHandler) Abort(w http.ResponseWriter, r *http.Request) {
	id := txn.TxnID(mux.Vars(r)["id"])
	if err := h.svr.GetManager().Abort(id, nil); err != nil {
		h.rd.JSON(w, errorStatus(err), err.Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, nil)
}

func (h *txnHandler) Recover(w http.ResponseWriter, r *http.Request) {
	id := txn.TxnID(mux.Vars(r)["id"])
	out, err := h.svr.GetManager().Recover(r.Context(), id)
	if err != nil {
		h.rd.JSON(w, errorStatus(err), err.Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, out)
}

func (h *txnHandler) InDoubt(w http.ResponseWriter, r *http.Request) {
	h.rd.JSON(w, http.StatusOK, h.svr.GetManager().InDoubt())
}

func (h *txnHandler) Pending(w http.ResponseWriter, r *http.Request) {
	h.rd.JSON(w, http.StatusOK, h.svr.GetManager().Pending())
}

func (h *txnHandler) Outcomes(w http.ResponseWriter, r *http.Request) {
	h.rd.JSON(w, http.StatusOK, h.svr.RecentOutcomes())
}
