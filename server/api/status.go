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
	"time"

	"github.com/pingcap-incubator/tinytxn/server"
	"github.com/pingcap-incubator/tinytxn/txn"
	"github.com/unrolled/render"
)

type statusHandler struct {
	svr *server.Server
	rd  *render.Render
}

// Status is a summary of the server state.
type Status struct {
	Name           string            `json:"name"`
	Version        string            `json:"version"`
	GitHash        string            `json:"git_hash"`
	StartTimestamp int64             `json:"start_timestamp"`
	Policy         string            `json:"policy"`
	Transactions   map[txn.State]int `json:"transactions"`
	Locks          int               `json:"locks"`
	Deadlocks      int               `json:"deadlocks"`
	InDoubt        []txn.TxnID       `json:"in_doubt"`
	Pending        []txn.TxnID       `json:"pending"`
}

func newStatusHandler(svr *server.Server, rd *render.Render) *statusHandler {
	return &statusHandler{
		svr: svr,
		rd:  rd,
	}
}

func (h *statusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m := h.svr.GetManager()
	counts := make(map[txn.State]int)
	for _, t := range m.Transactions() {
		counts[t.State]++
	}
	var start int64
	if !h.svr.StartTime().Equal(time.Time{}) {
		start = h.svr.StartTime().Unix()
	}
	h.rd.JSON(w, http.StatusOK, Status{
		Name:           h.svr.Name(),
		Version:        server.ReleaseVersion,
		GitHash:        server.GitHash,
		StartTimestamp: start,
		Policy:         m.Policy().String(),
		Transactions:   counts,
		Locks:          len(m.Locks()),
		Deadlocks:      len(m.Reports()),
		InDoubt:        m.InDoubt(),
		Pending:        m.Pending(),
	})
}
