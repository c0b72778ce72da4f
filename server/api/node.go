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
	"github.com/pingcap-incubator/tinytxn/txn/catalog"
	"github.com/pingcap-incubator/tinytxn/txn/commit"
	"github.com/unrolled/render"
)

type nodeHandler struct {
	svr *server.Server
	rd  *render.Render
}

// NodeInfo is a catalog node with the state of its participant.
type NodeInfo struct {
	catalog.Node
	Crashed bool `json:"crashed"`
}

func newNodeHandler(svr *server.Server, rd *render.Render) *nodeHandler {
	return &nodeHandler{
		svr: svr,
		rd:  rd,
	}
}

func (h *nodeHandler) info(n catalog.Node) NodeInfo {
	info := NodeInfo{Node: n}
	if p, ok := h.svr.GetTransport().Participant(n.ID); ok {
		info.Crashed = p.Crashed()
	}
	return info
}

func (h *nodeHandler) List(w http.ResponseWriter, r *http.Request) {
	nodes := h.svr.GetCatalog().Nodes()
	infos := make([]NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		infos = append(infos, h.info(n))
	}
	h.rd.JSON(w, http.StatusOK, infos)
}

func (h *nodeHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := txn.NodeID(mux.Vars(r)["id"])
	n, ok := h.svr.GetCatalog().Get(id)
	if !ok {
		h.rd.JSON(w, http.StatusNotFound, "node not found")
		return
	}
	h.rd.JSON(w, http.StatusOK, h.info(n))
}

// SetCPU updates the CPU load used by admission control.
func (h *nodeHandler) SetCPU(w http.ResponseWriter, r *http.Request) {
	id := txn.NodeID(mux.Vars(r)["id"])
	var input map[string]interface{}
	if err := readJSONRespondError(h.rd, w, r.Body, &input); err != nil {
		return
	}
	cpu, ok := input["cpu"].(float64)
	if !ok || cpu < 0 || cpu > 100 {
		h.rd.JSON(w, http.StatusBadRequest, "invalid cpu value")
		return
	}
	if err := h.svr.GetCatalog().SetCPU(id, int(cpu)); err != nil {
		h.rd.JSON(w, http.StatusNotFound, err.Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, nil)
}

func (h *nodeHandler) participant(w http.ResponseWriter, r *http.Request) (*commit.Participant, bool) {
	id := txn.NodeID(mux.Vars(r)["id"])
	p, ok := h.svr.GetTransport().Participant(id)
	if !ok {
		h.rd.JSON(w, http.StatusNotFound, "participant not found")
	}
	return p, ok
}

func (h *nodeHandler) Crash(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.participant(w, r); ok {
		p.Crash()
		h.rd.JSON(w, http.StatusOK, nil)
	}
}

func (h *nodeHandler) Restart(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.participant(w, r); ok {
		p.Restart()
		h.rd.JSON(w, http.StatusOK, nil)
	}
}

// Partition cuts the node off the transport, or heals it with {"on": false}.
func (h *nodeHandler) Partition(w http.ResponseWriter, r *http.Request) {
	p, ok := h.participant(w, r)
	if !ok {
		return
	}
	input := struct {
		On *bool `json:"on"`
	}{}
	if err := readJSONRespondError(h.rd, w, r.Body, &input); err != nil {
		return
	}
	if input.On == nil {
		h.rd.JSON(w, http.StatusBadRequest, "missing field on")
		return
	}
	h.svr.GetTransport().Partition(p.ID(), *input.On)
	h.rd.JSON(w, http.StatusOK, nil)
}
