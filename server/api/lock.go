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

	"github.com/pingcap-incubator/tinytxn/server"
	"github.com/unrolled/render"
)

type lockHandler struct {
	svr *server.Server
	rd  *render.Render
}

func newLockHandler(svr *server.Server, rd *render.Render) *lockHandler {
	return &lockHandler{
		svr: svr,
		rd:  rd,
	}
}

func (h *lockHandler) List(w http.ResponseWriter, r *http.Request) {
	h.rd.JSON(w, http.StatusOK, h.svr.GetManager().Locks())
}

func (h *lockHandler) Reports(w http.ResponseWriter, r *http.Request) {
	h.rd.JSON(w, http.StatusOK, h.svr.GetManager().Reports())
}

// Detect runs a detection pass now and returns what it resolved.
func (h *lockHandler) Detect(w http.ResponseWriter, r *http.Request) {
	h.rd.JSON(w, http.StatusOK, h.svr.GetManager().Detect())
}
