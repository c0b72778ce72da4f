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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/render"
)

const pingAPI = "/ping"

// NewHandler returns the status and admin API of svr.
func NewHandler(svr *server.Server) http.Handler {
	return createRouter("", svr)
}

func createRouter(prefix string, svr *server.Server) *mux.Router {
	rd := render.New(render.Options{
		IndentJSON: true,
	})

	router := mux.NewRouter().PathPrefix(prefix).Subrouter()

	router.Handle("/status", newStatusHandler(svr, rd)).Methods("GET")
	router.Handle("/api/v1/status", newStatusHandler(svr, rd)).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	txnHandler := newTxnHandler(svr, rd)
	router.HandleFunc("/api/v1/txns", txnHandler.List).Methods("GET")
	router.HandleFunc("/api/v1/txns", txnHandler.Post).Methods("POST")
	router.HandleFunc("/api/v1/txns/in-doubt", txnHandler.InDoubt).Methods("GET")
	router.HandleFunc("/api/v1/txns/pending", txnHandler.Pending).Methods("GET")
	router.HandleFunc("/api/v1/txns/{id}", txnHandler.Get).Methods("GET")
	router.HandleFunc("/api/v1/txns/{id}", txnHandler.Abort).Methods("DELETE")
	router.HandleFunc("/api/v1/txns/{id}/recover", txnHandler.Recover).Methods("POST")
	router.HandleFunc("/api/v1/outcomes", txnHandler.Outcomes).Methods("GET")

	lockHandler := newLockHandler(svr, rd)
	router.HandleFunc("/api/v1/locks", lockHandler.List).Methods("GET")
	router.HandleFunc("/api/v1/deadlocks", lockHandler.Reports).Methods("GET")
	router.HandleFunc("/api/v1/deadlocks/detect", lockHandler.Detect).Methods("POST")

	nodeHandler := newNodeHandler(svr, rd)
	router.HandleFunc("/api/v1/nodes", nodeHandler.List).Methods("GET")
	router.HandleFunc("/api/v1/nodes/{id}", nodeHandler.Get).Methods("GET")
	router.HandleFunc("/api/v1/nodes/{id}/cpu", nodeHandler.SetCPU).Methods("POST")
	router.HandleFunc("/api/v1/nodes/{id}/crash", nodeHandler.Crash).Methods("POST")
	router.HandleFunc("/api/v1/nodes/{id}/restart", nodeHandler.Restart).Methods("POST")
	router.HandleFunc("/api/v1/nodes/{id}/partition", nodeHandler.Partition).Methods("POST")

	confHandler := newConfHandler(svr, rd)
	router.HandleFunc("/api/v1/config", confHandler.Get).Methods("GET")

	logHandler := newLogHandler(svr, rd)
	router.HandleFunc("/api/v1/log", logHandler.Handle).Methods("POST")

	router.HandleFunc(pingAPI, func(w http.ResponseWriter, r *http.Request) {}).Methods("GET")

	return router
}
