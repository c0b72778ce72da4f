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
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"

	"github.com/pingcap-incubator/tinytxn/txn"
	"github.com/pkg/errors"
	"github.com/unrolled/render"
)

func readJSON(r io.ReadCloser, data interface{}) error {
	defer r.Close()

	b, err := ioutil.ReadAll(r)
	if err != nil {
		return errors.WithStack(err)
	}
	err = json.Unmarshal(b, data)
	if err != nil {
		return errors.WithStack(err)
	}

	return nil
}

// readJSONRespondError reads the body into data and answers 400 on failure.
func readJSONRespondError(rd *render.Render, w http.ResponseWriter, body io.ReadCloser, data interface{}) error {
	err := readJSON(body, data)
	if err == nil {
		return nil
	}
	rd.JSON(w, http.StatusBadRequest, errors.Cause(err).Error())
	return err
}

// errorStatus maps an error to the status code it is reported with.
func errorStatus(err error) int {
	cause := errors.Cause(err)
	if cause == txn.ErrTxnCommitted {
		return http.StatusConflict
	}
	switch cause.(type) {
	case *txn.ErrTxnNotFound:
		return http.StatusNotFound
	case *txn.ErrInvalidResourceRequest:
		return http.StatusBadRequest
	case *txn.ErrNodeOverloaded:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
