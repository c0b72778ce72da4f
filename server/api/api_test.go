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
	"bytes"
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinytxn/server"
	"github.com/pingcap-incubator/tinytxn/server/config"
	. "github.com/pingcap/check"
)

func TestAPI(t *testing.T) {
	TestingT(t)
}

var dialClient = &http.Client{
	Transport: &http.Transport{
		DisableKeepAlives: true,
	},
}

type outcome struct {
	Txn      string `json:"txn"`
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
	Retry    bool   `json:"retry"`
}

type record struct {
	ID    string   `json:"id"`
	State string   `json:"state"`
	Held  []string `json:"held"`
}

var _ = Suite(&testAPISuite{})

type testAPISuite struct {
	svr       *server.Server
	cancel    context.CancelFunc
	urlPrefix string
}

func (s *testAPISuite) SetUpSuite(c *C) {
	cfg := config.NewTestConfig()
	svr, err := server.CreateServer(cfg)
	c.Assert(err, IsNil)
	ctx, cancel := context.WithCancel(context.Background())
	c.Assert(svr.Run(ctx, NewHandler(svr)), IsNil)
	s.svr, s.cancel = svr, cancel
	s.urlPrefix = "http://" + svr.GetAddr()
}

func (s *testAPISuite) TearDownSuite(c *C) {
	s.svr.Close()
	s.cancel()
	c.Assert(s.svr.IsClosed(), IsTrue)
}

func (s *testAPISuite) post(c *C, path string, body interface{}) (int, []byte) {
	data, err := json.Marshal(body)
	c.Assert(err, IsNil)
	resp, err := dialClient.Post(s.urlPrefix+path, "application/json", bytes.NewBuffer(data))
	c.Assert(err, IsNil)
	defer resp.Body.Close()
	res, err := ioutil.ReadAll(resp.Body)
	c.Assert(err, IsNil)
	return resp.StatusCode, res
}

func (s *testAPISuite) get(c *C, path string, data interface{}) int {
	resp, err := dialClient.Get(s.urlPrefix + path)
	c.Assert(err, IsNil)
	if data != nil && resp.StatusCode == http.StatusOK {
		c.Assert(readJSON(resp.Body, data), IsNil)
	} else {
		resp.Body.Close()
	}
	return resp.StatusCode
}

func (s *testAPISuite) execute(c *C, body map[string]interface{}) (int, outcome) {
	code, res := s.post(c, "/api/v1/txns", body)
	var out outcome
	c.Assert(json.Unmarshal(res, &out), IsNil, Commentf("%s", res))
	return code, out
}

func (s *testAPISuite) TestPing(c *C) {
	c.Assert(s.get(c, pingAPI, nil), Equals, http.StatusOK)
}

func (s *testAPISuite) TestStatus(c *C) {
	var status map[string]interface{}
	c.Assert(s.get(c, "/status", &status), Equals, http.StatusOK)
	c.Assert(status["name"], Equals, "tinytxn-test")
	c.Assert(status["policy"], Equals, "detect")
}

func (s *testAPISuite) TestExecuteAndGet(c *C) {
	code, out := s.execute(c, map[string]interface{}{
		"id":           "api-commit",
		"owner":        "Core1",
		"resources":    []string{"api-r1", "api-r2"},
		"participants": []string{"Core1", "Core2"},
	})
	c.Assert(code, Equals, http.StatusOK)
	c.Assert(out.Decision, Equals, "COMMITTED")

	var rec record
	c.Assert(s.get(c, "/api/v1/txns/api-commit", &rec), Equals, http.StatusOK)
	c.Assert(rec.State, Equals, "COMMITTED")
	c.Assert(rec.Held, HasLen, 0)

	var committed []record
	c.Assert(s.get(c, "/api/v1/txns?state=COMMITTED", &committed), Equals, http.StatusOK)
	found := false
	for _, r := range committed {
		c.Assert(r.State, Equals, "COMMITTED")
		found = found || r.ID == "api-commit"
	}
	c.Assert(found, IsTrue)

	var locks []interface{}
	c.Assert(s.get(c, "/api/v1/locks", &locks), Equals, http.StatusOK)
	for _, l := range locks {
		c.Assert(strings.HasPrefix(l.(map[string]interface{})["resource"].(string), "api-r"), IsFalse)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		var outs []outcome
		c.Assert(s.get(c, "/api/v1/outcomes", &outs), Equals, http.StatusOK)
		seen := false
		for _, o := range outs {
			seen = seen || o.Txn == "api-commit"
		}
		if seen {
			break
		}
		c.Assert(time.Now().Before(deadline), IsTrue)
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *testAPISuite) TestExecuteRejected(c *C) {
	code, out := s.execute(c, map[string]interface{}{
		"owner":     "Core1",
		"resources": []string{""},
	})
	c.Assert(code, Equals, http.StatusBadRequest)
	c.Assert(out.Decision, Equals, "ABORTED")

	code, _ = s.post(c, "/api/v1/txns", "not an object")
	c.Assert(code, Equals, http.StatusBadRequest)

	c.Assert(s.get(c, "/api/v1/txns/unknown", nil), Equals, http.StatusNotFound)
}

func (s *testAPISuite) TestAdmission(c *C) {
	code, _ := s.post(c, "/api/v1/nodes/Edge1/cpu", map[string]interface{}{"cpu": 99})
	c.Assert(code, Equals, http.StatusOK)
	defer s.post(c, "/api/v1/nodes/Edge1/cpu", map[string]interface{}{"cpu": 45})

	code, out := s.execute(c, map[string]interface{}{
		"owner":     "Edge1",
		"resources": []string{"api-admission"},
	})
	c.Assert(code, Equals, http.StatusServiceUnavailable)
	c.Assert(out.Retry, IsTrue)

	code, _ = s.post(c, "/api/v1/nodes/Edge1/cpu", map[string]interface{}{"cpu": 200})
	c.Assert(code, Equals, http.StatusBadRequest)
	code, _ = s.post(c, "/api/v1/nodes/Nowhere/cpu", map[string]interface{}{"cpu": 10})
	c.Assert(code, Equals, http.StatusNotFound)
}

func (s *testAPISuite) TestCrashedParticipant(c *C) {
	code, _ := s.post(c, "/api/v1/nodes/Edge2/crash", nil)
	c.Assert(code, Equals, http.StatusOK)

	var node map[string]interface{}
	c.Assert(s.get(c, "/api/v1/nodes/Edge2", &node), Equals, http.StatusOK)
	c.Assert(node["crashed"], Equals, true)

	code, out := s.execute(c, map[string]interface{}{
		"owner":        "Core2",
		"resources":    []string{"api-crash"},
		"participants": []string{"Core2", "Edge2"},
	})
	c.Assert(code, Equals, http.StatusOK)
	c.Assert(out.Decision, Equals, "ABORTED")

	code, _ = s.post(c, "/api/v1/nodes/Edge2/restart", nil)
	c.Assert(code, Equals, http.StatusOK)
	code, out = s.execute(c, map[string]interface{}{
		"owner":        "Core2",
		"resources":    []string{"api-crash"},
		"participants": []string{"Core2", "Edge2"},
	})
	c.Assert(code, Equals, http.StatusOK)
	c.Assert(out.Decision, Equals, "COMMITTED")

	code, _ = s.post(c, "/api/v1/nodes/Nowhere/crash", nil)
	c.Assert(code, Equals, http.StatusNotFound)
	code, _ = s.post(c, "/api/v1/nodes/Edge2/partition", map[string]interface{}{})
	c.Assert(code, Equals, http.StatusBadRequest)
}

func (s *testAPISuite) TestAbortAndRecover(c *C) {
	resp, err := http.NewRequest("DELETE", s.urlPrefix+"/api/v1/txns/unknown", nil)
	c.Assert(err, IsNil)
	res, err := dialClient.Do(resp)
	c.Assert(err, IsNil)
	res.Body.Close()
	c.Assert(res.StatusCode, Equals, http.StatusNotFound)

	code, _ := s.post(c, "/api/v1/txns/unknown/recover", nil)
	c.Assert(code, Equals, http.StatusNotFound)

	var inDoubt []string
	c.Assert(s.get(c, "/api/v1/txns/in-doubt", &inDoubt), Equals, http.StatusOK)
	c.Assert(inDoubt, HasLen, 0)
	var pending []string
	c.Assert(s.get(c, "/api/v1/txns/pending", &pending), Equals, http.StatusOK)
	c.Assert(pending, HasLen, 0)
}

func (s *testAPISuite) TestDeadlocks(c *C) {
	var reports []interface{}
	c.Assert(s.get(c, "/api/v1/deadlocks", &reports), Equals, http.StatusOK)
	code, _ := s.post(c, "/api/v1/deadlocks/detect", nil)
	c.Assert(code, Equals, http.StatusOK)
}

func (s *testAPISuite) TestLogLevel(c *C) {
	code, _ := s.post(c, "/api/v1/log", "warn")
	c.Assert(code, Equals, http.StatusOK)
	c.Assert(s.svr.GetConfig().Log.Level, Equals, "warn")
	code, _ = s.post(c, "/api/v1/log", "loud")
	c.Assert(code, Equals, http.StatusBadRequest)
	code, _ = s.post(c, "/api/v1/log", "info")
	c.Assert(code, Equals, http.StatusOK)
}

func (s *testAPISuite) TestMetrics(c *C) {
	resp, err := dialClient.Get(s.urlPrefix + "/metrics")
	c.Assert(err, IsNil)
	defer resp.Body.Close()
	c.Assert(resp.StatusCode, Equals, http.StatusOK)
	body, err := ioutil.ReadAll(resp.Body)
	c.Assert(err, IsNil)
	c.Assert(strings.Contains(string(body), "tinytxn_"), IsTrue)
}

func (s *testAPISuite) TestConfig(c *C) {
	var cfg map[string]interface{}
	c.Assert(s.get(c, "/api/v1/config", &cfg), Equals, http.StatusOK)
	c.Assert(cfg["name"], Equals, "tinytxn-test")
}
