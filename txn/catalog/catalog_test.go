package catalog

import (
	"testing"
	"time"

	"github.com/pingcap-incubator/tinytxn/txn"
	"github.com/pingcap-incubator/tinytxn/txn/commit"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var autoSelector = Selector{Mode: ModeAuto, Percentile: 90, Threshold: 15 * time.Millisecond}

func TestDefaultNodes(t *testing.T) {
	c := New(DefaultNodes())
	nodes := c.Nodes()
	require.Len(t, nodes, 5)
	assert.Equal(t, txn.NodeID("Cloud1"), nodes[0].ID)
	cloud, ok := c.Get("Cloud1")
	require.True(t, ok)
	assert.Equal(t, 20*time.Millisecond, cloud.Latency)
	assert.Equal(t, 300, cloud.TPS)
}

func TestSelectProtocol(t *testing.T) {
	c := New(DefaultNodes())
	cases := []struct {
		participants []txn.NodeID
		want         commit.Protocol
	}{
		{[]txn.NodeID{"Core1", "Core2"}, commit.TwoPhase},
		{[]txn.NodeID{"Core1"}, commit.TwoPhase},
		{[]txn.NodeID{"Cloud1"}, commit.ThreePhase},
		{[]txn.NodeID{"Edge1", "Cloud1"}, commit.ThreePhase},
		{[]txn.NodeID{"Unknown"}, commit.TwoPhase},
		{nil, commit.TwoPhase},
	}
	for _, tc := range cases {
		got, err := c.Select(autoSelector, tc.participants)
		require.Nil(t, err)
		assert.Equal(t, tc.want, got, "%v", tc.participants)
	}

	got, err := c.Select(Selector{Mode: ModeThreePhase}, []txn.NodeID{"Core1"})
	require.Nil(t, err)
	assert.Equal(t, commit.ThreePhase, got)
	got, err = c.Select(Selector{Mode: ModeTwoPhase}, []txn.NodeID{"Cloud1"})
	require.Nil(t, err)
	assert.Equal(t, commit.TwoPhase, got)
	_, err = c.Select(Selector{Mode: "4pc"}, nil)
	assert.NotNil(t, err)
}

func TestSelectAvailabilityCritical(t *testing.T) {
	c := New(DefaultNodes())
	core, _ := c.Get("Core1")
	core.AvailabilityCritical = true
	c.Put(core)
	got, err := c.Select(autoSelector, []txn.NodeID{"Core1", "Core2"})
	require.Nil(t, err)
	assert.Equal(t, commit.ThreePhase, got)
}

func TestAdmit(t *testing.T) {
	c := New(DefaultNodes())
	limits := Admission{MaxCPUPercent: 95, MaxWaiting: 100}
	assert.Nil(t, c.Admit("Core1", 0, limits))
	assert.Nil(t, c.Admit("Nowhere", 1000, limits))

	err := c.Admit("Core1", 100, limits)
	overloaded, ok := errors.Cause(err).(*txn.ErrNodeOverloaded)
	require.True(t, ok)
	assert.Equal(t, 100, overloaded.Waiting)
	assert.True(t, txn.IsRetryable(err))

	require.Nil(t, c.SetCPU("Core1", 95))
	assert.NotNil(t, c.Admit("Core1", 0, limits))
	assert.NotNil(t, c.SetCPU("Nowhere", 10))
}
