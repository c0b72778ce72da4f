package manager

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinytxn/txn"
	"github.com/pingcap-incubator/tinytxn/txn/arbiter"
	"github.com/pingcap-incubator/tinytxn/txn/catalog"
	"github.com/pingcap-incubator/tinytxn/txn/commit"
	"github.com/pingcap-incubator/tinytxn/txn/deadlock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(policy arbiter.Policy) Config {
	return Config{
		Policy:          policy,
		WaitTimeout:     50 * time.Millisecond,
		ReportHistory:   16,
		RecordRetention: time.Minute,
		Shards:          4,
		DefaultPriority: 1,
		Admission:       catalog.Admission{MaxCPUPercent: 95, MaxWaiting: 100},
		Selector:        catalog.Selector{Mode: catalog.ModeAuto, Percentile: 90, Threshold: 15 * time.Millisecond},
		Commit: commit.Config{
			PhaseTimeout:    100 * time.Millisecond,
			DecisionRetries: 1,
			RetryInterval:   5 * time.Millisecond,
		},
	}
}

type testEnv struct {
	m         *Manager
	catalog   *catalog.Catalog
	transport *commit.LocalTransport
}

func newTestEnv(cfg Config) *testEnv {
	cat := catalog.New(catalog.DefaultNodes())
	tr := commit.NewLocalTransport()
	for _, n := range cat.Nodes() {
		tr.Register(commit.NewParticipant(n.ID, 300*time.Millisecond, nil), 0)
	}
	return &testEnv{m: New(cfg, cat, tr), catalog: cat, transport: tr}
}

func (e *testEnv) begin(t *testing.T, id txn.TxnID, ts uint64, priority int, resources ...txn.ResourceID) {
	_, err := e.m.Begin(BeginRequest{ID: id, Owner: "Core1", Timestamp: ts, Priority: priority, Resources: resources})
	require.Nil(t, err)
}

func (e *testEnv) acquireAsync(id txn.TxnID, r txn.ResourceID) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- e.m.Acquire(context.Background(), id, r) }()
	return ch
}

func (e *testEnv) waitState(t *testing.T, id txn.TxnID, want txn.State) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tx, ok := e.m.Get(id); ok && tx.State == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	tx, _ := e.m.Get(id)
	require.Equal(t, want, tx.State, "txn %s", id)
}

func recv(t *testing.T, ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		require.FailNow(t, "acquire did not return")
	}
	return nil
}

func TestScenarioDeadlock(t *testing.T) {
	e := newTestEnv(testConfig(arbiter.PolicyDetect))
	ids := []txn.TxnID{"T1", "T2", "T3", "T4"}
	res := []txn.ResourceID{"R1", "R2", "R3", "R4"}
	for i, id := range ids {
		e.begin(t, id, uint64(1000+10*i), 5-i, res[i], res[(i+1)%4])
		require.Nil(t, e.m.Acquire(context.Background(), id, res[i]))
	}
	waits := make([]<-chan error, 4)
	for i, id := range ids {
		waits[i] = e.acquireAsync(id, res[(i+1)%4])
		e.waitState(t, id, txn.StateWaiting)
	}

	reports := e.m.Detect()
	require.Len(t, reports, 1)
	assert.Equal(t, []txn.TxnID{"T1", "T2", "T3", "T4", "T1"}, reports[0].Cycle)
	assert.Equal(t, txn.TxnID("T4"), reports[0].Victim)

	err := recv(t, waits[3])
	dl, ok := errors.Cause(err).(*txn.ErrDeadlock)
	require.True(t, ok, "%v", err)
	assert.Equal(t, txn.TxnID("T4"), dl.Victim)
	require.Nil(t, recv(t, waits[2]))

	t3, _ := e.m.Get("T3")
	assert.Equal(t, txn.StateActive, t3.State)
	assert.Equal(t, []txn.ResourceID{"R3", "R4"}, t3.Held)
	t4, _ := e.m.Get("T4")
	assert.Equal(t, txn.StateAborted, t4.State)
	assert.Len(t, t4.Held, 0)
	assert.Len(t, e.m.Detect(), 0)

	// Draining the chain commits the survivors in order.
	out, err := e.m.Commit(context.Background(), "T3")
	require.Nil(t, err)
	assert.Equal(t, txn.DecisionCommitted, out.Decision)
	require.Nil(t, recv(t, waits[1]))
	_, err = e.m.Commit(context.Background(), "T2")
	require.Nil(t, err)
	require.Nil(t, recv(t, waits[0]))
	_, err = e.m.Commit(context.Background(), "T1")
	require.Nil(t, err)
	assert.Len(t, e.m.Locks(), 0)
	assert.Len(t, e.m.Reports(), 1)

	// The victim retries with its original timestamp.
	retry, err := e.m.Begin(BeginRequest{ID: "T4", Owner: "Core1", Resources: []txn.ResourceID{"R4", "R1"}})
	require.Nil(t, err)
	assert.Equal(t, uint64(1030), retry.StartTS)
}

func TestDetectOnBlock(t *testing.T) {
	cfg := testConfig(arbiter.PolicyDetect)
	cfg.DetectOnBlock = true
	e := newTestEnv(cfg)
	e.begin(t, "T1", 1000, 5)
	e.begin(t, "T2", 1010, 4)
	require.Nil(t, e.m.Acquire(context.Background(), "T1", "R1"))
	require.Nil(t, e.m.Acquire(context.Background(), "T2", "R2"))

	w1 := e.acquireAsync("T1", "R2")
	e.waitState(t, "T1", txn.StateWaiting)
	err := e.m.Acquire(context.Background(), "T2", "R1")
	_, ok := errors.Cause(err).(*txn.ErrDeadlock)
	require.True(t, ok, "%v", err)
	require.Nil(t, recv(t, w1))
	assert.Len(t, e.m.Reports(), 1)
}

func TestWaitDie(t *testing.T) {
	e := newTestEnv(testConfig(arbiter.PolicyWaitDie))
	e.begin(t, "T1", 1000, 1)
	e.begin(t, "T2", 1010, 1)
	e.begin(t, "T3", 1020, 1)
	require.Nil(t, e.m.Acquire(context.Background(), "T1", "RA"))
	require.Nil(t, e.m.Acquire(context.Background(), "T2", "RB"))

	// Older T1 waits for younger T2.
	w1 := e.acquireAsync("T1", "RB")
	e.waitState(t, "T1", txn.StateWaiting)

	// Younger T3 dies on older T1.
	err := e.m.Acquire(context.Background(), "T3", "RA")
	wd, ok := errors.Cause(err).(*txn.ErrWaitDie)
	require.True(t, ok, "%v", err)
	assert.Equal(t, txn.TxnID("T1"), wd.Holder)
	assert.True(t, txn.IsRetryable(err))
	t3, _ := e.m.Get("T3")
	assert.Equal(t, txn.StateAborted, t3.State)

	retry, err := e.m.Begin(BeginRequest{ID: "T3", Owner: "Core1"})
	require.Nil(t, err)
	assert.Equal(t, uint64(1020), retry.StartTS)

	_, err = e.m.Commit(context.Background(), "T2")
	require.Nil(t, err)
	require.Nil(t, recv(t, w1))
}

func TestWaitDieHandoffRearbitrates(t *testing.T) {
	e := newTestEnv(testConfig(arbiter.PolicyWaitDie))
	e.begin(t, "T1", 1000, 1)
	e.begin(t, "T2", 1010, 1)
	e.begin(t, "T3", 1030, 1)
	require.Nil(t, e.m.Acquire(context.Background(), "T3", "R"))
	// Both are older than T3 and wait, T1 first.
	w1 := e.acquireAsync("T1", "R")
	e.waitState(t, "T1", txn.StateWaiting)
	w2 := e.acquireAsync("T2", "R")
	e.waitState(t, "T2", txn.StateWaiting)

	// T1 takes over; T2 is now younger than the holder and dies.
	_, err := e.m.Commit(context.Background(), "T3")
	require.Nil(t, err)
	require.Nil(t, recv(t, w1))
	_, ok := errors.Cause(recv(t, w2)).(*txn.ErrWaitDie)
	assert.True(t, ok)
}

func TestWoundWait(t *testing.T) {
	e := newTestEnv(testConfig(arbiter.PolicyWoundWait))
	e.begin(t, "T1", 1000, 1)
	e.begin(t, "T2", 1010, 1)
	e.begin(t, "T3", 1020, 1)
	require.Nil(t, e.m.Acquire(context.Background(), "T2", "R1"))

	// Older T1 wounds T2 and gets R1 at once.
	require.Nil(t, e.m.Acquire(context.Background(), "T1", "R1"))
	t2, _ := e.m.Get("T2")
	assert.Equal(t, txn.StateAborted, t2.State)
	err := e.m.Acquire(context.Background(), "T2", "R2")
	w, ok := errors.Cause(err).(*txn.ErrWounded)
	require.True(t, ok, "%v", err)
	assert.Equal(t, txn.TxnID("T1"), w.By)

	// Younger T3 waits for T1.
	w3 := e.acquireAsync("T3", "R1")
	e.waitState(t, "T3", txn.StateWaiting)
	_, err = e.m.Commit(context.Background(), "T1")
	require.Nil(t, err)
	require.Nil(t, recv(t, w3))
}

func TestWoundWaitSparesCommittingHolder(t *testing.T) {
	e := newTestEnv(testConfig(arbiter.PolicyWoundWait))
	_, err := e.m.Begin(BeginRequest{ID: "T2", Owner: "Core1", Timestamp: 1010, Participants: []txn.NodeID{"Core1", "Core2"}})
	require.Nil(t, err)
	e.begin(t, "T1", 1000, 1)
	require.Nil(t, e.m.Acquire(context.Background(), "T2", "R1"))

	// The coordinator fails after PREPARE: T2 stays in doubt holding R1.
	e.m.coordinator.FailAfter(commit.PhasePrepared)
	out, err := e.m.Commit(context.Background(), "T2")
	require.NotNil(t, err)
	assert.Equal(t, txn.DecisionInDoubt, out.Decision)
	assert.Equal(t, []txn.TxnID{"T2"}, e.m.InDoubt())

	w1 := e.acquireAsync("T1", "R1")
	e.waitState(t, "T1", txn.StateWaiting)
	t2, _ := e.m.Get("T2")
	assert.True(t, t2.Committing)
	assert.False(t, t2.State.IsTerminal())

	out, err = e.m.Recover(context.Background(), "T2")
	require.Nil(t, err)
	assert.Equal(t, txn.DecisionAborted, out.Decision)
	require.Nil(t, recv(t, w1))
	p, _ := e.transport.Participant("Core1")
	assert.Equal(t, commit.PhaseAborted, p.State("T2"))
}

func TestTimeoutPolicy(t *testing.T) {
	e := newTestEnv(testConfig(arbiter.PolicyTimeout))
	e.begin(t, "T1", 1000, 1)
	e.begin(t, "T2", 1010, 1)
	require.Nil(t, e.m.Acquire(context.Background(), "T1", "R1"))
	require.Nil(t, e.m.Acquire(context.Background(), "T2", "R2"))

	start := time.Now()
	err := e.m.Acquire(context.Background(), "T2", "R1")
	lt, ok := errors.Cause(err).(*txn.ErrLockTimeout)
	require.True(t, ok, "%v", err)
	assert.True(t, time.Since(start) >= 50*time.Millisecond)
	assert.Equal(t, txn.ResourceID("R1"), lt.Resource)

	t2, _ := e.m.Get("T2")
	assert.Equal(t, txn.StateAborted, t2.State)
	// The timed-out waiter left the queue and released what it held.
	for _, l := range e.m.Locks() {
		assert.NotEqual(t, txn.TxnID("T2"), l.Holder)
		assert.NotContains(t, l.Queue, txn.TxnID("T2"))
	}
}

func TestContextCancel(t *testing.T) {
	e := newTestEnv(testConfig(arbiter.PolicyDetect))
	e.begin(t, "T1", 1000, 1)
	e.begin(t, "T2", 1010, 1)
	require.Nil(t, e.m.Acquire(context.Background(), "T1", "R1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := e.m.Acquire(ctx, "T2", "R1")
	assert.Equal(t, context.DeadlineExceeded, errors.Cause(err))
	t2, _ := e.m.Get("T2")
	assert.Equal(t, txn.StateAborted, t2.State)
	assert.Len(t, e.m.Locks()[0].Queue, 0)
}

func TestExecute(t *testing.T) {
	e := newTestEnv(testConfig(arbiter.PolicyDetect))
	out, err := e.m.Execute(context.Background(), BeginRequest{
		Owner:        "Core1",
		Resources:    []txn.ResourceID{"R2", "R1", "R2"},
		Participants: []txn.NodeID{"Core1", "Core2"},
	})
	require.Nil(t, err)
	assert.Equal(t, txn.DecisionCommitted, out.Decision)
	assert.NotEmpty(t, out.Txn)
	assert.Equal(t, out, <-e.m.Outcomes())
	p, _ := e.transport.Participant("Core2")
	assert.Equal(t, commit.PhaseCommitted, p.State(out.Txn))

	// Cloud1 is slow enough for 3PC.
	out, err = e.m.Execute(context.Background(), BeginRequest{ID: "T-3pc", Owner: "Cloud1", Resources: []txn.ResourceID{"R1"}, Participants: []txn.NodeID{"Cloud1"}})
	require.Nil(t, err)
	assert.Equal(t, txn.DecisionCommitted, out.Decision)
	assert.Len(t, e.m.Locks(), 0)
}

func TestExecuteVoteNo(t *testing.T) {
	e := newTestEnv(testConfig(arbiter.PolicyDetect))
	p, _ := e.transport.Participant("Core2")
	p.SetValidator(func(txn.TxnID) bool { return false })
	out, err := e.m.Execute(context.Background(), BeginRequest{
		ID:           "T1",
		Owner:        "Core1",
		Resources:    []txn.ResourceID{"R1"},
		Participants: []txn.NodeID{"Core1", "Core2"},
	})
	require.NotNil(t, err)
	assert.Equal(t, txn.DecisionAborted, out.Decision)
	assert.False(t, out.Retry)
	assert.Len(t, e.m.Locks(), 0)
	p1, _ := e.transport.Participant("Core1")
	assert.Equal(t, commit.PhaseAborted, p1.State("T1"))
}

func TestAdmission(t *testing.T) {
	e := newTestEnv(testConfig(arbiter.PolicyDetect))
	require.Nil(t, e.catalog.SetCPU("Edge1", 97))
	out, err := e.m.Execute(context.Background(), BeginRequest{ID: "T1", Owner: "Edge1"})
	_, ok := errors.Cause(err).(*txn.ErrNodeOverloaded)
	require.True(t, ok)
	assert.True(t, out.Retry)
	_, found := e.m.Get("T1")
	assert.False(t, found)
}

func TestAdmissionCountsWaiters(t *testing.T) {
	cfg := testConfig(arbiter.PolicyDetect)
	cfg.Admission.MaxWaiting = 1
	e := newTestEnv(cfg)
	e.begin(t, "T1", 1000, 1)
	e.begin(t, "T2", 1010, 1)
	require.Nil(t, e.m.Acquire(context.Background(), "T1", "R1"))
	w2 := e.acquireAsync("T2", "R1")
	e.waitState(t, "T2", txn.StateWaiting)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.m.Begin(BeginRequest{ID: txn.TxnID(fmt.Sprintf("N%d", i)), Owner: "Core1"})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		_, ok := errors.Cause(err).(*txn.ErrNodeOverloaded)
		assert.True(t, ok, "%v", err)
	}

	_, err := e.m.Commit(context.Background(), "T1")
	require.Nil(t, err)
	require.Nil(t, recv(t, w2))
	_, err = e.m.Begin(BeginRequest{ID: "N0", Owner: "Core1"})
	assert.Nil(t, err)
}

func TestCommitTwiceWhileInDoubt(t *testing.T) {
	e := newTestEnv(testConfig(arbiter.PolicyDetect))
	_, err := e.m.Begin(BeginRequest{ID: "T1", Owner: "Core1", Participants: []txn.NodeID{"Core1", "Core2"}})
	require.Nil(t, err)

	e.m.coordinator.FailAfter(commit.PhasePrepared)
	out, err := e.m.Commit(context.Background(), "T1")
	require.NotNil(t, err)
	assert.Equal(t, txn.DecisionInDoubt, out.Decision)

	// A second commit must not start another coordinator session.
	_, err = e.m.Commit(context.Background(), "T1")
	_, ok := errors.Cause(err).(*txn.ErrInvalidResourceRequest)
	require.True(t, ok, "%v", err)
	t1, _ := e.m.Get("T1")
	assert.True(t, t1.Committing)
	assert.Equal(t, []txn.TxnID{"T1"}, e.m.InDoubt())
	p, _ := e.transport.Participant("Core2")
	assert.Equal(t, commit.PhasePrepared, p.State("T1"))

	out, err = e.m.Recover(context.Background(), "T1")
	require.Nil(t, err)
	assert.Equal(t, txn.DecisionAborted, out.Decision)
	assert.Len(t, e.m.InDoubt(), 0)
}

func TestCommitRequiresHeldResources(t *testing.T) {
	e := newTestEnv(testConfig(arbiter.PolicyDetect))
	e.begin(t, "T1", 1000, 1, "R1", "R2")
	require.Nil(t, e.m.Acquire(context.Background(), "T1", "R1"))

	_, err := e.m.Commit(context.Background(), "T1")
	_, ok := errors.Cause(err).(*txn.ErrInvalidResourceRequest)
	require.True(t, ok, "%v", err)
	assert.False(t, txn.IsRetryable(err))
	t1, _ := e.m.Get("T1")
	assert.Equal(t, txn.StateActive, t1.State)
	assert.False(t, t1.Committing)

	require.Nil(t, e.m.Acquire(context.Background(), "T1", "R2"))
	out, err := e.m.Commit(context.Background(), "T1")
	require.Nil(t, err)
	assert.Equal(t, txn.DecisionCommitted, out.Decision)
}

func TestRecoverUndeliveredCommit(t *testing.T) {
	e := newTestEnv(testConfig(arbiter.PolicyDetect))
	// Core2 votes YES and then drops off the network.
	p2, _ := e.transport.Participant("Core2")
	p2.SetValidator(func(txn.TxnID) bool {
		e.transport.Partition("Core2", true)
		return true
	})
	_, err := e.m.Begin(BeginRequest{ID: "T1", Owner: "Core1", Participants: []txn.NodeID{"Core1", "Core2"}})
	require.Nil(t, err)
	require.Nil(t, e.m.Acquire(context.Background(), "T1", "R1"))

	out, err := e.m.Commit(context.Background(), "T1")
	require.Nil(t, err)
	assert.Equal(t, txn.DecisionCommitted, out.Decision)
	assert.Equal(t, out, <-e.m.Outcomes())
	assert.Equal(t, commit.PhasePrepared, p2.State("T1"))
	assert.Equal(t, []txn.TxnID{"T1"}, e.m.Pending())
	assert.Len(t, e.m.InDoubt(), 0)
	assert.Len(t, e.m.Locks(), 0)

	e.transport.Partition("Core2", false)
	out, err = e.m.Recover(context.Background(), "T1")
	require.Nil(t, err)
	assert.Equal(t, txn.DecisionCommitted, out.Decision)
	assert.Equal(t, commit.PhaseCommitted, p2.State("T1"))
	assert.Len(t, e.m.Pending(), 0)
	t1, _ := e.m.Get("T1")
	assert.Equal(t, txn.StateCommitted, t1.State)
	// The commit was published once.
	assert.Len(t, e.m.Outcomes(), 0)
}

func TestInvalidRequests(t *testing.T) {
	e := newTestEnv(testConfig(arbiter.PolicyDetect))
	_, err := e.m.Begin(BeginRequest{ID: "T1", Resources: []txn.ResourceID{""}})
	_, ok := errors.Cause(err).(*txn.ErrInvalidResourceRequest)
	assert.True(t, ok)
	assert.False(t, txn.IsRetryable(err))

	err = e.m.Acquire(context.Background(), "nope", "R1")
	_, ok = errors.Cause(err).(*txn.ErrTxnNotFound)
	assert.True(t, ok)

	e.begin(t, "T1", 0, 0)
	_, err = e.m.Begin(BeginRequest{ID: "T1"})
	assert.NotNil(t, err)
}

func TestAbortIdempotentAndGC(t *testing.T) {
	cfg := testConfig(arbiter.PolicyDetect)
	cfg.RecordRetention = time.Millisecond
	e := newTestEnv(cfg)
	e.begin(t, "T1", 1000, 1)
	e.begin(t, "T2", 1010, 1)
	require.Nil(t, e.m.Acquire(context.Background(), "T1", "R1"))
	w2 := e.acquireAsync("T2", "R1")
	e.waitState(t, "T2", txn.StateWaiting)

	require.Nil(t, e.m.Abort("T1", nil))
	require.Nil(t, e.m.Abort("T1", nil))
	require.Nil(t, recv(t, w2))

	err := e.m.Acquire(context.Background(), "T1", "R2")
	assert.Equal(t, txn.ErrTxnAborted, errors.Cause(err))

	_, err = e.m.Commit(context.Background(), "T2")
	require.Nil(t, err)
	assert.Equal(t, 2, e.m.GC(time.Now().Add(time.Second)))
	assert.Len(t, e.m.Transactions(), 0)
}

// runRandomTrace drives concurrent transactions that lock random resources
// in random order while a checker scans the wait-for graph.
func runRandomTrace(t *testing.T, policy arbiter.Policy) {
	e := newTestEnv(testConfig(policy))
	const (
		workers   = 12
		perWorker = 15
		resources = 6
	)
	stop := make(chan struct{})
	var cycles [][]txn.TxnID
	checked := make(chan struct{})
	go func() {
		defer close(checked)
		for {
			select {
			case <-stop:
				return
			default:
			}
			e.m.mu.Lock()
			if c := deadlock.Detect(e.m.store.Live(), e.m.registry.Holders()); c != nil {
				cycles = append(cycles, c)
			}
			e.m.mu.Unlock()
			time.Sleep(100 * time.Microsecond)
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < perWorker; i++ {
				id := txn.TxnID(fmt.Sprintf("w%d-%d", w, i))
				if _, err := e.m.Begin(BeginRequest{ID: id, Owner: "Core1"}); err != nil {
					t.Error(err)
					return
				}
				ok := true
				for _, k := range rnd.Perm(resources)[:3] {
					if err := e.m.Acquire(context.Background(), id, txn.ResourceID(fmt.Sprintf("R%d", k))); err != nil {
						ok = false
						break
					}
				}
				if ok {
					_, _ = e.m.Commit(context.Background(), id)
				}
			}
		}(w)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(20 * time.Second):
		require.FailNow(t, "transactions did not finish")
	}
	close(stop)
	<-checked
	assert.Len(t, cycles, 0)
	assert.Len(t, e.m.Locks(), 0)
	assert.Len(t, e.m.Reports(), 0)
}

func TestWaitDieRandomTraceAcyclic(t *testing.T) {
	runRandomTrace(t, arbiter.PolicyWaitDie)
}

func TestWoundWaitRandomTraceAcyclic(t *testing.T) {
	runRandomTrace(t, arbiter.PolicyWoundWait)
}
