package tinytxn

/*
tinytxn is a transaction concurrency control service: it grants exclusive locks on named resources to
timestamped transactions, resolves conflicts with one of four policies, and commits finished transactions
across a set of participant nodes with two-phase or three-phase commit.

Building tinytxn produces one executable, tinytxn-server, which hosts the transaction manager, one in-process
participant per configured node and an HTTP status and admin API.

The `tinytxn` module is organized into the following packages:

* `txn`: identifiers, states, outcomes and the typed abort causes shared by every other package.
* `txn/lockregistry`: the sharded lock table with FIFO wait queues.
* `txn/txnstore`: transaction records ordered by start timestamp.
* `txn/deadlock`: the wait-for graph and cycle detection.
* `txn/arbiter`: Wait-Die, Wound-Wait, detection and timeout policies, and deadlock victim selection.
* `txn/commit`: the 2PC/3PC coordinator, participants and the in-process transport.
* `txn/catalog`: node descriptions, admission control and commit protocol selection.
* `txn/manager`: wires the pieces above into Begin, Acquire, Commit, Abort and Recover.
* `server`: configuration, the server process and its HTTP API.
* `pkg`: small utilities (timestamp oracle, log helpers, duration type).
*/
