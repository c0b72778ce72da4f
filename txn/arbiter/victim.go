package arbiter

import (
	"github.com/pingcap-incubator/tinytxn/txn"
	"github.com/pingcap-incubator/tinytxn/txn/txnstore"
)

// SelectVictim picks the transaction to abort on a detected cycle: the
// lowest priority value, then the youngest (largest timestamp), then the
// largest id. The closing repetition of the first node is ignored.
// Transactions missing from txns are skipped; an empty result means none of
// the cycle members is known.
func SelectVictim(cycle []txn.TxnID, txns map[txn.TxnID]txnstore.Transaction) txn.TxnID {
	var (
		victim txnstore.Transaction
		found  bool
	)
	for _, id := range cycle {
		t, ok := txns[id]
		if !ok {
			continue
		}
		if !found || worseVictim(&t, &victim) {
			victim = t
			found = true
		}
	}
	if !found {
		return ""
	}
	return victim.ID
}

// worseVictim reports whether a should be aborted in preference to b.
func worseVictim(a, b *txnstore.Transaction) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.StartTS != b.StartTS {
		return a.StartTS > b.StartTS
	}
	return a.ID > b.ID
}
