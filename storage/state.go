package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"agrilend/native/liquidation"
	"agrilend/native/loan"
	"agrilend/native/pool"
)

// Key layout. Records are keyed with fixed-width big-endian sequence numbers
// so prefix iteration yields them in insertion order.
const (
	keyPool              = "pool/state"
	prefixInvestor       = "pool/investor/"
	prefixProcessedTx    = "pool/tx/"
	prefixDisbursement   = "pool/disbursement/"
	prefixLoan           = "loan/record/"
	prefixBorrowerIndex  = "loan/borrower/"
	prefixRepayment      = "loan/repayment/"
	prefixLiquidation    = "liquidation/record/"
	keyLoanSeq           = "seq/loan"
	keyDisbursementSeq   = "seq/disbursement"
	keyRepaymentSeq      = "seq/repayment"
	keyLiquidationSeq    = "seq/liquidation"
)

// State persists the lending engines' records as JSON values in a key-value
// database. It satisfies the state interfaces of the pool, loan, and
// liquidation engines so one store backs all three.
type State struct {
	mu sync.Mutex
	db Database
}

// NewState wraps a database as engine state.
func NewState(db Database) *State {
	return &State{db: db}
}

func (s *State) getJSON(key string, out any) (bool, error) {
	raw, err := s.db.Get([]byte(key))
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("storage: decode %s: %w", key, err)
	}
	return true, nil
}

func (s *State) putJSON(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", key, err)
	}
	return s.db.Put([]byte(key), raw)
}

// nextSeq atomically increments and returns the named sequence counter,
// starting at 1.
func (s *State) nextSeq(key string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next uint64 = 1
	raw, err := s.db.Get([]byte(key))
	switch {
	case errors.Is(err, ErrKeyNotFound):
	case err != nil:
		return 0, err
	default:
		if len(raw) != 8 {
			return 0, fmt.Errorf("storage: corrupt sequence %s", key)
		}
		next = binary.BigEndian.Uint64(raw) + 1
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next)
	if err := s.db.Put([]byte(key), buf[:]); err != nil {
		return 0, err
	}
	return next, nil
}

func seqKey(prefix string, seq uint64) string {
	return fmt.Sprintf("%s%020d", prefix, seq)
}

// --- pool engine state ---

func (s *State) GetPool() (*pool.LiquidityPool, error) {
	var p pool.LiquidityPool
	ok, err := s.getJSON(keyPool, &p)
	if err != nil || !ok {
		return nil, err
	}
	return &p, nil
}

func (s *State) PutPool(p *pool.LiquidityPool) error {
	return s.putJSON(keyPool, p)
}

func (s *State) GetInvestor(addr string) (*pool.InvestorBalance, error) {
	var b pool.InvestorBalance
	ok, err := s.getJSON(prefixInvestor+addr, &b)
	if err != nil || !ok {
		return nil, err
	}
	return &b, nil
}

func (s *State) PutInvestor(b *pool.InvestorBalance) error {
	if b == nil || b.Address == "" {
		return errors.New("storage: investor address required")
	}
	return s.putJSON(prefixInvestor+b.Address, b)
}

func (s *State) GetProcessedTransaction(txID string) (*pool.ProcessedTransaction, error) {
	var tx pool.ProcessedTransaction
	ok, err := s.getJSON(prefixProcessedTx+txID, &tx)
	if err != nil || !ok {
		return nil, err
	}
	return &tx, nil
}

func (s *State) PutProcessedTransaction(tx *pool.ProcessedTransaction) error {
	if tx == nil || tx.TxID == "" {
		return errors.New("storage: transaction id required")
	}
	return s.putJSON(prefixProcessedTx+tx.TxID, tx)
}

func (s *State) AppendDisbursement(rec *pool.DisbursementRecord) error {
	seq, err := s.nextSeq(keyDisbursementSeq)
	if err != nil {
		return err
	}
	return s.putJSON(seqKey(prefixDisbursement, seq), rec)
}

// Disbursements returns every recorded disbursement in insertion order.
func (s *State) Disbursements() ([]*pool.DisbursementRecord, error) {
	var out []*pool.DisbursementRecord
	err := s.db.Iterate([]byte(prefixDisbursement), func(_, value []byte) error {
		var rec pool.DisbursementRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		out = append(out, &rec)
		return nil
	})
	return out, err
}

// --- loan engine state ---

func (s *State) NextLoanID() (uint64, error) {
	return s.nextSeq(keyLoanSeq)
}

func (s *State) GetLoan(id uint64) (*loan.Loan, error) {
	var l loan.Loan
	ok, err := s.getJSON(loanKey(id), &l)
	if err != nil || !ok {
		return nil, err
	}
	return &l, nil
}

func (s *State) PutLoan(l *loan.Loan) error {
	if l == nil || l.ID == 0 {
		return errors.New("storage: loan id required")
	}
	if err := s.putJSON(loanKey(l.ID), l); err != nil {
		return err
	}
	// Borrower index entries are idempotent; the value is unused.
	return s.db.Put([]byte(fmt.Sprintf("%s%s/%020d", prefixBorrowerIndex, l.Borrower, l.ID)), []byte{1})
}

func (s *State) LoansByBorrower(addr string) ([]*loan.Loan, error) {
	prefix := fmt.Sprintf("%s%s/", prefixBorrowerIndex, addr)
	var ids []uint64
	err := s.db.Iterate([]byte(prefix), func(key, _ []byte) error {
		var id uint64
		if _, scanErr := fmt.Sscanf(string(key[len(prefix):]), "%020d", &id); scanErr != nil {
			return fmt.Errorf("storage: corrupt borrower index %q: %w", key, scanErr)
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]*loan.Loan, 0, len(ids))
	for _, id := range ids {
		l, loadErr := s.GetLoan(id)
		if loadErr != nil {
			return nil, loadErr
		}
		if l != nil {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *State) AppendRepayment(rec *loan.RepaymentRecord) error {
	seq, err := s.nextSeq(keyRepaymentSeq)
	if err != nil {
		return err
	}
	return s.putJSON(seqKey(prefixRepayment, seq), rec)
}

// RepaymentsByLoan returns the settled repayments of one loan in insertion
// order.
func (s *State) RepaymentsByLoan(loanID uint64) ([]*loan.RepaymentRecord, error) {
	var out []*loan.RepaymentRecord
	err := s.db.Iterate([]byte(prefixRepayment), func(_, value []byte) error {
		var rec loan.RepaymentRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		if rec.LoanID == loanID {
			out = append(out, &rec)
		}
		return nil
	})
	return out, err
}

// --- liquidation engine state ---

func (s *State) ActiveLoanIDs() ([]uint64, error) {
	var ids []uint64
	err := s.db.Iterate([]byte(prefixLoan), func(_, value []byte) error {
		var l loan.Loan
		if err := json.Unmarshal(value, &l); err != nil {
			return err
		}
		if l.Status == loan.StatusActive {
			ids = append(ids, l.ID)
		}
		return nil
	})
	return ids, err
}

func (s *State) AppendLiquidation(rec *liquidation.Record) error {
	seq, err := s.nextSeq(keyLiquidationSeq)
	if err != nil {
		return err
	}
	return s.putJSON(seqKey(prefixLiquidation, seq), rec)
}

func (s *State) Liquidations(limit int) ([]*liquidation.Record, error) {
	var all []*liquidation.Record
	err := s.db.Iterate([]byte(prefixLiquidation), func(_, value []byte) error {
		var rec liquidation.Record
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		all = append(all, &rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Most recent first.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func loanKey(id uint64) string {
	return fmt.Sprintf("%s%020d", prefixLoan, id)
}
