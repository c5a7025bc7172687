// Package audit implements the tamper-evident event log: an append-only
// chain of records where each hash covers the previous hash and the record
// payload, so any mutation of history breaks verification.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cryptohelm/cryptohelm/internal/clock"
)

// Record kinds written by the core. The set grows but entries never change
// meaning.
const (
	KindSignal         = "signal"
	KindAdmission      = "admission"
	KindRejection      = "admission_rejected"
	KindOrderTerminal  = "order_terminal"
	KindPositionClosed = "position_closed"
	KindSafeMode       = "safe_mode"
	KindConfigApplied  = "config_applied"
	KindConfigRejected = "config_rejected"
)

// Record is one link of the audit chain. Hash covers PrevHash and the raw
// payload bytes; Seq is assigned monotonically by the chain writer.
type Record struct {
	Seq      int64           `json:"seq"`
	TS       time.Time       `json:"ts"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	PrevHash string          `json:"prev_hash"`
	Hash     string          `json:"hash"`
}

// Appender is the durable sink for audit records. The state store
// implements it.
type Appender interface {
	AppendAudit(ctx context.Context, rec Record) error
	LastAudit(ctx context.Context) (Record, bool, error)
}

// Chain serializes audit appends and maintains the hash linkage. A single
// chain instance owns the sequence; concurrent appenders share it.
type Chain struct {
	mu       sync.Mutex
	app      Appender
	clk      clock.Clock
	log      zerolog.Logger
	loaded   bool
	lastSeq  int64
	lastHash string
}

// NewChain creates a chain over the given appender. The tail is loaded
// lazily on first append so construction never touches the store.
func NewChain(app Appender, clk clock.Clock, log zerolog.Logger) *Chain {
	return &Chain{
		app: app,
		clk: clk,
		log: log.With().Str("component", "audit").Logger(),
	}
}

// Append marshals the payload, links it to the chain tail and persists it.
// A store failure here is an escalation signal: callers treat it as fatal
// for new exposure.
func (c *Chain) Append(ctx context.Context, kind string, payload any) (Record, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("audit: marshal %s payload: %w", kind, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		tail, ok, err := c.app.LastAudit(ctx)
		if err != nil {
			return Record{}, fmt.Errorf("audit: load chain tail: %w", err)
		}
		if ok {
			c.lastSeq = tail.Seq
			c.lastHash = tail.Hash
		}
		c.loaded = true
	}

	rec := Record{
		Seq:      c.lastSeq + 1,
		TS:       c.clk.Now(),
		Kind:     kind,
		Payload:  raw,
		PrevHash: c.lastHash,
		Hash:     HashLink(c.lastHash, raw),
	}
	if err := c.app.AppendAudit(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("audit: append seq %d: %w", rec.Seq, err)
	}
	c.lastSeq = rec.Seq
	c.lastHash = rec.Hash

	c.log.Debug().Int64("seq", rec.Seq).Str("kind", kind).Msg("Audit record appended")
	return rec, nil
}

// HashLink computes the chain hash for one record: SHA-256 over the previous
// hash concatenated with the payload bytes. The genesis record links from
// the empty string.
func HashLink(prevHash string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify walks a contiguous slice of records and checks sequence
// monotonicity, prev-hash linkage and hash correctness. The first record's
// PrevHash is accepted as the anchor.
func Verify(records []Record) error {
	for i, rec := range records {
		if i > 0 {
			prev := records[i-1]
			if rec.Seq != prev.Seq+1 {
				return fmt.Errorf("audit: seq gap at %d: %d after %d", i, rec.Seq, prev.Seq)
			}
			if rec.PrevHash != prev.Hash {
				return fmt.Errorf("audit: broken link at seq %d", rec.Seq)
			}
		}
		if got := HashLink(rec.PrevHash, rec.Payload); got != rec.Hash {
			return fmt.Errorf("audit: hash mismatch at seq %d", rec.Seq)
		}
	}
	return nil
}
