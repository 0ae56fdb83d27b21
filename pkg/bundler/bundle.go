package bundler

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// State is a bundle's position in the state machine of spec.md §4.9.
type State string

const (
	StateQueued  State = "queued"
	StateSent    State = "sent"
	StateLanded  State = "landed"
	StateExpired State = "expired"
	StateFailed  State = "failed"
)

// Terminal reports whether the state is one no further transition may leave.
func (s State) Terminal() bool {
	return s == StateLanded || s == StateExpired || s == StateFailed
}

// validTransitions enumerates the guarded edges of the state machine. Ledger.Transition
// consults this table so an invalid edge fails closed with StateConflict rather than
// silently corrupting the persisted state.
var validTransitions = map[State]map[State]bool{
	StateQueued: {StateSent: true, StateFailed: true},
	StateSent:   {StateLanded: true, StateExpired: true, StateFailed: true},
}

// CanTransition reports whether from -> to is a guarded edge of the state machine.
func CanTransition(from, to State) bool {
	return validTransitions[from][to]
}

// BundleID is the opaque 128-bit identifier of spec.md §3, UUID-v4 form.
type BundleID string

// NewBundleID generates a fresh identifier at acceptance time.
func NewBundleID() BundleID {
	return BundleID(uuid.New().String())
}

// Bundle is the unit of atomic submission: tx1 plus its forged companion tx2.
type Bundle struct {
	ID      BundleID
	Tx1Raw  []byte
	Tx1Hash common.Hash
	Tx2Raw  []byte      // nil while queued
	Tx2Hash common.Hash // zero while queued

	State State

	PaymentAmountWei *big.Int // immutable once set
	TargetBlocks     []uint64 // ordered, min 1, each > latest_block_at_creation

	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time

	BlockHash   common.Hash
	BlockNumber uint64
	GasUsed     uint64

	// ConfigSnapshotID pins the configuration in effect when the bundle was
	// accepted, so a later POST /config/reload cannot change an in-flight
	// bundle's caps or formula (spec.md §6).
	ConfigSnapshotID string
}

// SubmissionStatus is the per-(bundle,builder) relay outcome of spec.md §3.
type SubmissionStatus string

const (
	SubmissionPending  SubmissionStatus = "pending"
	SubmissionAccepted SubmissionStatus = "accepted"
	SubmissionRejected SubmissionStatus = "rejected"
	SubmissionError    SubmissionStatus = "error"
)

// RelaySubmission records one builder's response to one bundle's eth_sendBundle call.
type RelaySubmission struct {
	BundleID     BundleID
	RelayName    string
	SubmittedAt  time.Time
	Status       SubmissionStatus
	ResponseData []byte // opaque, relay-native
}

// DailySpend is the per-UTC-day cumulative payment counter of spec.md §3.
type DailySpend struct {
	Date      string // YYYY-MM-DD, UTC
	SpentWei  *big.Int
}

// UTCDate formats t as the Ledger's daily-spend key.
func UTCDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// View is the point-in-time projection returned by Pipeline Controller.status and
// serialized at the GET /bundles/{id} boundary.
type View struct {
	ID               BundleID
	State            State
	Tx1Hash          common.Hash
	Tx2Hash          common.Hash
	PaymentAmountWei *big.Int
	TargetBlocks     []uint64
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ExpiresAt        time.Time
	BlockHash        common.Hash
	BlockNumber      uint64
	GasUsed          uint64
	Submissions      []RelaySubmission
}
