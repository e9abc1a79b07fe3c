package ledger

import "time"

// Config carries the engine options. Defaults follow the production
// protocol; tests shrink the cycle to 20.
type Config struct {
	// target seconds between blocks
	BlockInterval time.Duration
	// hard cap on the nominated tx-set size; 0 means unlimited
	TxsToNominate int
	// N, the pre-image chain length
	ValidatorCycle uint64
	// minimum amount a freeze output must stake
	MinFreezeAmount uint64
	// flat minimum fee per transaction
	MinFee uint64
	// penalty deducted from a slashed validator's stake
	SlashPenaltyAmount uint64
	// auto-renew enrollments at cycle end
	RecurringEnrollment bool
	// cap on enrollments admitted into one block header; 0 means
	// unlimited
	MaxEnrollPerBlock int
	// how many blocks a reveal may lag before slashing
	PreImageRevealGrace uint64

	// quorum construction
	MaxQuorumNodes        int
	QuorumThreshold       int // percent
	QuorumShuffleInterval uint64

	// fee payout
	PayoutPeriod      uint64
	ValidatorFeeCut   int // percent of tx fees accrued to validators
	ValidatorFeeAddr  Lock
	CommonsBudgetAddr Lock

	// script execution budget
	MaxTotalStack int
	MaxItemSize   int

	// peer behaviour
	RetryDelay        time.Duration
	MaxRetries        int
	Timeout           time.Duration
	MaxFailedRequests int
	BanDuration       time.Duration

	// gossip pacing
	RelayTxMaxNum   int
	RelayTxInterval time.Duration
	RelayTxMinFee   uint64
	RelayTxCacheExp int

	// catchup
	BlockCatchupInterval time.Duration
}

// DefaultConfig returns the production parameters.
func DefaultConfig() Config {
	return Config{
		BlockInterval:         10 * time.Second,
		TxsToNominate:         0,
		ValidatorCycle:        1008,
		MinFreezeAmount:       40_000,
		MinFee:                0,
		SlashPenaltyAmount:    10_000,
		RecurringEnrollment:   true,
		MaxEnrollPerBlock:     0,
		PreImageRevealGrace:   1,
		MaxQuorumNodes:        7,
		QuorumThreshold:       80,
		QuorumShuffleInterval: 30,
		PayoutPeriod:          144,
		ValidatorFeeCut:       70,
		MaxTotalStack:         16,
		MaxItemSize:           512,
		RetryDelay:            time.Second,
		MaxRetries:            3,
		Timeout:               5 * time.Second,
		MaxFailedRequests:     100,
		BanDuration:           time.Hour,
		RelayTxMaxNum:         100,
		RelayTxInterval:       15 * time.Second,
		RelayTxMinFee:         0,
		RelayTxCacheExp:       4096,
		BlockCatchupInterval:  20 * time.Second,
	}
}
