package protocol

// ErrorCode is an on-wire error string sent as error{message}. The set is
// closed; handlers never invent codes outside this list.
type ErrorCode string

const (
	ErrInvalidMessage        ErrorCode = "invalid_message"
	ErrUnknownType           ErrorCode = "unknown_type"
	ErrNotAuthenticated      ErrorCode = "not_authenticated"
	ErrBadNonce              ErrorCode = "bad_nonce"
	ErrBadAgentName          ErrorCode = "bad_agent_name"
	ErrSignatureFailed       ErrorCode = "signature_verification_failed"
	ErrDBAuth                ErrorCode = "db_error_auth"
	ErrNoLedgerAccount       ErrorCode = "no_ledger_account"
	ErrInsufficientCredits   ErrorCode = "insufficient_credits"
	ErrWorkerNoLedger        ErrorCode = "worker_no_ledger_account"
	ErrWorkerNoStake         ErrorCode = "worker_insufficient_stake"
	ErrJobNotFound           ErrorCode = "job_not_found"
	ErrJobNotOpen            ErrorCode = "job_not_open"
	ErrJobNotAwarded         ErrorCode = "job_not_awarded"
	ErrJobNotInReview        ErrorCode = "job_not_in_review"
	ErrJobMissingWorker      ErrorCode = "job_missing_worker"
	ErrNotJobOwner           ErrorCode = "not_job_owner"
	ErrNotAssignedWorker     ErrorCode = "not_assigned_worker"
	ErrWorkerHasNoBid        ErrorCode = "worker_has_no_bid"
	ErrBidOverBudget         ErrorCode = "bid_over_budget"
	ErrAgreedOverBudget      ErrorCode = "agreed_price_over_budget"
	ErrNegotiationBusy       ErrorCode = "negotiation_in_progress"
	ErrNegotiationMaxRounds  ErrorCode = "negotiation_max_rounds"
	ErrNoActiveOffer         ErrorCode = "no_active_offer"
	ErrNotOfferTarget        ErrorCode = "not_offer_target"
	ErrNegotiationNotPending ErrorCode = "negotiation_not_pending"
	ErrBadRequester          ErrorCode = "bad_requester"
	ErrOfferOverBudget       ErrorCode = "offer_over_budget"
	ErrCounterOverBudget     ErrorCode = "counter_over_budget"
	ErrLedgerMissing         ErrorCode = "ledger_missing"
)
