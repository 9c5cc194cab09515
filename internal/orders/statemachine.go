package orders

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending          Status = "pending"
	StatusAccepted         Status = "accepted"
	StatusEscrowed         Status = "escrowed"
	StatusPaymentSent      Status = "payment_sent"
	StatusPaymentConfirmed Status = "payment_confirmed"
	StatusCompleted        Status = "completed"
	StatusCancelled        Status = "cancelled"
	StatusExpired          Status = "expired"
	StatusDisputed         Status = "disputed"
	StatusResolved         Status = "resolved"

	// Transient forms. Never written to a committed row; callers passing
	// them get an error naming the settled form.
	StatusEscrowPending Status = "escrow_pending"
	StatusReleasing     Status = "releasing"
)

// validStatuses is the committed-row value set.
var validStatuses = map[Status]bool{
	StatusPending:          true,
	StatusAccepted:         true,
	StatusEscrowed:         true,
	StatusPaymentSent:      true,
	StatusPaymentConfirmed: true,
	StatusCompleted:        true,
	StatusCancelled:        true,
	StatusExpired:          true,
	StatusDisputed:         true,
	StatusResolved:         true,
}

// transitions encodes the lifecycle DAG.
var transitions = map[Status][]Status{
	StatusPending:          {StatusAccepted, StatusEscrowed, StatusCancelled, StatusExpired},
	StatusAccepted:         {StatusEscrowed, StatusCancelled, StatusExpired},
	StatusEscrowed:         {StatusAccepted, StatusPaymentSent, StatusDisputed, StatusCancelled},
	StatusPaymentSent:      {StatusPaymentConfirmed, StatusCompleted, StatusDisputed},
	StatusPaymentConfirmed: {StatusCompleted, StatusDisputed},
	StatusDisputed:         {StatusResolved},
	StatusResolved:         {StatusCompleted, StatusCancelled},
}

// IsValidStatus reports whether s may appear in a committed row.
func IsValidStatus(s Status) bool {
	return validStatuses[s]
}

// IsTerminalStatus reports whether s is a final state.
func IsTerminalStatus(s Status) bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

// IsTransientStatus reports whether s is one of the two in-flight forms.
func IsTransientStatus(s Status) bool {
	return s == StatusEscrowPending || s == StatusReleasing
}

// NormalizeStatus collapses transient forms to their settled status.
func NormalizeStatus(s Status) Status {
	switch s {
	case StatusEscrowPending:
		return StatusEscrowed
	case StatusReleasing:
		return StatusCompleted
	}
	return s
}

// ValidateTransition checks the DAG edge from → to plus actor-role
// constraints that need no order context. Order-specific acceptance rules
// (counterparty, M2M self-accept) are enforced by the service, which holds
// the row.
func ValidateTransition(from, to Status, actorType string) error {
	if IsTransientStatus(to) {
		return ErrTransientStatus
	}
	if !IsValidStatus(to) {
		return ErrInvalidTransition
	}
	if to == StatusExpired && actorType != ActorSystem {
		// Expiry is driven only by the worker.
		return ErrUnauthorized
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return ErrInvalidTransition
}

// TransitionEventType returns the canonical audit event name for an edge.
func TransitionEventType(from, to Status) string {
	_ = from
	return "status_changed_to_" + string(to)
}

// ShouldRestoreLiquidity reports whether the edge hands the offer's consumed
// amount back. Liquidity is consumed at creation and returned whenever the
// order dies without settling.
func ShouldRestoreLiquidity(from, to Status) bool {
	if to != StatusCancelled && to != StatusExpired {
		return false
	}
	return !IsTerminalStatus(from)
}

// MinimalStatus collapses the detailed lifecycle into the coarse set pushed
// to subscribers: pending, active, disputed, completed, cancelled.
func MinimalStatus(s Status) string {
	switch NormalizeStatus(s) {
	case StatusPending:
		return "pending"
	case StatusAccepted, StatusEscrowed, StatusPaymentSent, StatusPaymentConfirmed:
		return "active"
	case StatusDisputed, StatusResolved:
		return "disputed"
	case StatusCompleted:
		return "completed"
	case StatusCancelled, StatusExpired:
		return "cancelled"
	}
	return string(s)
}
