package orders

import (
	"context"
	"fmt"

	"github.com/peermint/settlement/internal/logging"
	"github.com/peermint/settlement/internal/metrics"
)

// Invariant failure codes.
const (
	CodeReleaseInvariantFailed = "ORDER_RELEASE_INVARIANT_FAILED"
	CodeRefundInvariantFailed  = "ORDER_REFUND_INVARIANT_FAILED"
)

// verifyRelease re-reads the order after a release commit and checks the
// committed shape. The funds already moved on chain, so failures are logged
// at critical level and never surfaced to the caller.
func (s *Service) verifyRelease(ctx context.Context, orderID, expectedTxHash string, expectedMinVersion int) {
	if err := s.checkCommitted(ctx, orderID, StatusCompleted, expectedTxHash, expectedMinVersion, false); err != nil {
		metrics.InvariantFailuresTotal.WithLabelValues(CodeReleaseInvariantFailed).Inc()
		logging.Critical(s.logger, CodeReleaseInvariantFailed,
			"orderId", orderID, "error", err)
	}
}

// verifyRefund re-reads the order after a refund commit. A failure here is
// escalated to the caller as ErrRefundInvariantFailed.
func (s *Service) verifyRefund(ctx context.Context, orderID string, expectedMinVersion int) error {
	if err := s.checkCommitted(ctx, orderID, StatusCancelled, "", expectedMinVersion, true); err != nil {
		metrics.InvariantFailuresTotal.WithLabelValues(CodeRefundInvariantFailed).Inc()
		logging.Critical(s.logger, CodeRefundInvariantFailed,
			"orderId", orderID, "error", err)
		return ErrRefundInvariantFailed
	}
	return nil
}

// checkCommitted is the shared read-only assertion: status matches, the
// tx-hash is populated when expected, the version did not regress, and a
// refund carries its cancellation timestamp.
func (s *Service) checkCommitted(ctx context.Context, orderID string, expectedStatus Status, expectedTxHash string, expectedMinVersion int, refund bool) error {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("re-read failed: %w", err)
	}
	if o.Status != expectedStatus {
		return fmt.Errorf("status %q, expected %q", o.Status, expectedStatus)
	}
	if expectedTxHash != "" && o.ReleaseTxHash != expectedTxHash {
		return fmt.Errorf("release tx hash %q, expected %q", o.ReleaseTxHash, expectedTxHash)
	}
	if o.OrderVersion < expectedMinVersion {
		return fmt.Errorf("order version %d below expected %d", o.OrderVersion, expectedMinVersion)
	}
	if refund && o.CancelledAt == nil {
		return fmt.Errorf("cancelled order missing cancelled_at")
	}
	return nil
}
