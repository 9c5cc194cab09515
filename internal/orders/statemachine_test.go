package orders

import (
	"errors"
	"testing"
)

func TestValidateTransition_HappyPath(t *testing.T) {
	edges := []struct{ from, to Status }{
		{StatusPending, StatusAccepted},
		{StatusAccepted, StatusEscrowed},
		{StatusEscrowed, StatusPaymentSent},
		{StatusPaymentSent, StatusPaymentConfirmed},
		{StatusPaymentConfirmed, StatusCompleted},
	}
	for _, e := range edges {
		if err := ValidateTransition(e.from, e.to, ActorUser); err != nil {
			t.Errorf("%s -> %s: unexpected error %v", e.from, e.to, err)
		}
	}
}

func TestValidateTransition_SkipRelease(t *testing.T) {
	// payment_sent can jump straight to completed on release.
	if err := ValidateTransition(StatusPaymentSent, StatusCompleted, ActorSystem); err != nil {
		t.Errorf("payment_sent -> completed: %v", err)
	}
}

func TestValidateTransition_Invalid(t *testing.T) {
	cases := []struct{ from, to Status }{
		{StatusPending, StatusCompleted},
		{StatusCompleted, StatusCancelled},
		{StatusCancelled, StatusAccepted},
		{StatusExpired, StatusPending},
		{StatusEscrowed, StatusCompleted}, // must go through release or payment flow
	}
	for _, e := range cases {
		if err := ValidateTransition(e.from, e.to, ActorMerchant); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", e.from, e.to, err)
		}
	}
}

func TestValidateTransition_TransientTarget(t *testing.T) {
	for _, to := range []Status{StatusEscrowPending, StatusReleasing} {
		if err := ValidateTransition(StatusPending, to, ActorMerchant); !errors.Is(err, ErrTransientStatus) {
			t.Errorf("target %s: expected ErrTransientStatus, got %v", to, err)
		}
	}
}

func TestValidateTransition_OnlySystemExpires(t *testing.T) {
	if err := ValidateTransition(StatusPending, StatusExpired, ActorMerchant); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for merchant-driven expiry, got %v", err)
	}
	if err := ValidateTransition(StatusPending, StatusExpired, ActorSystem); err != nil {
		t.Errorf("system-driven expiry: %v", err)
	}
}

func TestValidateTransition_DisputeFlow(t *testing.T) {
	if err := ValidateTransition(StatusEscrowed, StatusDisputed, ActorUser); err != nil {
		t.Errorf("escrowed -> disputed: %v", err)
	}
	if err := ValidateTransition(StatusDisputed, StatusResolved, ActorSystem); err != nil {
		t.Errorf("disputed -> resolved: %v", err)
	}
	if err := ValidateTransition(StatusResolved, StatusCompleted, ActorSystem); err != nil {
		t.Errorf("resolved -> completed: %v", err)
	}
	if err := ValidateTransition(StatusResolved, StatusCancelled, ActorSystem); err != nil {
		t.Errorf("resolved -> cancelled: %v", err)
	}
}

func TestNormalizeStatus(t *testing.T) {
	if got := NormalizeStatus(StatusEscrowPending); got != StatusEscrowed {
		t.Errorf("escrow_pending normalized to %s", got)
	}
	if got := NormalizeStatus(StatusReleasing); got != StatusCompleted {
		t.Errorf("releasing normalized to %s", got)
	}
	if got := NormalizeStatus(StatusAccepted); got != StatusAccepted {
		t.Errorf("accepted should be a fixpoint, got %s", got)
	}
}

func TestIsTransientStatus(t *testing.T) {
	if !IsTransientStatus(StatusEscrowPending) || !IsTransientStatus(StatusReleasing) {
		t.Error("transient forms not recognized")
	}
	if IsTransientStatus(StatusEscrowed) {
		t.Error("escrowed is not transient")
	}
}

func TestShouldRestoreLiquidity(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusExpired, true},
		{StatusEscrowed, StatusCancelled, true},
		{StatusAccepted, StatusExpired, true},
		{StatusPaymentSent, StatusCompleted, false},
		{StatusEscrowed, StatusPaymentSent, false},
		{StatusCompleted, StatusCancelled, false}, // terminal source never restores
	}
	for _, c := range cases {
		if got := ShouldRestoreLiquidity(c.from, c.to); got != c.want {
			t.Errorf("ShouldRestoreLiquidity(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestTransitionEventType(t *testing.T) {
	if got := TransitionEventType(StatusPending, StatusEscrowed); got != "status_changed_to_escrowed" {
		t.Errorf("unexpected event type %s", got)
	}
}

func TestMinimalStatus(t *testing.T) {
	cases := map[Status]string{
		StatusPending:          "pending",
		StatusEscrowed:         "active",
		StatusPaymentConfirmed: "active",
		StatusDisputed:         "disputed",
		StatusCompleted:        "completed",
		StatusExpired:          "cancelled",
		StatusReleasing:        "completed",
	}
	for s, want := range cases {
		if got := MinimalStatus(s); got != want {
			t.Errorf("MinimalStatus(%s) = %s, want %s", s, got, want)
		}
	}
}
