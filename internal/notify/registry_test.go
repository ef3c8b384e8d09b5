package notify

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/djlord-it/easy-alarm/internal/domain"
)

type stubService struct{ name string }

func (s *stubService) Send(context.Context, domain.Notification) error { return nil }
func (s *stubService) Enabled(context.Context, int, int) bool          { return true }

func TestRegistry_AddedAndService(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	email := &stubService{name: "email"}

	if _, ok := r.Service(domain.ActionEmail); ok {
		t.Fatal("empty registry should not return a service")
	}

	r.Added(domain.ActionEmail, email)

	got, ok := r.Service(domain.ActionEmail)
	if !ok || got != email {
		t.Fatalf("Service(EMAIL) = %v, %v", got, ok)
	}
}

func TestRegistry_RemovedOnlySameService(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	first := &stubService{name: "first"}
	second := &stubService{name: "second"}

	r.Added(domain.ActionEmail, first)
	r.Added(domain.ActionEmail, second)

	r.Removed(domain.ActionEmail, first)
	if got, _ := r.Service(domain.ActionEmail); got != second {
		t.Fatal("removing a replaced service must not drop its successor")
	}

	r.Removed(domain.ActionEmail, second)
	if _, ok := r.Service(domain.ActionEmail); ok {
		t.Fatal("service should be gone")
	}
}

func TestRegistry_ActionsSorted(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Added(domain.ActionSMS, &stubService{})
	r.Added(domain.ActionDisplay, &stubService{})
	r.Added(domain.ActionEmail, &stubService{})

	got := r.Actions()
	want := []domain.Action{domain.ActionDisplay, domain.ActionEmail, domain.ActionSMS}
	if len(got) != len(want) {
		t.Fatalf("Actions() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Actions()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
