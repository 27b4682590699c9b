package workflow

import "testing"

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusOpen, StatusInProgress, true},
		{StatusOpen, StatusResolved, true},
		{StatusInProgress, StatusResolved, true},
		{StatusOpen, StatusOpen, false},
		{StatusInProgress, StatusInProgress, false},
		{StatusInProgress, StatusOpen, false},
		{StatusResolved, StatusResolved, false},
		{StatusResolved, StatusOpen, false},
		{StatusResolved, StatusInProgress, false},
		{Status("closed"), StatusOpen, false},
		{StatusOpen, Status("closed"), false},
	}

	for _, tc := range cases {
		err := Transition(tc.from, tc.to)
		if tc.ok && err != nil {
			t.Errorf("Transition(%s, %s) = %v, want nil", tc.from, tc.to, err)
		}
		if !tc.ok && err != ErrInvalidTransition {
			t.Errorf("Transition(%s, %s) = %v, want ErrInvalidTransition", tc.from, tc.to, err)
		}
	}
}

func TestResolvedIsTerminal(t *testing.T) {
	for _, to := range []Status{StatusOpen, StatusInProgress, StatusResolved} {
		if CanTransition(StatusResolved, to) {
			t.Errorf("resolved must not transition to %s", to)
		}
	}
}

func TestValid(t *testing.T) {
	for _, s := range []Status{StatusOpen, StatusInProgress, StatusResolved} {
		if !Valid(s) {
			t.Errorf("Valid(%s) = false", s)
		}
	}
	if Valid(Status("pending")) {
		t.Error("Valid(pending) = true, want false")
	}
}
