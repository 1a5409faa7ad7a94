package cleanup

import "testing"

func TestOutcomeLabel(t *testing.T) {
	if got := outcomeLabel(nil); got != "success" {
		t.Errorf("outcomeLabel(nil) = %q, want success", got)
	}
	if got := outcomeLabel(errBoom); got != "failure" {
		t.Errorf("outcomeLabel(err) = %q, want failure", got)
	}
}

var errBoom = errDummy("boom")

type errDummy string

func (e errDummy) Error() string { return string(e) }
