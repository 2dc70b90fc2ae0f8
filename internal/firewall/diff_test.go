package firewall

import (
	"net/http"
	"reflect"
	"sort"
	"testing"
)

func sortedCopy(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

func TestDiffSetAddsAndRemoves(t *testing.T) {
	current := []string{"B", "C", "D"}
	desired := []string{"A", "B", "C"}

	toAdd, toRemove := DiffSet(current, desired)
	if !reflect.DeepEqual(sortedCopy(toAdd), []string{"A"}) {
		t.Fatalf("expected to add [A], got %v", toAdd)
	}
	if !reflect.DeepEqual(sortedCopy(toRemove), []string{"D"}) {
		t.Fatalf("expected to remove [D], got %v", toRemove)
	}
}

func TestDiffSetIsIdempotentOnSecondCall(t *testing.T) {
	desired := []string{"A", "B", "C"}

	toAdd, toRemove := DiffSet([]string{"B", "C", "D"}, desired)
	if len(toAdd) == 0 && len(toRemove) == 0 {
		t.Fatal("expected the first call to produce a diff")
	}

	// Simulate the driver applying the diff: current now equals desired.
	toAdd, toRemove = DiffSet(desired, desired)
	if len(toAdd) != 0 || len(toRemove) != 0 {
		t.Fatalf("expected a second call with current==desired to be a no-op, got add=%v remove=%v", toAdd, toRemove)
	}
}

func TestDiffSetEmptyInputs(t *testing.T) {
	toAdd, toRemove := DiffSet(nil, nil)
	if len(toAdd) != 0 || len(toRemove) != 0 {
		t.Fatalf("expected no diff for empty inputs, got add=%v remove=%v", toAdd, toRemove)
	}
}

func TestClassifyResponseCredentials(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusUnauthorized}
	if got := ClassifyResponse(resp, nil); got != FailureCredentials {
		t.Fatalf("expected FailureCredentials for 401, got %v", got)
	}
}

func TestClassifyResponseServerError(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusBadGateway}
	if got := ClassifyResponse(resp, nil); got != FailureServer {
		t.Fatalf("expected FailureServer for 502, got %v", got)
	}
}

func TestClassifyResponseSuccess(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusOK}
	if got := ClassifyResponse(resp, nil); got != FailureNone {
		t.Fatalf("expected FailureNone for 200, got %v", got)
	}
}
