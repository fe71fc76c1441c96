package gateway

import (
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorKind
	}{
		{401, KindAuth},
		{403, KindAuth},
		{404, KindNotFound},
		{409, KindConflict},
		{400, KindValidation},
		{422, KindValidation},
		{500, KindNetwork},
		{502, KindNetwork},
	}
	for _, tc := range cases {
		if got := classify(tc.status); got != tc.want {
			t.Errorf("classify(%d) = %s, want %s", tc.status, got, tc.want)
		}
	}
}

func TestKindPredicatesThroughWrapping(t *testing.T) {
	err := fmt.Errorf("loading page: %w", statusError("messages.scroll", 403))
	if !IsAuth(err) {
		t.Error("IsAuth should see through wrapping")
	}
	if IsNetwork(err) {
		t.Error("IsNetwork should be false for an auth error")
	}

	err = fmt.Errorf("recall: %w", statusError("messages.recall", 409))
	if !IsConflict(err) {
		t.Error("IsConflict should see through wrapping")
	}

	if IsNotFound(fmt.Errorf("plain error")) {
		t.Error("IsNotFound should be false for non-gateway errors")
	}
}
