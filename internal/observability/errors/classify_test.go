package errors

import (
	"context"
	goerrors "errors"
	"fmt"
	"testing"
)

type timeoutProbe struct{}

func (timeoutProbe) Error() string { return "probe" }

func TestClassify(t *testing.T) {
	tcs := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "deadline", err: context.DeadlineExceeded, want: "timeout"},
		{name: "wrapped deadline", err: fmt.Errorf("call: %w", context.DeadlineExceeded), want: "timeout"},
		{name: "canceled", err: context.Canceled, want: "canceled"},
		{name: "plain", err: goerrors.New("boom"), want: "errors_errorstring"},
		{name: "wrapped typed", err: fmt.Errorf("outer: %w", timeoutProbe{}), want: "errors_timeoutprobe"},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}
