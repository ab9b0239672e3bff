package testutil

import (
	"time"
)

type testFn func() (bool, error)
type errorFn func(error)

// WaitForResult polls the test function until it reports success, calling
// the error function if the retry budget is exhausted first.
func WaitForResult(test testFn, errFn errorFn) {
	WaitForResultRetries(500, test, errFn)
}

// WaitForResultRetries is WaitForResult with a caller-supplied retry budget.
func WaitForResultRetries(retries int64, test testFn, errFn errorFn) {
	for retries > 0 {
		time.Sleep(10 * time.Millisecond)
		retries--

		success, err := test()
		if success {
			return
		}

		if retries == 0 {
			errFn(err)
		}
	}
}
