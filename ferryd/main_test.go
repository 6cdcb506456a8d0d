package ferryd_test

import (
	"testing"

	"go.uber.org/goleak"

	"github.com/ferryd/ferry/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, testutil.GoleakOptions...)
}
