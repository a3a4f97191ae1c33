package server_test

import (
	"os"
	"testing"

	"github.com/inc-run/inc/hk"
)

func TestMain(m *testing.M) {
	go hk.Default.Run()
	hk.Default.WaitStarted()
	os.Exit(m.Run())
}
