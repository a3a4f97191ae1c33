package hk_test

import (
	"time"

	"github.com/inc-run/inc/hk"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Housekeeper", func() {
	It("runs a one-shot job once", func() {
		h := hk.New()
		go h.Run()
		h.WaitStarted()
		defer h.Stop()

		ran := make(chan struct{}, 1)
		h.Reg("one-shot", func() time.Duration {
			ran <- struct{}{}
			return 0
		}, time.Millisecond)

		Eventually(ran, 2*time.Second).Should(Receive())
		Consistently(ran, 200*time.Millisecond).ShouldNot(Receive())
	})

	It("reschedules a recurring job using its own returned delay", func() {
		h := hk.New()
		go h.Run()
		h.WaitStarted()
		defer h.Stop()

		hits := make(chan struct{}, 8)
		h.Reg("recurring", func() time.Duration {
			hits <- struct{}{}
			return 20 * time.Millisecond
		}, time.Millisecond)

		for i := 0; i < 3; i++ {
			Eventually(hits, time.Second).Should(Receive())
		}
		h.Unreg("recurring")
	})
})
