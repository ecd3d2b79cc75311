package daemon_test

import (
	"context"
	"math/big"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum/common"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/GPTx-global/flight-oracle/oracle/config"
	"github.com/GPTx-global/flight-oracle/oracle/daemon"
	"github.com/GPTx-global/flight-oracle/oracle/keys"
	"github.com/GPTx-global/flight-oracle/oracle/ledger/ledgertest"
	"github.com/GPTx-global/flight-oracle/oracle/types"
)

const testMnemonic = "test test test test test test test test test test test junk"

func testConfig(mode string) *config.Config {
	cfg := config.Default()
	cfg.Networks["localhost"] = config.NetworkConfig{
		URL:         "ws://localhost:8545",
		AppAddress:  ledgertest.AppAddress.Hex(),
		DataAddress: ledgertest.DataAddress.Hex(),
	}
	cfg.Oracles.Mnemonic = testMnemonic
	cfg.Oracles.Count = 6
	cfg.Dispatch.Mode = mode
	cfg.Server.Listen = ""
	Expect(cfg.Validate()).To(Succeed())

	return cfg
}

func request(index uint8, flight string) types.StatusRequest {
	return types.StatusRequest{
		Index:     index,
		Airline:   common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		Flight:    flight,
		Timestamp: big.NewInt(1700000000),
	}
}

var _ = Describe("Daemon", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		l      *ledgertest.Ledger
		kr     *keys.Keyring
		cfg    *config.Config
		d      *daemon.Daemon
		pool   []common.Address
	)

	// expected counts matching index slots across the pool
	expected := func(index uint8) int {
		n := 0
		for _, addr := range d.Registry().Oracles() {
			idx, err := l.GetMyIndexes(ctx, addr)
			Expect(err).NotTo(HaveOccurred())
			n += len(types.MatchingIndexes(idx, index))
		}
		return n
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		d = nil
		l = ledgertest.New()
		l.StrictRequests(true)

		var err error
		kr, err = keys.New(testMnemonic)
		Expect(err).NotTo(HaveOccurred())

		pool, err = kr.DeriveRange(20, 6)
		Expect(err).NotTo(HaveOccurred())
		owner, err := kr.Derive(0)
		Expect(err).NotTo(HaveOccurred())
		l.Owner = owner

		// two oracles share index 2
		l.PlanIndexes(pool[0], [3]uint8{1, 2, 3})
		l.PlanIndexes(pool[1], [3]uint8{2, 4, 5})
		l.PlanIndexes(pool[2], [3]uint8{1, 6, 7})
		l.PlanIndexes(pool[3], [3]uint8{3, 8, 9})
		l.PlanIndexes(pool[4], [3]uint8{4, 0, 0})
		l.PlanIndexes(pool[5], [3]uint8{5, 6, 7})
	})

	AfterEach(func() {
		cancel()
		if d != nil {
			d.Stop()
		}
	})

	for _, mode := range []string{config.ModeSequential, config.ModeParallel} {
		mode := mode

		Context("in "+mode+" mode", func() {
			BeforeEach(func() {
				cfg = testConfig(mode)
			})

			It("registers the pool and answers matching requests", func() {
				var err error
				d, err = daemon.NewWithLedger(cfg, l, kr)
				Expect(err).NotTo(HaveOccurred())
				Expect(d.Start(ctx)).To(Succeed())

				Expect(d.Registry().Oracles()).To(Equal(pool))

				l.EmitRequest(request(2, "ND1309"))

				Eventually(func() int { return len(l.Attempts()) }, 2*time.Second, 5*time.Millisecond).Should(Equal(2))
				Consistently(func() int { return len(l.Attempts()) }, 50*time.Millisecond, 5*time.Millisecond).Should(Equal(2))

				responders := map[common.Address]bool{}
				for _, a := range l.Attempts() {
					Expect(a.Err).NotTo(HaveOccurred())
					Expect(a.Response.Status.Valid()).To(BeTrue())
					Expect(a.Response.Index).To(Equal(uint8(2)))
					responders[a.Response.Oracle] = true
				}
				Expect(responders).To(HaveLen(2))
				Expect(responders).To(HaveKey(pool[0]))
				Expect(responders).To(HaveKey(pool[1]))
			})

			It("replays requests mined before it started", func() {
				l.EmitRequest(request(1, "OLD1"))
				l.EmitRequest(request(5, "OLD2"))

				var err error
				d, err = daemon.NewWithLedger(cfg, l, kr)
				Expect(err).NotTo(HaveOccurred())
				Expect(d.Start(ctx)).To(Succeed())

				want := expected(1) + expected(5)
				Eventually(func() int { return len(l.Attempts()) }, 2*time.Second, 5*time.Millisecond).Should(Equal(want))
			})
		})
	}

	It("keeps going when one registration is rejected", func() {
		cfg = testConfig(config.ModeSequential)
		l.FailRegistration(pool[1], errorsmod.Wrap(types.ErrReverted, "Registration fee is required"))

		var err error
		d, err = daemon.NewWithLedger(cfg, l, kr)
		Expect(err).NotTo(HaveOccurred())
		Expect(d.Start(ctx)).To(Succeed())

		Expect(d.Registry().Oracles()).To(HaveLen(5))
		Expect(d.Registry().Oracles()).NotTo(ContainElement(pool[1]))

		l.EmitRequest(request(2, "ND0001"))
		Eventually(func() int { return len(l.Attempts()) }, 2*time.Second, 5*time.Millisecond).Should(Equal(1))
		Expect(l.Attempts()[0].Response.Oracle).To(Equal(pool[0]))

		d.Health().RunChecks(ctx)
		Expect(d.Health().IsHealthy()).To(BeTrue())
	})

	It("survives submission failures", func() {
		cfg = testConfig(config.ModeSequential)
		l.FailSubmission(pool[0], errorsmod.Wrap(types.ErrTransport, "nonce too low"))

		var err error
		d, err = daemon.NewWithLedger(cfg, l, kr)
		Expect(err).NotTo(HaveOccurred())
		Expect(d.Start(ctx)).To(Succeed())

		l.EmitRequest(request(2, "FAIL1"))
		l.EmitRequest(request(3, "NEXT1"))

		want := expected(2) + expected(3)
		Eventually(func() int { return len(l.Attempts()) }, 2*time.Second, 5*time.Millisecond).Should(Equal(want))

		failed := 0
		for _, a := range l.Attempts() {
			if a.Err != nil {
				failed++
				Expect(a.Response.Oracle).To(Equal(pool[0]))
			}
		}
		Expect(failed).To(Equal(2))
	})

	It("finishes queued requests on stop", func() {
		cfg = testConfig(config.ModeSequential)
		l.OnSubmit = func(types.StatusResponse) error {
			time.Sleep(5 * time.Millisecond)
			return nil
		}

		var err error
		d, err = daemon.NewWithLedger(cfg, l, kr)
		Expect(err).NotTo(HaveOccurred())
		Expect(d.Start(ctx)).To(Succeed())

		for i := 0; i < 5; i++ {
			l.EmitRequest(request(2, "Q"))
		}
		Eventually(func() uint64 { return d.Listener().Stats().Received }, 2*time.Second, time.Millisecond).Should(Equal(uint64(5)))

		d.Stop()
		d = nil

		Expect(l.Attempts()).To(HaveLen(10))
	})

	It("reports and flips the operational status as the owner", func() {
		cfg = testConfig(config.ModeSequential)

		var err error
		d, err = daemon.NewWithLedger(cfg, l, kr)
		Expect(err).NotTo(HaveOccurred())

		operational, fee, err := d.Status(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(operational).To(BeTrue())
		Expect(fee.Cmp(ledgertest.DefaultFee)).To(BeZero())

		Expect(d.SetOperational(ctx, false)).To(Succeed())
		operational, _, err = d.Status(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(operational).To(BeFalse())

		cfg.Oracles.OwnerAccount = 3
		Expect(d.SetOperational(ctx, true)).NotTo(Succeed())
	})
})
