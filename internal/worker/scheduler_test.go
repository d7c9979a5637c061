package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/receipt-intake/internal/job"
)

var _ = Describe("Scheduler", func() {
	var (
		ctx       context.Context
		clock     *fakeClock
		store     *job.BoltStore
		processor *mockProcessor
		cfg       Config
		scheduler *Scheduler
		created   int
	)

	// create adds n pending jobs, numbering on from earlier calls.
	create := func(n int) {
		for k := 0; k < n; k++ {
			created++
			i := created
			now := clock.Now()
			Expect(store.Create(ctx, &job.Job{
				ID:             fmt.Sprintf("job-%d", i),
				OwnerID:        "owner-1",
				SourceLocation: fmt.Sprintf("/staging/%d.jpg", i),
				Status:         job.StatusPending,
				CreatedAt:      now,
				UpdatedAt:      now,
			})).To(Succeed())
			clock.Advance(time.Second)
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		created = 0
		clock = newFakeClock()
		processor = &mockProcessor{}
		cfg = testConfig()

		var err error
		store, err = job.NewBoltStore(filepath.Join(GinkgoT().TempDir(), "jobs.db"), clock)
		Expect(err).NotTo(HaveOccurred())
	})

	JustBeforeEach(func() {
		var err error
		scheduler, err = NewScheduler(store, processor, cfg, clock, nil)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		store.Close()
	})

	It("refuses an invalid config", func() {
		cfg.MaxAttempts = 0
		_, err := NewScheduler(store, processor, cfg, clock, nil)
		Expect(err).To(MatchError(ContainSubstring("invalid worker config")))
	})

	Describe("Tick", func() {
		It("does nothing without pending jobs", func() {
			Expect(scheduler.Tick(ctx)).To(BeZero())
			Expect(processor.Processed()).To(BeEmpty())
		})

		When("more jobs are pending than there are slots", func() {
			BeforeEach(func() {
				create(5)
			})

			It("claims only as many as the concurrency bound", func() {
				Expect(scheduler.Tick(ctx)).To(Equal(3))
				Expect(processor.Processed()).To(ConsistOf("job-1", "job-2", "job-3"))

				pending, err := store.List(ctx, "owner-1", job.StatusPending, 0)
				Expect(err).NotTo(HaveOccurred())
				Expect(pending).To(HaveLen(2))
			})
		})

		When("jobs are still running", func() {
			var (
				done    chan int
				release func()
			)

			BeforeEach(func() {
				create(3)
				processor.release = make(chan struct{})
				processor.started = make(chan string, 3)
				var once sync.Once
				release = func() { once.Do(func() { close(processor.release) }) }
				DeferCleanup(func() { release() })
			})

			JustBeforeEach(func() {
				done = make(chan int, 1)
				go func() {
					defer GinkgoRecover()
					done <- scheduler.Tick(ctx)
				}()
				for i := 0; i < 3; i++ {
					Eventually(processor.started).Should(Receive())
				}
			})

			It("processes the batch concurrently", func() {
				Expect(processor.maxActive.Load()).To(Equal(int32(3)))
				Expect(scheduler.InFlight()).To(Equal(3))
				release()
				Eventually(done).Should(Receive(Equal(3)))
				Expect(scheduler.InFlight()).To(BeZero())
			})

			It("makes overlapping ticks a no-op", func() {
				create(2)
				Expect(scheduler.Tick(ctx)).To(BeZero())
				release()
				Eventually(done).Should(Receive(Equal(3)))

				pending, err := store.List(ctx, "owner-1", job.StatusPending, 0)
				Expect(err).NotTo(HaveOccurred())
				Expect(pending).To(HaveLen(2))
			})
		})

		When("one job panics", func() {
			BeforeEach(func() {
				create(3)
				processor.panicOn = "job-2"
			})

			It("keeps processing its siblings and requeues it", func() {
				Expect(scheduler.Tick(ctx)).To(Equal(3))
				Expect(processor.Processed()).To(ConsistOf("job-1", "job-3"))

				failed, err := store.Get(ctx, "job-2")
				Expect(err).NotTo(HaveOccurred())
				Expect(failed.Status).To(Equal(job.StatusPending))
				Expect(failed.LastError).To(Equal("panic: boom"))
			})
		})
	})

	Describe("CleanupRetention", func() {
		BeforeEach(func() {
			create(4)
			claimed, err := store.ClaimNextBatch(ctx, 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed).To(HaveLen(3))

			_, err = store.Complete(ctx, "job-1", job.Result{StorageURL: "/archive/a.jpg"})
			Expect(err).NotTo(HaveOccurred())
			_, err = store.FailOrRetry(ctx, "job-2", "fatal", 1)
			Expect(err).NotTo(HaveOccurred())
		})

		It("keeps everything inside the horizons", func() {
			clock.Advance(6 * 24 * time.Hour)
			deleted, err := scheduler.CleanupRetention(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(deleted).To(BeZero())
		})

		It("deletes completed jobs after a week", func() {
			clock.Advance(8 * 24 * time.Hour)
			deleted, err := scheduler.CleanupRetention(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(deleted).To(Equal(1))

			_, err = store.Get(ctx, "job-1")
			Expect(err).To(MatchError(job.ErrNotFound))
			_, err = store.Get(ctx, "job-2")
			Expect(err).NotTo(HaveOccurred())
		})

		It("deletes failed jobs after a month but never stuck ones", func() {
			clock.Advance(365 * 24 * time.Hour)
			deleted, err := scheduler.CleanupRetention(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(deleted).To(Equal(2))

			processing, err := store.Get(ctx, "job-3")
			Expect(err).NotTo(HaveOccurred())
			Expect(processing.Status).To(Equal(job.StatusProcessing))
			pending, err := store.Get(ctx, "job-4")
			Expect(err).NotTo(HaveOccurred())
			Expect(pending.Status).To(Equal(job.StatusPending))
		})
	})

	Describe("Run", func() {
		BeforeEach(func() {
			create(2)
		})

		It("polls until cancelled", func() {
			runCtx, cancel := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				done <- scheduler.Run(runCtx)
			}()

			Eventually(processor.Processed).Should(ConsistOf("job-1", "job-2"))
			cancel()
			Eventually(done).Should(Receive(BeNil()))
		})
	})
})
