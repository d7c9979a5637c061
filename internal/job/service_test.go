package job

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Service", func() {
	var (
		ctx     context.Context
		clock   *fakeClock
		store   *BoltStore
		purger  *mockPurger
		service *Service
	)

	BeforeEach(func() {
		ctx = context.Background()
		clock = newFakeClock()
		purger = &mockPurger{}

		var err error
		store, err = NewBoltStore(filepath.Join(GinkgoT().TempDir(), "jobs.db"), clock)
		Expect(err).NotTo(HaveOccurred())
		service = NewServiceWithDeps(store, purger, &sequenceIDs{}, clock)
	})

	AfterEach(func() {
		store.Close()
	})

	Describe("Enqueue", func() {
		It("creates a pending job", func() {
			id, err := service.Enqueue(ctx, "owner-1", "/staging/a.jpg", "a.jpg")
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal("job-001"))

			view, err := service.GetJob(ctx, id, "owner-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(view.Status).To(Equal(StatusPending))
			Expect(view.OriginalName).To(Equal("a.jpg"))
			Expect(view.Attempts).To(BeZero())
			Expect(view.CreatedAt).To(BeTemporally("==", clock.Now()))
		})

		It("requires an owner", func() {
			_, err := service.Enqueue(ctx, "", "/staging/a.jpg", "a.jpg")
			Expect(err).To(MatchError(ErrForbidden))
		})

		It("requires a source location", func() {
			_, err := service.Enqueue(ctx, "owner-1", "", "a.jpg")
			Expect(err).To(HaveOccurred())
		})

		It("does not deduplicate identical uploads", func() {
			first, err := service.Enqueue(ctx, "owner-1", "/staging/a.jpg", "a.jpg")
			Expect(err).NotTo(HaveOccurred())
			second, err := service.Enqueue(ctx, "owner-1", "/staging/a.jpg", "a.jpg")
			Expect(err).NotTo(HaveOccurred())
			Expect(second).NotTo(Equal(first))
		})
	})

	Describe("GetJob", func() {
		var id string

		BeforeEach(func() {
			var err error
			id, err = service.Enqueue(ctx, "owner-1", "/staging/a.jpg", "a.jpg")
			Expect(err).NotTo(HaveOccurred())
		})

		It("hides other owners' jobs", func() {
			_, err := service.GetJob(ctx, id, "owner-2")
			Expect(err).To(MatchError(ErrNotFound))
		})

		It("reports unknown jobs", func() {
			_, err := service.GetJob(ctx, "missing", "owner-1")
			Expect(err).To(MatchError(ErrNotFound))
		})

		It("requires an owner", func() {
			_, err := service.GetJob(ctx, id, "")
			Expect(err).To(MatchError(ErrForbidden))
		})
	})

	Describe("CancelJob", func() {
		var id string

		BeforeEach(func() {
			var err error
			id, err = service.Enqueue(ctx, "owner-1", "/staging/a.jpg", "a.jpg")
			Expect(err).NotTo(HaveOccurred())
		})

		It("cancels and purges the staged source", func() {
			Expect(service.CancelJob(ctx, id, "owner-1")).To(Succeed())

			view, err := service.GetJob(ctx, id, "owner-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(view.Status).To(Equal(StatusCancelled))
			Expect(purger.discarded).To(Equal([]string{"/staging/a.jpg"}))
		})

		It("purges only once", func() {
			Expect(service.CancelJob(ctx, id, "owner-1")).To(Succeed())
			Expect(service.CancelJob(ctx, id, "owner-1")).To(Succeed())
			Expect(purger.discarded).To(HaveLen(1))
		})

		It("still cancels when the purge fails", func() {
			purger.discardErr = errors.New("bucket offline")
			Expect(service.CancelJob(ctx, id, "owner-1")).To(Succeed())

			view, err := service.GetJob(ctx, id, "owner-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(view.Status).To(Equal(StatusCancelled))
		})

		It("refuses other owners", func() {
			Expect(service.CancelJob(ctx, id, "owner-2")).To(MatchError(ErrNotFound))
			Expect(purger.discarded).To(BeEmpty())
		})
	})

	Describe("ListJobs", func() {
		BeforeEach(func() {
			for i := 0; i < 3; i++ {
				_, err := service.Enqueue(ctx, "owner-1", "/staging/a.jpg", "a.jpg")
				Expect(err).NotTo(HaveOccurred())
				clock.Advance(time.Second)
			}
			_, err := service.Enqueue(ctx, "owner-2", "/staging/b.jpg", "b.jpg")
			Expect(err).NotTo(HaveOccurred())
		})

		It("lists the owner's jobs newest first", func() {
			views, err := service.ListJobs(ctx, "owner-1", "", 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(views).To(HaveLen(3))
			Expect(views[0].ID).To(Equal("job-003"))
			Expect(views[2].ID).To(Equal("job-001"))
		})

		It("honours the page size", func() {
			views, err := service.ListJobs(ctx, "owner-1", "", 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(views).To(HaveLen(2))
		})

		It("filters by status", func() {
			views, err := service.ListJobs(ctx, "owner-1", StatusCompleted, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(views).To(BeEmpty())
		})

		It("rejects unknown statuses", func() {
			_, err := service.ListJobs(ctx, "owner-1", Status("archived"), 0)
			Expect(err).To(MatchError(ErrInvalidStatus))
		})

		It("requires an owner", func() {
			_, err := service.ListJobs(ctx, "", "", 0)
			Expect(err).To(MatchError(ErrForbidden))
		})
	})
})
