package blob

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Tasks", func() {
	var tasks *Tasks

	BeforeEach(func() {
		tasks = NewTasks(50 * time.Millisecond)
	})

	It("runs every task before Wait returns", func() {
		var ran atomic.Int32
		for i := 0; i < 5; i++ {
			tasks.Go("count", func(ctx context.Context) error {
				ran.Add(1)
				return nil
			})
		}

		Expect(tasks.Wait(context.Background())).To(Succeed())
		Expect(ran.Load()).To(Equal(int32(5)))
		Expect(tasks.Failures()).To(BeZero())
	})

	It("counts failed tasks", func() {
		tasks.Go("fail", func(ctx context.Context) error {
			return errors.New("boom")
		})
		Expect(tasks.Wait(context.Background())).To(Succeed())
		Expect(tasks.Failures()).To(Equal(int64(1)))
	})

	It("bounds each task with its timeout", func() {
		tasks.Go("slow", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
		Expect(tasks.Wait(context.Background())).To(Succeed())
		Expect(tasks.Failures()).To(Equal(int64(1)))
	})

	It("stops waiting when the context ends", func() {
		release := make(chan struct{})
		defer close(release)
		tasks = NewTasks(time.Minute)
		tasks.Go("blocked", func(ctx context.Context) error {
			<-release
			return nil
		})

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		Expect(tasks.Wait(ctx)).To(MatchError(context.DeadlineExceeded))
	})
})
