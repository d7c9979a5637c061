package blob

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Adapter", func() {
	var (
		ctx       context.Context
		remote    *memoryStore
		archive   *LocalStore
		staging   *LocalStore
		adapter   *Adapter
		useRemote bool
	)

	BeforeEach(func() {
		ctx = context.Background()
		remote = newMemoryStore()
		useRemote = true

		var err error
		archive, err = NewLocalStore(filepath.Join(GinkgoT().TempDir(), "archive"))
		Expect(err).NotTo(HaveOccurred())
		staging, err = NewLocalStore(filepath.Join(GinkgoT().TempDir(), "staging"))
		Expect(err).NotTo(HaveOccurred())
	})

	JustBeforeEach(func() {
		if useRemote {
			adapter = NewAdapter(remote, archive, staging, NewTasks(time.Second))
		} else {
			adapter = NewAdapter(nil, archive, staging, NewTasks(time.Second))
		}
	})

	Describe("Stage", func() {
		It("stages remotely under the owner's incoming folder", func() {
			location, err := adapter.Stage(ctx, "owner-1", []byte("img"), "image/png")
			Expect(err).NotTo(HaveOccurred())
			Expect(location).To(HavePrefix("s3://memory/incoming/owner-1/"))

			data, err := adapter.Fetch(ctx, location)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("img"))
		})

		When("the remote upload fails", func() {
			BeforeEach(func() {
				remote.uploadErr = errors.New("bucket unavailable")
			})

			It("falls back to local staging", func() {
				location, err := adapter.Stage(ctx, "owner-1", []byte("img"), "image/png")
				Expect(err).NotTo(HaveOccurred())
				Expect(staging.Contains(location)).To(BeTrue())

				data, err := adapter.Fetch(ctx, location)
				Expect(err).NotTo(HaveOccurred())
				Expect(string(data)).To(Equal("img"))
			})
		})

		When("no remote is configured", func() {
			BeforeEach(func() {
				useRemote = false
			})

			It("stages locally", func() {
				location, err := adapter.Stage(ctx, "../owner", []byte("img"), "image/png")
				Expect(err).NotTo(HaveOccurred())
				Expect(staging.Contains(location)).To(BeTrue())
			})
		})
	})

	Describe("Finalize", func() {
		var at time.Time

		BeforeEach(func() {
			at = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
		})

		It("uploads to the remote dated folder", func() {
			location, err := adapter.Finalize(ctx, "owner-1", at, []byte("jpeg"))
			Expect(err).NotTo(HaveOccurred())
			Expect(location).To(HavePrefix("s3://memory/receipts/owner-1/2024/03/15/"))
			Expect(location).To(HaveSuffix(".jpg"))
		})

		When("no remote is configured", func() {
			BeforeEach(func() {
				useRemote = false
			})

			It("writes to the local archive", func() {
				location, err := adapter.Finalize(ctx, "owner-1", at, []byte("jpeg"))
				Expect(err).NotTo(HaveOccurred())
				Expect(archive.Contains(location)).To(BeTrue())
				Expect(filepath.ToSlash(location)).To(ContainSubstring("receipts/owner-1/2024/03/15/"))
			})
		})

		When("the upload fails", func() {
			BeforeEach(func() {
				remote.uploadErr = errors.New("denied")
			})

			It("returns a StorageError", func() {
				_, err := adapter.Finalize(ctx, "owner-1", at, []byte("jpeg"))
				var storageErr *StorageError
				Expect(errors.As(err, &storageErr)).To(BeTrue())
				Expect(storageErr.Op).To(Equal("finalize"))
			})
		})
	})

	Describe("Discard", func() {
		It("ignores empty locations", func() {
			Expect(adapter.Discard(ctx, "")).To(Succeed())
		})

		It("rejects locations no store owns", func() {
			err := adapter.Discard(ctx, "/somewhere/else.jpg")
			var storageErr *StorageError
			Expect(errors.As(err, &storageErr)).To(BeTrue())
			Expect(storageErr.Location).To(Equal("/somewhere/else.jpg"))
		})

		It("succeeds for a file that is already gone", func() {
			Expect(adapter.Discard(ctx, filepath.Join(staging.basePath, "gone.jpg"))).To(Succeed())
		})
	})

	Describe("DiscardLater", func() {
		It("deletes the file in the background", func() {
			remote.uploadErr = errors.New("offline")
			location, err := adapter.Stage(ctx, "owner-1", []byte("img"), "image/png")
			Expect(err).NotTo(HaveOccurred())

			adapter.DiscardLater(location)
			Expect(adapter.Tasks().Wait(ctx)).To(Succeed())

			_, statErr := os.Stat(location)
			Expect(os.IsNotExist(statErr)).To(BeTrue())
			Expect(adapter.Tasks().Failures()).To(BeZero())
		})

		It("counts failures", func() {
			adapter.DiscardLater("/not/managed.jpg")
			Expect(adapter.Tasks().Wait(ctx)).To(Succeed())
			Expect(adapter.Tasks().Failures()).To(Equal(int64(1)))
		})
	})
})

var _ = Describe("FolderKey", func() {
	It("groups by owner and UTC day", func() {
		at := time.Date(2024, 12, 31, 23, 30, 0, 0, time.FixedZone("x", -2*3600))
		Expect(FolderKey("alice", at)).To(Equal("receipts/alice/2025/01/01"))
	})

	It("sanitizes the owner segment", func() {
		at := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
		Expect(FolderKey("../../etc", at)).To(Equal("receipts/_.._etc/2024/01/02"))
	})
})

var _ = Describe("IsRemote", func() {
	It("recognises object store locations", func() {
		Expect(IsRemote("s3://bucket/key")).To(BeTrue())
		Expect(IsRemote("https://cdn.example.com/key")).To(BeTrue())
		Expect(IsRemote("/var/lib/receipts/a.jpg")).To(BeFalse())
	})
})
