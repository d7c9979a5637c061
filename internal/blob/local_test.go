package blob

import (
	"context"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalStore", func() {
	var (
		tmpDir string
		store  *LocalStore
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		tmpDir = GinkgoT().TempDir()
		var err error
		store, err = NewLocalStore(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Upload", func() {
		var (
			folderKey string
			location  string
			err       error
		)

		BeforeEach(func() {
			folderKey = "receipts/owner-1/2024/03/15"
		})

		JustBeforeEach(func() {
			location, err = store.Upload(ctx, folderKey, []byte("test file content"), "image/jpeg")
		})

		It("writes the file inside the folder", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(filepath.Dir(location)).To(Equal(filepath.Join(tmpDir, "receipts", "owner-1", "2024", "03", "15")))
			Expect(location).To(HaveSuffix(".jpg"))
			Expect(location).To(BeAnExistingFile())
		})

		When("the folder escapes the root", func() {
			BeforeEach(func() {
				folderKey = "../outside"
			})

			It("refuses to write", func() {
				Expect(err).To(MatchError(ContainSubstring("escapes storage root")))
			})
		})
	})

	Describe("Download", func() {
		It("returns what was uploaded", func() {
			location, err := store.Upload(ctx, "incoming", []byte("hello"), "image/png")
			Expect(err).NotTo(HaveOccurred())

			data, err := store.Download(ctx, location)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("hello"))
		})

		It("rejects paths outside the root", func() {
			_, err := store.Download(ctx, "/etc/passwd")
			Expect(err).To(MatchError(ContainSubstring("outside storage root")))
		})

		It("fails for a missing file", func() {
			_, err := store.Download(ctx, filepath.Join(tmpDir, "missing.jpg"))
			Expect(err).To(MatchError(ContainSubstring("reading file")))
		})
	})

	Describe("Delete", func() {
		It("removes the file", func() {
			location, err := store.Upload(ctx, "incoming", []byte("hello"), "image/png")
			Expect(err).NotTo(HaveOccurred())

			Expect(store.Delete(ctx, location)).To(Succeed())
			Expect(location).NotTo(BeAnExistingFile())
		})

		It("treats a missing file as deleted", func() {
			Expect(store.Delete(ctx, filepath.Join(tmpDir, "missing.jpg"))).To(Succeed())
		})
	})

	Describe("Contains", func() {
		It("only accepts paths below the root", func() {
			Expect(store.Contains(filepath.Join(tmpDir, "a", "b.jpg"))).To(BeTrue())
			Expect(store.Contains(tmpDir)).To(BeFalse())
			Expect(store.Contains(filepath.Join(tmpDir, "..", "x.jpg"))).To(BeFalse())
			Expect(store.Contains("s3://bucket/x.jpg")).To(BeFalse())
		})
	})
})
